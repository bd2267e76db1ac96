// Package resolver turns the host:port allow-list into a set of IP addresses.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/cisec/lockdown-agent/internal/config"
)

// ErrNoAddresses is returned when no domain resolved to any address.
var ErrNoAddresses = errors.New("no addresses resolved")

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// IPSet is an ordered set of resolved addresses.
type IPSet []string

// String returns the comma-joined form used by firewall rules.
func (s IPSet) String() string {
	return strings.Join(s, ",")
}

// New creates the resolver selected by the settings.
func New(cfg config.ResolverSettings) (Resolver, error) {
	switch cfg.Mode {
	case "", "system":
		return &SystemResolver{Timeout: cfg.Timeout}, nil
	case "dns":
		return NewDNSResolver(cfg.Servers, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown resolver mode %q", cfg.Mode)
	}
}

// ResolveAll resolves every host:port entry. Partial failure is tolerated;
// ErrNoAddresses is returned, joined with the per-domain errors, only when
// nothing resolved.
func ResolveAll(ctx context.Context, r Resolver, domains []string) (IPSet, error) {
	seen := make(map[string]struct{})
	var ips IPSet
	var errs []error

	for _, d := range domains {
		host, _, err := net.SplitHostPort(d)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d, err))
			continue
		}

		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		for _, a := range addrs {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			ips = append(ips, a)
		}
	}

	if len(ips) == 0 {
		return nil, errors.Join(append([]error{ErrNoAddresses}, errs...)...)
	}
	return ips, nil
}

// SystemResolver uses the operating system resolver.
type SystemResolver struct {
	Timeout time.Duration
}

// LookupHost resolves host with net.DefaultResolver.
func (s *SystemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	return net.DefaultResolver.LookupHost(ctx, host)
}

// DNSResolver queries configured upstream servers directly.
type DNSResolver struct {
	client  *dns.Client
	servers []string
}

// NewDNSResolver creates a resolver for the given upstreams. Servers without
// a port default to 53.
func NewDNSResolver(servers []string, timeout time.Duration) (*DNSResolver, error) {
	if len(servers) == 0 {
		return nil, errors.New("no upstream servers configured")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(s, "53")
		}
		addrs = append(addrs, s)
	}

	return &DNSResolver{
		client:  &dns.Client{Net: "udp", Timeout: timeout},
		servers: addrs,
	}, nil
}

// LookupHost returns the A and AAAA records of host from the first upstream
// that answers.
func (r *DNSResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	var lastErr error
	for _, server := range r.servers {
		var out []string
		answered := false
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			addrs, err := r.query(ctx, server, host, qtype)
			if err != nil {
				lastErr = err
				continue
			}
			answered = true
			out = append(out, addrs...)
		}
		if answered && len(out) > 0 {
			return out, nil
		}
		if answered {
			lastErr = fmt.Errorf("%s: no A/AAAA records", host)
		}
	}
	return nil, lastErr
}

func (r *DNSResolver) query(ctx context.Context, server, host string, qtype uint16) ([]string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", server, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("querying %s: %s", server, dns.RcodeToString[resp.Rcode])
	}

	var out []string
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		}
	}
	return out, nil
}
