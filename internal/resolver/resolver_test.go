package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/internal/config"
)

type staticResolver map[string][]string

func (s staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if addrs, ok := s[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func TestResolveAll(t *testing.T) {
	r := staticResolver{
		"codeforces.com":     {"1.1.1.1", "2606:4700::1"},
		"www.codeforces.com": {"1.1.1.1", "2.2.2.2"},
	}

	tests := []struct {
		name    string
		domains []string
		want    IPSet
		wantErr bool
	}{
		{
			name:    "dedupes across domains",
			domains: []string{"codeforces.com:443", "www.codeforces.com:443"},
			want:    IPSet{"1.1.1.1", "2606:4700::1", "2.2.2.2"},
		},
		{
			name:    "partial failure tolerated",
			domains: []string{"missing.example:443", "www.codeforces.com:443"},
			want:    IPSet{"1.1.1.1", "2.2.2.2"},
		},
		{
			name:    "total failure",
			domains: []string{"missing.example:443", "also-missing.example:443"},
			wantErr: true,
		},
		{
			name:    "entry without port",
			domains: []string{"codeforces.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAll(context.Background(), r, tt.domains)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrNoAddresses))
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIPSetString(t *testing.T) {
	assert.Equal(t, "1.1.1.1,2.2.2.2", IPSet{"1.1.1.1", "2.2.2.2"}.String())
	assert.Equal(t, "", IPSet(nil).String())
}

func TestNew(t *testing.T) {
	r, err := New(config.ResolverSettings{Mode: "system"})
	require.NoError(t, err)
	assert.IsType(t, &SystemResolver{}, r)

	r, err = New(config.ResolverSettings{Mode: "dns", Servers: []string{"1.1.1.1"}})
	require.NoError(t, err)
	require.IsType(t, &DNSResolver{}, r)
	assert.Equal(t, []string{"1.1.1.1:53"}, r.(*DNSResolver).servers)

	_, err = New(config.ResolverSettings{Mode: "dns"})
	assert.Error(t, err)

	_, err = New(config.ResolverSettings{Mode: "doh"})
	assert.Error(t, err)
}

func startDNSServer(t *testing.T, records map[string]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			resp := new(dns.Msg)
			resp.SetReply(req)
			q := req.Question[0]
			if ip, ok := records[q.Name]; ok && q.Qtype == dns.TypeA {
				resp.Answer = append(resp.Answer, &dns.A{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
					A:   net.ParseIP(ip),
				})
			} else if !ok {
				resp.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(resp)
		}),
	}

	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver_LookupHost(t *testing.T) {
	addr := startDNSServer(t, map[string]string{"leetcode.com.": "104.18.0.1"})

	r, err := NewDNSResolver([]string{addr}, time.Second)
	require.NoError(t, err)

	got, err := r.LookupHost(context.Background(), "leetcode.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"104.18.0.1"}, got)

	_, err = r.LookupHost(context.Background(), "unknown.example")
	assert.Error(t, err)

	got, err = r.LookupHost(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1"}, got)
}
