// Package firewall manages the coarse allow rules and the per-profile default
// outbound action of the host firewall.
package firewall

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/resolver"
)

// ErrRuleNotFound is returned when a named rule does not exist.
var ErrRuleNotFound = errors.New("firewall rule not found")

const (
	RuleTCPWhitelist  = "Lockdown_Firewall_TCP_Whitelist"
	RuleDNSWhitelist  = "Lockdown_Firewall_DNS_Whitelist"
	RuleDHCPWhitelist = "Lockdown_Firewall_DHCP_Whitelist"
)

// RuleNames lists every rule the manager owns.
var RuleNames = []string{RuleTCPWhitelist, RuleDNSWhitelist, RuleDHCPWhitelist}

// Profile is a network profile.
type Profile int32

const (
	ProfileDomain  Profile = 1
	ProfilePrivate Profile = 2
	ProfilePublic  Profile = 4
)

// Profiles lists the three network profiles.
var Profiles = []Profile{ProfileDomain, ProfilePrivate, ProfilePublic}

func (p Profile) String() string {
	switch p {
	case ProfileDomain:
		return "domain"
	case ProfilePrivate:
		return "private"
	case ProfilePublic:
		return "public"
	default:
		return fmt.Sprintf("profile(%d)", int32(p))
	}
}

// Action is a rule or default-policy verdict.
type Action int32

const (
	ActionBlock Action = 0
	ActionAllow Action = 1
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "block"
}

// Protocol is an IP protocol number.
type Protocol int32

const (
	ProtocolTCP Protocol = 6
	ProtocolUDP Protocol = 17
)

// Rule is an outbound firewall rule.
type Rule struct {
	Name            string
	Description     string
	Protocol        Protocol
	Action          Action
	RemoteAddresses string
	LocalPorts      string
	RemotePorts     string
}

// Policy is the host firewall policy object.
type Policy interface {
	AddRule(r Rule) error
	// RemoveRule removes a rule. Removing a missing rule is not an error.
	RemoveRule(name string) error
	// SetRemoteAddresses updates a live rule in place, or returns
	// ErrRuleNotFound.
	SetRemoteAddresses(name, addresses string) error
	SetDefaultOutbound(p Profile, a Action) error
	DefaultOutbound(p Profile) (Action, error)
}

// Manager applies and removes the lockdown firewall configuration.
type Manager struct {
	policy   Policy
	resolver resolver.Resolver
	domains  []string
	logger   zerolog.Logger
}

// NewManager creates a manager for the given allow-list.
func NewManager(policy Policy, r resolver.Resolver, domains []string, logger zerolog.Logger) *Manager {
	return &Manager{
		policy:   policy,
		resolver: r,
		domains:  domains,
		logger:   logger.With().Str("component", "firewall").Logger(),
	}
}

// Resolve resolves the configured allow-list.
func (m *Manager) Resolve(ctx context.Context) (resolver.IPSet, error) {
	return resolver.ResolveAll(ctx, m.resolver, m.domains)
}

// ApplyRules resolves the allow-list, recreates the allow rules and then
// switches every profile to default-block. When nothing resolves it returns a
// descriptive message and changes nothing.
func (m *Manager) ApplyRules(ctx context.Context) (string, error) {
	ips, err := m.Resolve(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Allow-list resolution failed")
		return "Could not resolve any IPs (VPN might be active, check DNS?)", nil
	}

	for _, name := range RuleNames {
		if err := m.policy.RemoveRule(name); err != nil {
			m.logger.Debug().Err(err).Str("rule", name).Msg("Removing stale rule failed")
		}
	}

	rules := []Rule{
		{
			Name:            RuleTCPWhitelist,
			Description:     "Allow access to whitelist domains",
			Protocol:        ProtocolTCP,
			Action:          ActionAllow,
			RemoteAddresses: ips.String(),
		},
		{
			Name:        RuleDNSWhitelist,
			Description: "Allow DNS resolution",
			Protocol:    ProtocolUDP,
			Action:      ActionAllow,
			RemotePorts: "53",
		},
		{
			Name:        RuleDHCPWhitelist,
			Description: "Allow DHCP negotiation",
			Protocol:    ProtocolUDP,
			Action:      ActionAllow,
			LocalPorts:  "68",
			RemotePorts: "67",
		},
	}
	for _, r := range rules {
		if err := m.policy.AddRule(r); err != nil {
			return "", fmt.Errorf("adding rule %s: %w", r.Name, err)
		}
	}

	// Allow rules are in place; only now flip the default.
	for _, p := range Profiles {
		if err := m.policy.SetDefaultOutbound(p, ActionBlock); err != nil {
			return "", fmt.Errorf("blocking %s profile: %w", p, err)
		}
	}

	m.logger.Info().Int("addresses", len(ips)).Msg("Firewall lockdown applied")
	return fmt.Sprintf("Secure Mode Active. Allowed %d IPs.", len(ips)), nil
}

// Reset restores default-allow on every profile and removes the named rules.
// It succeeds when the rules were never created.
func (m *Manager) Reset() (string, error) {
	var errs []error
	for _, p := range Profiles {
		if err := m.policy.SetDefaultOutbound(p, ActionAllow); err != nil {
			errs = append(errs, fmt.Errorf("allowing %s profile: %w", p, err))
		}
	}
	for _, name := range RuleNames {
		if err := m.policy.RemoveRule(name); err != nil {
			errs = append(errs, fmt.Errorf("removing rule %s: %w", name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}

	m.logger.Info().Msg("Firewall restored to default allow")
	return "Internet Restored. Default Policy: ALLOW.", nil
}

// RefreshWhitelist updates the addresses of the live TCP rule in place. Only
// when that rule is missing does it fall back to ApplyRules.
func (m *Manager) RefreshWhitelist(ctx context.Context, ips resolver.IPSet) (string, error) {
	if len(ips) == 0 {
		return "", resolver.ErrNoAddresses
	}

	err := m.policy.SetRemoteAddresses(RuleTCPWhitelist, ips.String())
	switch {
	case err == nil:
		m.logger.Debug().Int("addresses", len(ips)).Msg("Whitelist rule updated")
		return "Firewall Rules Updated (Dynamic DNS).", nil
	case errors.Is(err, ErrRuleNotFound):
		m.logger.Warn().Msg("Whitelist rule missing, reapplying rules")
		return m.ApplyRules(ctx)
	default:
		return "", fmt.Errorf("updating whitelist rule: %w", err)
	}
}

// DefaultOutbound returns the default outbound action of every profile.
func (m *Manager) DefaultOutbound() (map[Profile]Action, error) {
	out := make(map[Profile]Action, len(Profiles))
	for _, p := range Profiles {
		a, err := m.policy.DefaultOutbound(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s profile: %w", p, err)
		}
		out[p] = a
	}
	return out, nil
}
