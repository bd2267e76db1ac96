// Package envscan checks the host environment for virtualization, remote
// sessions, extra displays and tunnel adapters.
package envscan

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/config"
	"github.com/cisec/lockdown-agent/internal/platform"
)

// ClassifyHypervisor maps a CPUID hypervisor signature to a product name.
// Microsoft's own hypervisor is a platform feature and reports allowed.
func ClassifyHypervisor(signature string) (vendor string, allowed bool) {
	switch {
	case strings.Contains(signature, "Microsoft Hv"), strings.Contains(signature, "HyperV"):
		return "Microsoft Hyper-V", true
	case strings.Contains(signature, "VMware"):
		return "VMware Workstation/Player", false
	case strings.Contains(signature, "VBox"), strings.Contains(signature, "VirtualBox"):
		return "Oracle VirtualBox", false
	case strings.Contains(signature, "KVM"):
		return "KVM (Linux Host)", false
	case strings.Contains(signature, "Xen"):
		return "Xen Hypervisor", false
	case strings.Contains(signature, "Parallels"), strings.Contains(signature, "prl hyperv"):
		return "Parallels Desktop", false
	default:
		return fmt.Sprintf("Unknown Hypervisor (Signature: %s)", signature), false
	}
}

// Report is the result of one environment check.
type Report struct {
	VMVendor      string
	RemoteSession bool
	MonitorCount  int
	VPN           string
}

// Findings returns the violations in the report, in check order.
func (r Report) Findings() []string {
	var out []string
	if r.VMVendor != "" {
		out = append(out, fmt.Sprintf("VIRTUAL MACHINE DETECTED [%s]", r.VMVendor))
	}
	if r.RemoteSession {
		out = append(out, "REMOTE DESKTOP (RDP) DETECTED")
	}
	if r.MonitorCount > 1 {
		out = append(out, fmt.Sprintf("MULTIPLE MONITORS DETECTED (%d)", r.MonitorCount))
	}
	if r.VPN != "" {
		out = append(out, fmt.Sprintf("VPN/PROXY DETECTED [%s]", r.VPN))
	}
	return out
}

// Scanner runs the environment checks.
type Scanner struct {
	metrics     platform.SystemMetrics
	adapters    platform.AdapterLister
	hypervisor  platform.HypervisorProbe
	clipboard   platform.Clipboard
	vpnKeywords []string
	allowVM     bool
	logger      zerolog.Logger
}

// NewScanner creates a scanner over the host primitives.
func NewScanner(host *platform.Host, cfg config.EnvironmentSettings, logger zerolog.Logger) *Scanner {
	keywords := make([]string, 0, len(cfg.VPNKeywords))
	for _, k := range cfg.VPNKeywords {
		keywords = append(keywords, strings.ToLower(k))
	}
	return &Scanner{
		metrics:     host.Metrics,
		adapters:    host.Adapters,
		hypervisor:  host.Hypervisor,
		clipboard:   host.Clipboard,
		vpnKeywords: keywords,
		allowVM:     cfg.AllowVirtualMachine,
		logger:      logger.With().Str("component", "envscan").Logger(),
	}
}

// DetectVM returns the vendor of a disallowed hypervisor, or "".
func (s *Scanner) DetectVM() string {
	present, sig := s.hypervisor.Hypervisor()
	if !present || sig == "" {
		return ""
	}
	vendor, allowed := ClassifyHypervisor(sig)
	if allowed {
		return ""
	}
	return vendor
}

// RemoteSession reports whether the session is remote.
func (s *Scanner) RemoteSession() bool {
	return s.metrics.RemoteSession()
}

// DetectVPN returns a description of the first up adapter that matches a
// tunnel keyword, or "".
func (s *Scanner) DetectVPN(ctx context.Context) string {
	adapters, err := s.adapters.Adapters(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Adapter enumeration failed")
		return ""
	}
	for _, a := range adapters {
		if !a.Up {
			continue
		}
		name := strings.ToLower(a.Name)
		desc := strings.ToLower(a.Description)
		for _, kw := range s.vpnKeywords {
			if strings.Contains(name, kw) || strings.Contains(desc, kw) {
				return fmt.Sprintf("VPN Detected: %s (%s)", name, desc)
			}
		}
	}
	return ""
}

// Check runs every check once.
func (s *Scanner) Check(ctx context.Context) Report {
	return Report{
		VMVendor:      s.DetectVM(),
		RemoteSession: s.RemoteSession(),
		MonitorCount:  s.metrics.MonitorCount(),
		VPN:           s.DetectVPN(ctx),
	}
}

// Scan runs every check and joins the findings with " | ". It returns ""
// for a clean host. With the virtual machine bypass enabled a VM finding is
// only logged.
func (s *Scanner) Scan(ctx context.Context) string {
	r := s.Check(ctx)
	if r.VMVendor != "" && s.allowVM {
		s.logger.Warn().Str("vendor", r.VMVendor).Msg("Virtual machine detected, ignored by configuration")
		r.VMVendor = ""
	}
	return strings.Join(r.Findings(), " | ")
}

// ClearClipboard empties the clipboard. Failures are expected while another
// application holds it and are ignored.
func (s *Scanner) ClearClipboard() {
	_ = s.clipboard.Clear()
}
