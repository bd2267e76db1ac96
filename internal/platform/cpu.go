package platform

import (
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// CPUHypervisor implements HypervisorProbe with CPUID.
type CPUHypervisor struct{}

// Hypervisor reads the hypervisor present bit and vendor signature.
func (CPUHypervisor) Hypervisor() (bool, string) {
	if !cpuid.CPU.Has(cpuid.HYPERVISOR) {
		return false, ""
	}
	return true, strings.TrimSpace(cpuid.CPU.HypervisorVendorString)
}
