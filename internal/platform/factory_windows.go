//go:build windows

package platform

// GetHost returns the Windows primitives.
func GetHost() (*Host, error) {
	return &Host{
		Processes:  NewSystemProcesses(),
		Windows:    Win32Windows{},
		Metrics:    Win32Metrics{},
		Clipboard:  Win32Clipboard{},
		Adapters:   Win32Adapters{},
		Hypervisor: CPUHypervisor{},
	}, nil
}
