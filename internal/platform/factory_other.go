//go:build !windows

package platform

import (
	"context"
	"fmt"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// GetHost returns the primitives available off Windows. Window, metrics and
// clipboard access are Windows-only; the stand-ins report a clean host.
func GetHost() (*Host, error) {
	return &Host{
		Processes:  NewSystemProcesses(),
		Windows:    noWindows{},
		Metrics:    singleDisplay{},
		Clipboard:  noClipboard{},
		Adapters:   NetAdapters{},
		Hypervisor: CPUHypervisor{},
	}, nil
}

type noWindows struct{}

func (noWindows) Windows(ctx context.Context) ([]WindowInfo, error) {
	return nil, ErrUnsupported
}

type singleDisplay struct{}

func (singleDisplay) RemoteSession() bool { return false }
func (singleDisplay) MonitorCount() int   { return 1 }

type noClipboard struct{}

func (noClipboard) Clear() error { return ErrUnsupported }

// NetAdapters implements AdapterLister with gopsutil.
type NetAdapters struct{}

// Adapters returns the host interfaces. gopsutil exposes no description, so
// only the name is matched.
func (NetAdapters) Adapters(ctx context.Context) ([]Adapter, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}
	out := make([]Adapter, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, Adapter{Name: iface.Name, Up: hasFlag(iface.Flags, "up")})
	}
	return out, nil
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}
