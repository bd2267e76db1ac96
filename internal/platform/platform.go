// Package platform provides the OS primitives the integrity monitors are built on.
package platform

import (
	"context"
	"errors"
)

// ErrUnsupported is returned by primitives that have no implementation on
// the current operating system.
var ErrUnsupported = errors.New("not supported on this platform")

// ProcessInfo identifies a running process.
type ProcessInfo struct {
	PID  int32
	Name string // lowercased executable name
}

// WindowInfo describes a top-level window.
type WindowInfo struct {
	Title   string
	PID     uint32
	Visible bool
}

// Adapter describes a network adapter.
type Adapter struct {
	Name        string
	Description string
	Up          bool
}

// ProcessLister enumerates processes and resolves their on-disk paths.
type ProcessLister interface {
	// ListProcesses returns every running process.
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)

	// ProcessPath returns the executable path of pid, or "" when it cannot be
	// read (typically access denied on protected processes).
	ProcessPath(ctx context.Context, pid int32) string
}

// WindowLister enumerates top-level windows that carry a title.
type WindowLister interface {
	Windows(ctx context.Context) ([]WindowInfo, error)
}

// SystemMetrics exposes display and session metrics.
type SystemMetrics interface {
	// RemoteSession reports whether the console is a remote desktop session.
	RemoteSession() bool

	// MonitorCount returns the number of attached displays.
	MonitorCount() int
}

// Clipboard clears the system clipboard.
type Clipboard interface {
	Clear() error
}

// AdapterLister enumerates network adapters.
type AdapterLister interface {
	Adapters(ctx context.Context) ([]Adapter, error)
}

// HypervisorProbe reads the CPU hypervisor signature.
type HypervisorProbe interface {
	// Hypervisor reports whether the hypervisor bit is set and, if so, the
	// vendor signature string.
	Hypervisor() (present bool, signature string)
}

// Host bundles the primitives of the running machine.
type Host struct {
	Processes  ProcessLister
	Windows    WindowLister
	Metrics    SystemMetrics
	Clipboard  Clipboard
	Adapters   AdapterLister
	Hypervisor HypervisorProbe
}
