package platform

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// SystemProcesses implements ProcessLister on top of gopsutil.
type SystemProcesses struct{}

// NewSystemProcesses creates a process lister for the local host.
func NewSystemProcesses() *SystemProcesses {
	return &SystemProcesses{}
}

// ListProcesses returns every running process whose name can be read.
func (SystemProcesses) ListProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		out = append(out, ProcessInfo{PID: p.Pid, Name: strings.ToLower(name)})
	}
	return out, nil
}

// ProcessPath returns the executable path of pid or "" on any failure.
func (SystemProcesses) ProcessPath(ctx context.Context, pid int32) string {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return ""
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return ""
	}
	return exe
}
