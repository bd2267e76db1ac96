package platform

import (
	"context"
	"os"
	"testing"
)

func TestSystemProcesses_ListIncludesSelf(t *testing.T) {
	procs, err := NewSystemProcesses().ListProcesses(context.Background())
	if err != nil {
		t.Fatalf("ListProcesses failed: %v", err)
	}

	self := int32(os.Getpid())
	for _, p := range procs {
		if p.PID == self {
			if p.Name == "" {
				t.Error("Expected own process to have a name")
			}
			return
		}
	}
	t.Errorf("Own PID %d not found among %d processes", self, len(procs))
}

func TestSystemProcesses_PathOfMissingProcess(t *testing.T) {
	if got := NewSystemProcesses().ProcessPath(context.Background(), -1); got != "" {
		t.Errorf("Expected empty path for invalid PID, got %q", got)
	}
}

func TestGetHost(t *testing.T) {
	host, err := GetHost()
	if err != nil {
		t.Fatalf("GetHost failed: %v", err)
	}
	if host.Processes == nil || host.Windows == nil || host.Metrics == nil ||
		host.Clipboard == nil || host.Adapters == nil || host.Hypervisor == nil {
		t.Errorf("Expected every primitive to be set: %+v", host)
	}
}
