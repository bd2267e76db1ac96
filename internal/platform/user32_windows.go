//go:build windows

package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	smCMonitors      = 80
	smRemoteSession  = 0x1000
	maxWindowTitleSz = 512
)

var (
	user32                       = windows.NewLazySystemDLL("user32.dll")
	procEnumWindows              = user32.NewProc("EnumWindows")
	procIsWindowVisible          = user32.NewProc("IsWindowVisible")
	procGetWindowTextLengthW     = user32.NewProc("GetWindowTextLengthW")
	procGetWindowTextW           = user32.NewProc("GetWindowTextW")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procGetSystemMetrics         = user32.NewProc("GetSystemMetrics")
	procOpenClipboard            = user32.NewProc("OpenClipboard")
	procEmptyClipboard           = user32.NewProc("EmptyClipboard")
	procCloseClipboard           = user32.NewProc("CloseClipboard")
)

// The callback is registered once; each enumeration passes the id of its
// collector through lparam so no Go pointer crosses the syscall boundary.
var (
	enumWindowsCallback = windows.NewCallback(enumWindowsProc)
	windowCollectors    sync.Map // uintptr -> *windowCollector
	nextCollectorID     atomic.Uintptr
)

type windowCollector struct {
	windows []WindowInfo
}

func enumWindowsProc(hwnd uintptr, lparam uintptr) uintptr {
	v, ok := windowCollectors.Load(lparam)
	if !ok {
		return 0
	}
	c := v.(*windowCollector)

	n, _, _ := procGetWindowTextLengthW.Call(hwnd)
	if n == 0 {
		return 1
	}
	if n > maxWindowTitleSz {
		n = maxWindowTitleSz
	}
	buf := make([]uint16, n+1)
	procGetWindowTextW.Call(hwnd, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))

	var pid uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))

	visible, _, _ := procIsWindowVisible.Call(hwnd)

	c.windows = append(c.windows, WindowInfo{
		Title:   windows.UTF16ToString(buf),
		PID:     pid,
		Visible: visible != 0,
	})
	return 1
}

// Win32Windows implements WindowLister with EnumWindows.
type Win32Windows struct{}

// Windows returns every titled top-level window.
func (Win32Windows) Windows(ctx context.Context) ([]WindowInfo, error) {
	if err := procEnumWindows.Find(); err != nil {
		return nil, fmt.Errorf("loading EnumWindows: %w", err)
	}

	id := nextCollectorID.Add(1)
	c := &windowCollector{}
	windowCollectors.Store(id, c)
	defer windowCollectors.Delete(id)

	r, _, err := procEnumWindows.Call(enumWindowsCallback, id)
	if r == 0 && err != nil && !errors.Is(err, windows.ERROR_SUCCESS) {
		return nil, fmt.Errorf("EnumWindows: %w", err)
	}
	return c.windows, nil
}

// Win32Metrics implements SystemMetrics with GetSystemMetrics.
type Win32Metrics struct{}

// RemoteSession reports SM_REMOTESESSION.
func (Win32Metrics) RemoteSession() bool {
	r, _, _ := procGetSystemMetrics.Call(smRemoteSession)
	return r != 0
}

// MonitorCount reports SM_CMONITORS.
func (Win32Metrics) MonitorCount() int {
	r, _, _ := procGetSystemMetrics.Call(smCMonitors)
	return int(r)
}

// Win32Clipboard implements Clipboard.
type Win32Clipboard struct{}

// Clear empties the clipboard. It fails when another process holds it open.
func (Win32Clipboard) Clear() error {
	r, _, err := procOpenClipboard.Call(0)
	if r == 0 {
		return fmt.Errorf("OpenClipboard: %w", err)
	}
	defer procCloseClipboard.Call()

	if r, _, err := procEmptyClipboard.Call(); r == 0 {
		return fmt.Errorf("EmptyClipboard: %w", err)
	}
	return nil
}
