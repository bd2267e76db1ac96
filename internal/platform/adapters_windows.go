//go:build windows

package platform

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Win32Adapters implements AdapterLister with GetAdaptersAddresses.
type Win32Adapters struct{}

// Adapters returns every adapter with its friendly name and description.
func (Win32Adapters) Adapters(ctx context.Context) ([]Adapter, error) {
	size := uint32(15000)
	var buf []byte
	for {
		buf = make([]byte, size)
		err := windows.GetAdaptersAddresses(windows.AF_UNSPEC, windows.GAA_FLAG_INCLUDE_PREFIX, 0,
			(*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0])), &size)
		if err == nil {
			break
		}
		if !errors.Is(err, windows.ERROR_BUFFER_OVERFLOW) {
			return nil, fmt.Errorf("GetAdaptersAddresses: %w", err)
		}
		if size <= uint32(len(buf)) {
			return nil, fmt.Errorf("GetAdaptersAddresses: buffer did not grow")
		}
	}
	if size == 0 {
		return nil, nil
	}

	var out []Adapter
	for aa := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0])); aa != nil; aa = aa.Next {
		out = append(out, Adapter{
			Name:        windows.UTF16PtrToString(aa.FriendlyName),
			Description: windows.UTF16PtrToString(aa.Description),
			Up:          aa.OperStatus == windows.IfOperStatusUp,
		})
	}
	return out, nil
}
