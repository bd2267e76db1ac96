//go:build !windows

package firewall

import "errors"

// NewSystemPolicy is only available on Windows.
func NewSystemPolicy() (Policy, error) {
	return nil, errors.New("windows firewall is not available on this OS")
}
