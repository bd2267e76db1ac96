//go:build !windows

package wfp

import "errors"

// OpenDynamicSession is only available on Windows.
func OpenDynamicSession(name string) (Session, error) {
	return nil, errors.New("windows filtering platform is not available on this OS")
}
