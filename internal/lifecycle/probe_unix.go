//go:build !windows

package lifecycle

import (
	"errors"
	"syscall"
)

// OSProbe checks process existence with signal 0.
type OSProbe struct{}

func (OSProbe) Alive(pid int) (bool, bool) {
	if pid <= 0 {
		return false, false
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, syscall.EPERM):
		// exists but owned by another user
		return true, true
	case errors.Is(err, syscall.ESRCH):
		return false, true
	default:
		return false, false
	}
}
