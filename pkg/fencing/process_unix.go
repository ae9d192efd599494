//go:build unix

package fencing

import (
	"errors"

	"golang.org/x/sys/unix"
)

type signalChecker struct{}

// Alive sends signal 0. EPERM means the process exists under another uid.
func (signalChecker) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
