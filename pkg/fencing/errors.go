package fencing

import "errors"

// Lock errors
var (
	ErrLockTimeout    = errors.New("timed out waiting for fencing channel lock")
	ErrInvalidChannel = errors.New("invalid fencing channel")
	ErrLockLost       = errors.New("channel lockfile no longer held by this process")
)

// Fence errors
var (
	ErrNotConfigured = errors.New("no fencing channel configured for peer")
	ErrBadHost       = errors.New("fencing device does not know the peer")
	ErrDeviceFailure = errors.New("fencing device failure")
	ErrFenceTimeout  = errors.New("fence invocation timed out")
)

// Fence results as broadcast to the cluster.
const (
	ResultOK            = "OK"
	ResultBadHost       = "badhost"
	ResultBad           = "bad"
	ResultNotConfigured = "n_stnth"
)

// ResultFor maps a Fence error onto the broadcast result vocabulary.
func ResultFor(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrBadHost):
		return ResultBadHost
	case errors.Is(err, ErrNotConfigured):
		return ResultNotConfigured
	default:
		return ResultBad
	}
}
