package regen

import "go.trai.ch/zerr"

var (
	// ErrTimeout is returned to a blocking caller whose wait budget ran out.
	// The build it waited for keeps running.
	ErrTimeout = zerr.New("timed out waiting for build")
	// ErrNotFoundKey is returned for keys that are neither known paths nor valid route keys.
	ErrNotFoundKey = zerr.New("route key not found")
	// ErrClosed is returned by a cache that has been closed.
	ErrClosed = zerr.New("cache is closed")
	ErrInvalidConfig = zerr.New("invalid configuration")
)
