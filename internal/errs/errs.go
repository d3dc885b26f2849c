// Package errs defines the error kinds shared across the leech client.
package errs

import "errors"

// Startup errors. The CLI driver treats these as fatal.
var (
	ErrMetainfoInvalid = errors.New("metainfo invalid")
	ErrNoUsableTracker = errors.New("no usable tracker")
	ErrTrackerFailure  = errors.New("tracker failure")
)

// Per-session errors. These are isolated to the session that raised them;
// the supervisor logs and moves on.
var (
	ErrPeerConnectFailed = errors.New("peer connect failed")
	ErrPeerProtocolError = errors.New("peer protocol error")
	ErrPieceHashMismatch = errors.New("piece hash mismatch")
	ErrDiskIOError       = errors.New("disk i/o error")
)
