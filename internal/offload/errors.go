package offload

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy is returned by Begin while another run holds the window.
	ErrBusy = errors.New("offload: window already in use")
	// ErrClosed is returned by Step on an ended or aborted handle.
	ErrClosed = errors.New("offload: handle closed")
)

// IOStallError reports a shard read that made no progress within the stall timeout.
type IOStallError struct {
	Shard string
	After time.Duration
	Read  int64
	Size  int64
}

func (e *IOStallError) Error() string {
	return fmt.Sprintf("io stall reading shard %s: no progress for %s (%d/%d bytes)", e.Shard, e.After, e.Read, e.Size)
}

// Kind classifies the error for channel reports.
func (e *IOStallError) Kind() string { return "io_stall" }

// IsIOStall reports whether err is an IOStallError.
func IsIOStall(err error) bool {
	var s *IOStallError
	return errors.As(err, &s)
}

// WindowError reports a window that cannot serve a reservation or shard set.
type WindowError struct {
	Window int64
	Need   int64
	Reason string
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("offload window %d bytes: %s (need %d)", e.Window, e.Reason, e.Need)
}
