package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"aegis/pkg/types"
)

var (
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("orchestrator: closed")
	// ErrNotStarted is returned by Submit before Start completed.
	ErrNotStarted = errors.New("orchestrator: not started")
	// ErrReloadBusy is returned by Reload while the tier is generating or recovering.
	ErrReloadBusy = errors.New("orchestrator: tier busy, retry reload later")
	// ErrUnknownTier is returned for a tier name the orchestrator does not serve.
	ErrUnknownTier = errors.New("orchestrator: unknown tier")
)

// TimeoutError reports a request whose deadline passed while it was queued.
type TimeoutError struct {
	RequestID string
	Deadline  time.Time
	Queued    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s in queue", e.RequestID, e.Queued.Round(time.Millisecond))
}

func (e *TimeoutError) Kind() string { return "timeout" }

// ResourceExhaustedError reports a request that could not be admitted.
type ResourceExhaustedError struct {
	Tier     types.Tier
	Attempts int
	Reason   string
	Err      error
}

func (e *ResourceExhaustedError) Error() string {
	msg := fmt.Sprintf("%s tier resources exhausted: %s", e.Tier, e.Reason)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }
func (e *ResourceExhaustedError) Kind() string  { return "resource_exhausted" }

// CancelledError reports a request removed before admission.
type CancelledError struct {
	RequestID string
	Reason    string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request %s cancelled: %s", e.RequestID, e.Reason)
}

func (e *CancelledError) Kind() string { return "cancelled" }

// TierFailedError is reported to requests drained from a failed tier's queue.
type TierFailedError struct {
	Tier types.Tier
	Err  error
}

func (e *TierFailedError) Error() string {
	return fmt.Sprintf("%s tier failed: %v", e.Tier, e.Err)
}

func (e *TierFailedError) Unwrap() error { return e.Err }
func (e *TierFailedError) Kind() string  { return "failed" }

// GenerationError wraps a fault raised while generating.
type GenerationError struct {
	Tier types.Tier
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s generation: %v", e.Tier, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Kind is the kind of the underlying error (io_stall, load_error) or "failed".
func (e *GenerationError) Kind() string {
	var k kinded
	if errors.As(e.Err, &k) {
		return k.Kind()
	}
	return "failed"
}

// InvalidRequestError is returned by Submit for a malformed request.
type InvalidRequestError struct{ Reason string }

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Reason }
func (e *InvalidRequestError) Kind() string  { return "invalid_request" }

type kinded interface{ Kind() string }

// ErrorKind classifies err for channel reports.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, ErrClosed) {
		return "cancelled"
	}
	return "failed"
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// IsResourceExhausted reports whether err is a ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var e *ResourceExhaustedError
	return errors.As(err, &e)
}

// IsCancelled reports whether err is a CancelledError.
func IsCancelled(err error) bool {
	var e *CancelledError
	return errors.As(err, &e)
}

// IsTierFailed reports whether err is a TierFailedError.
func IsTierFailed(err error) bool {
	var e *TierFailedError
	return errors.As(err, &e)
}

// IsInvalidRequest reports whether err is an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var e *InvalidRequestError
	return errors.As(err, &e)
}
