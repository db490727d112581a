package orchestrator

import (
	"sync"
	"time"

	"aegis/internal/tier"
	"aegis/pkg/types"
)

// Request is one prompt submitted by a channel.
type Request struct {
	// ID is generated when empty.
	ID       string
	Channel  string
	Prompt   string
	Context  []types.Message
	Tier     types.Tier
	Priority types.Priority
	// Deadline bounds the time spent queued; zero uses the default deadline.
	Deadline time.Time
	Params   tier.Params
}

// Phase is the lifecycle position of a request.
type Phase int

const (
	PhaseSubmitted Phase = iota
	PhaseQueued
	PhaseAdmitted
	PhaseGenerating
	PhaseCompleted
	PhaseFailed
	PhaseCancelled
)

func (p Phase) String() string {
	switch p {
	case PhaseSubmitted:
		return "submitted"
	case PhaseQueued:
		return "queued"
	case PhaseAdmitted:
		return "admitted"
	case PhaseGenerating:
		return "generating"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseCancelled:
		return "cancelled"
	}
	return "unknown"
}

// UpdateKind classifies an Update.
type UpdateKind int

const (
	UpdateToken UpdateKind = iota
	UpdateCompleted
	UpdateFailed
	UpdateCancelled
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateToken:
		return "token"
	case UpdateCompleted:
		return "completed"
	case UpdateFailed:
		return "failed"
	case UpdateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Update is pushed to the request's Sink. Every request receives exactly one
// terminal update (Completed, Failed or Cancelled).
type Update struct {
	RequestID string
	Channel   string
	Tier      types.Tier
	Kind      UpdateKind
	Token     string
	// Text is the full completion on UpdateCompleted.
	Text      string
	Directive *types.Directive
	Tokens    int
	Duration  time.Duration
	Err       error
}

// Terminal reports whether u ends the request.
func (u Update) Terminal() bool { return u.Kind != UpdateToken }

// Sink receives updates for one request. Deliver is called from orchestrator
// goroutines and should return promptly.
type Sink interface {
	Deliver(Update)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Update)

func (f SinkFunc) Deliver(u Update) { f(u) }

// job is the orchestrator's record of a request.
type job struct {
	req       Request
	sink      Sink
	tier      types.Tier
	submitted time.Time

	mu        sync.Mutex
	phase     Phase
	attempts  int
	notBefore time.Time
	once      sync.Once
}

func (j *job) setPhase(p Phase) {
	j.mu.Lock()
	j.phase = p
	j.mu.Unlock()
}

func (j *job) getPhase() Phase {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.phase
}
