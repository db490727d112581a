package orchestrator

import "aegis/pkg/types"

// Event names published by the orchestrator.
const (
	EventQueued        = "queued"
	EventAdmitted      = "admitted"
	EventBackoff       = "backoff"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventCancelled     = "cancelled"
	EventTierFailed    = "tier_failed"
	EventTierRecovered = "tier_recovered"
	EventTierDegraded  = "tier_degraded"
	EventHandoff       = "handoff"
)

// Event represents an orchestrator lifecycle event.
type Event struct {
	Name      string
	RequestID string
	Tier      types.Tier
	Fields    map[string]any
}

// EventPublisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
