package types

import (
	"fmt"
	"strings"
)

// Tier names one of the two model tiers served by the orchestrator.
type Tier string

const (
	// TierAuto lets the orchestrator choose (Fast first, Deep when Fast cannot serve).
	TierAuto Tier = "auto"
	// TierFast is the small, always-resident model.
	TierFast Tier = "fast"
	// TierDeep is the large model streamed from disk through the offload window.
	TierDeep Tier = "deep"
)

// ParseTier maps user input to a Tier. Empty input means auto.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return TierAuto, nil
	case "fast":
		return TierFast, nil
	case "deep":
		return TierDeep, nil
	default:
		return "", fmt.Errorf("unknown tier %q (want auto|fast|deep)", s)
	}
}

// Priority is the admission class of a request. Higher values are admitted first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority class name to a Priority. Empty input means normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (want low|normal|high|urgent)", s)
	}
}

// Message is a single prior turn carried as context with a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Directive is a tool invocation extracted from a completed generation.
type Directive struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
