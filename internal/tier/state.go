package tier

import (
	"fmt"
	"slices"
	"sync"

	"aegis/pkg/types"
)

// State is the lifecycle state of a model tier.
type State int

const (
	Unloaded State = iota
	Loading
	Resident
	Generating
	Unloading
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Resident:
		return "resident"
	case Generating:
		return "generating"
	case Unloading:
		return "unloading"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	Unloaded:   {Loading},
	Loading:    {Resident, Failed, Unloading, Unloaded},
	Resident:   {Generating, Unloading},
	Generating: {Resident, Unloading, Failed},
	Unloading:  {Unloaded, Failed},
	Failed:     {Loading, Unloading, Unloaded},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// TransitionError is returned for an illegal state change; the state is left untouched.
type TransitionError struct {
	Tier     types.Tier
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s tier: illegal transition %s -> %s", e.Tier, e.From, e.To)
}

// StateFunc observes state changes.
type StateFunc func(tier types.Tier, from, to State)

type machine struct {
	mu       sync.Mutex
	tier     types.Tier
	state    State
	onChange StateFunc
}

func (m *machine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) to(next State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, next) {
		m.mu.Unlock()
		return &TransitionError{Tier: m.tier, From: from, To: next}
	}
	m.state = next
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(m.tier, from, next)
	}
	return nil
}

// toFrom transitions only when the current state is one of want.
func (m *machine) toFrom(next State, want ...State) error {
	m.mu.Lock()
	from := m.state
	if !slices.Contains(want, from) || !CanTransition(from, next) {
		m.mu.Unlock()
		return &TransitionError{Tier: m.tier, From: from, To: next}
	}
	m.state = next
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(m.tier, from, next)
	}
	return nil
}
