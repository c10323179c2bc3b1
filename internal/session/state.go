package session

import (
	"fmt"
	"sync"

	"github.com/vfmunhoz/wagate/internal/bus"
)

// State is a session's lifecycle phase.
type State string

const (
	StateInitializing    State = "initializing"
	StateAwaitingPairing State = "awaiting_pairing"
	StateAuthenticated   State = "authenticated"
	StateReconnecting    State = "reconnecting"
	StateTerminated      State = "terminated"
)

// transitions is the full set of legal state changes. Terminated is
// absorbing: nothing leaves it.
var transitions = map[State]map[State]bool{
	StateInitializing: {
		StateAwaitingPairing: true,
		StateAuthenticated:   true,
		StateReconnecting:    true,
		StateTerminated:      true,
	},
	StateAwaitingPairing: {
		StateAuthenticated: true,
		StateReconnecting:  true,
		StateTerminated:    true,
	},
	StateAuthenticated: {
		StateReconnecting: true,
		StateTerminated:   true,
	},
	StateReconnecting: {
		StateAuthenticated:   true,
		StateAwaitingPairing: true,
		StateTerminated:      true,
	},
	StateTerminated: {},
}

// Machine guards one session's lifecycle state and publishes every
// transition on the session's state topic.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	state     State
	bus       *bus.Bus
}

// NewMachine starts in Initializing.
func NewMachine(sessionID string, b *bus.Bus) *Machine {
	return &Machine{sessionID: sessionID, state: StateInitializing, bus: b}
}

// Current returns the machine's state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state if the transition table allows
// it. A same-state transition is a silent no-op. cause is free-form
// context carried on the notification.
func (m *Machine) Transition(to State, cause string) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !transitions[from][to] {
		m.mu.Unlock()
		return fmt.Errorf("session: illegal transition %s -> %s", from, to)
	}
	m.state = to
	m.mu.Unlock()

	m.bus.Emit(bus.SessionTopic(m.sessionID, "state"), bus.StateNotification{
		From:  string(from),
		To:    string(to),
		Cause: cause,
	})
	return nil
}
