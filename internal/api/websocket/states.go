package websocket

import (
	"fmt"
	"sync"
)

// SessionState tracks a device session through its lifetime.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticated
	StateStreaming
	StateClosed
	StateRejected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	case StateRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func ValidateTransition(from, to SessionState) error {
	validTransitions := map[SessionState][]SessionState{
		StateConnecting:    {StateAuthenticated, StateRejected, StateClosed},
		StateAuthenticated: {StateStreaming, StateClosed},
		StateStreaming:     {StateClosed},
		StateClosed:        {},
		StateRejected:      {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid state transition: %s -> %s", from, to)
}

type stateMachine struct {
	mu    sync.Mutex
	state SessionState
}

func (m *stateMachine) current() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stateMachine) transition(to SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ValidateTransition(m.state, to); err != nil {
		return err
	}
	m.state = to
	return nil
}
