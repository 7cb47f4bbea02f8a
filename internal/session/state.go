package session

import (
	"fmt"
	"time"
)

// State is a session's position in the pairing protocol.
type State int

const (
	StateConnecting State = iota
	StateRegistering
	StateWaitingPartner
	StatePaired
	StateTerminated
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateWaitingPartner:
		return "waiting_partner"
	case StatePaired:
		return "paired"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitionBufferSize is the number of transitions kept per session.
const transitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// stateLog is the current state plus a fixed-size ring of transitions.
type stateLog struct {
	current     State
	transitions [transitionBufferSize]StateTransition
	head        int
	count       int
}

// set records a transition. Setting the current state again is a no-op.
func (l *stateLog) set(to State, at time.Time, reason string) bool {
	from := l.current
	if from == to {
		return false
	}
	l.current = to
	l.transitions[l.head] = StateTransition{From: from, To: to, Timestamp: at, Reason: reason}
	l.head = (l.head + 1) % transitionBufferSize
	if l.count < transitionBufferSize {
		l.count++
	}
	return true
}

// history returns transitions oldest first.
func (l *stateLog) history() []StateTransition {
	if l.count == 0 {
		return nil
	}
	result := make([]StateTransition, l.count)
	if l.count < transitionBufferSize {
		copy(result, l.transitions[:l.count])
	} else {
		n := copy(result, l.transitions[l.head:])
		copy(result[n:], l.transitions[:l.head])
	}
	return result
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateConnecting; st <= StateTerminated; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}
