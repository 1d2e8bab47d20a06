package agent

import (
	"sync"

	"github.com/jllopis/codeagent/pkg/errors"
)

// State is a step of the engine loop.
type State string

const (
	StateAwaitingUserInput          State = "awaiting_user_input"
	StateModelInvocation            State = "model_invocation"
	StateParsingResponse            State = "parsing_response"
	StateExecutingAction            State = "executing_action"
	StateAwaitingPermissionDecision State = "awaiting_permission_decision"
	StateAppendingResult            State = "appending_result"
	StateRespondingToUser           State = "responding_to_user"
)

// transitions lists the legal moves. Every in-turn state may fall back to
// StateAwaitingUserInput when the turn ends early.
var transitions = map[State][]State{
	StateAwaitingUserInput: {StateModelInvocation},
	StateModelInvocation:   {StateParsingResponse, StateAwaitingUserInput},
	StateParsingResponse:   {StateExecutingAction, StateModelInvocation, StateAwaitingUserInput},
	StateExecutingAction: {
		StateAppendingResult,
		StateRespondingToUser,
		StateAwaitingPermissionDecision,
		StateAwaitingUserInput,
	},
	StateAwaitingPermissionDecision: {StateExecutingAction, StateAwaitingUserInput},
	StateAppendingResult:            {StateModelInvocation, StateAwaitingUserInput},
	StateRespondingToUser:           {StateAwaitingUserInput},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine tracks the current state and reports every change.
type machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

func newMachine(onChange func(from, to State)) *machine {
	return &machine{state: StateAwaitingUserInput, onChange: onChange}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// to moves to next or returns a PROTOCOL_ERROR naming the illegal move.
func (m *machine) to(next State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, next) {
		m.mu.Unlock()
		return errors.Newf(errors.CodeProtocol, "illegal transition %s -> %s", from, next).
			WithContext("from", string(from)).
			WithContext("to", string(next))
	}
	m.state = next
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(from, next)
	}
	return nil
}

// reset returns to StateAwaitingUserInput from wherever the loop stopped.
func (m *machine) reset() {
	if m.current() == StateAwaitingUserInput {
		return
	}
	_ = m.to(StateAwaitingUserInput)
}
