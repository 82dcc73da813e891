package agent

import (
	"fmt"
	"sync"

	"ensemble-trading-bot-go/internal/models"
)

// State represents a point in the agent's OODA cycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateRecovering State = "RECOVERING"
	StatePerception State = "PERCEPTION"
	StateReasoning  State = "REASONING"
	StateRiskCheck  State = "RISK_CHECK"
	StateExecution  State = "EXECUTION"
	StateLearning   State = "LEARNING"
)

// transitionTable is the single source of truth for legal transitions.
// RECOVERING is additionally reachable from every state (unrecoverable error path);
// that case is handled explicitly in Transition so the table stays minimal.
//
// Nothing outside this file may assign the agent's state.
var transitionTable = map[State]map[State]bool{
	StateIdle:       {StatePerception: true},
	StateRecovering: {StatePerception: true},
	StatePerception: {StateReasoning: true},
	StateReasoning:  {StateRiskCheck: true},
	StateRiskCheck:  {StateExecution: true, StatePerception: true}, // veto goes back to PERCEPTION
	StateExecution:  {StateLearning: true},
	StateLearning:   {StatePerception: true, StateIdle: true},
}

// StateMachine guards the agent state behind the transition table.
// Any transition not in the table fails closed with ErrIllegalTransition;
// it is never coerced into a "nearest legal" state.
type StateMachine struct {
	mu      sync.Mutex
	current State
}

// NewStateMachine returns a machine starting in IDLE.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateIdle}
}

// Current returns the current state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves the machine to the target state if the transition table
// allows it. The error carries both endpoints for the recovery log.
func (m *StateMachine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// The escape hatch: any state may fall into RECOVERING.
	if to == StateRecovering {
		m.current = StateRecovering
		return nil
	}

	allowed, known := transitionTable[m.current]
	if !known || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, m.current, to)
	}

	m.current = to
	return nil
}
