package agent

import (
	"errors"
	"testing"

	"ensemble-trading-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateIdle, StateRecovering, StatePerception, StateReasoning,
	StateRiskCheck, StateExecution, StateLearning,
}

// forceState puts the machine into an arbitrary state for table testing.
func forceState(m *StateMachine, s State) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func TestStateMachine_StartsIdle(t *testing.T) {
	m := NewStateMachine()
	assert.Equal(t, StateIdle, m.Current())
}

func TestStateMachine_FullCycle(t *testing.T) {
	m := NewStateMachine()

	require.NoError(t, m.Transition(StatePerception))
	require.NoError(t, m.Transition(StateReasoning))
	require.NoError(t, m.Transition(StateRiskCheck))
	require.NoError(t, m.Transition(StateExecution))
	require.NoError(t, m.Transition(StateLearning))
	require.NoError(t, m.Transition(StatePerception))

	assert.Equal(t, StatePerception, m.Current())
}

func TestStateMachine_VetoReturnsToPerception(t *testing.T) {
	m := NewStateMachine()
	forceState(m, StateRiskCheck)

	require.NoError(t, m.Transition(StatePerception))
	assert.Equal(t, StatePerception, m.Current())
}

func TestStateMachine_LearningCanEndCycle(t *testing.T) {
	m := NewStateMachine()
	forceState(m, StateLearning)

	require.NoError(t, m.Transition(StateIdle))
	assert.Equal(t, StateIdle, m.Current())
}

func TestStateMachine_RecoveringReachableFromAnywhere(t *testing.T) {
	for _, from := range allStates {
		m := NewStateMachine()
		forceState(m, from)
		require.NoError(t, m.Transition(StateRecovering), "from %s", from)
		assert.Equal(t, StateRecovering, m.Current())
	}
}

// Exhaustively attempt every (state, target) pair and verify the result matches
// the transition table exactly. Anything outside the table must fail with
// ErrIllegalTransition and must not move the machine.
func TestStateMachine_ExhaustiveTable(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			m := NewStateMachine()
			forceState(m, from)

			err := m.Transition(to)

			legal := to == StateRecovering || transitionTable[from][to]
			if legal {
				require.NoError(t, err, "%s -> %s should be legal", from, to)
				assert.Equal(t, to, m.Current())
			} else {
				require.Error(t, err, "%s -> %s should be rejected", from, to)
				assert.True(t, errors.Is(err, models.ErrIllegalTransition))
				assert.Equal(t, from, m.Current(), "rejected transition must not move state")
			}
		}
	}
}

// IDLE -> LEARNING and RECOVERING -> LEARNING are the historically buggy
// shortcuts; pin them down explicitly.
func TestStateMachine_NoShortcutToLearning(t *testing.T) {
	for _, from := range []State{StateIdle, StateRecovering} {
		m := NewStateMachine()
		forceState(m, from)

		err := m.Transition(StateLearning)
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrIllegalTransition))
		assert.Equal(t, from, m.Current())
	}
}
