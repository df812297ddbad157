package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDCPath walks the canonical DC path through the FSM.
func TestDCPath(t *testing.T) {
	f := NewFSM()
	assert.Equal(t, StateStarting, f.State())

	steps := []struct {
		input Input
		next  State
	}{
		{InputStartup, StatePending},
		{InputElection, StateElection},
		{InputElectionDC, StateIntegration},
		{InputJoinResult, StateFinalizeJoin},
		{InputPECalc, StatePolicyEngine},
		{InputPESuccess, StateTransitionEngine},
		{InputTESuccess, StateIdle},
		{InputCIBUpdate, StatePolicyEngine},
	}
	for _, step := range steps {
		tr, err := f.Fire(step.input)
		require.NoError(t, err, "input %s", step.input)
		assert.Equal(t, step.next, tr.Next, "input %s", step.input)
	}
}

// TestFailDuringTransitionReentersPolicyEngine covers the abort path:
// I_FAIL in S_TRANSITION_ENGINE cancels the graph and re-plans.
func TestFailDuringTransitionReentersPolicyEngine(t *testing.T) {
	f := &FSM{state: StateTransitionEngine}
	tr, err := f.Fire(InputFail)
	require.NoError(t, err)
	assert.Equal(t, StatePolicyEngine, tr.Next)
	assert.Contains(t, tr.Actions, ActionTECancel)
	assert.Contains(t, tr.Actions, ActionPEInvoke)
}

// TestErrorClassifiesToRecovery covers the global error input.
func TestErrorClassifiesToRecovery(t *testing.T) {
	for _, start := range []State{StatePending, StateElection, StateIdle, StateTransitionEngine} {
		f := &FSM{state: start}
		tr, err := f.Fire(InputError)
		require.NoError(t, err)
		assert.Equal(t, StateRecovery, tr.Next, "from %s", start)
	}
}

// TestUnknownInputIsAnError covers inputs with no transition: the FSM
// invariant is suspect, so the controller recovers.
func TestUnknownInputIsAnError(t *testing.T) {
	f := &FSM{state: StateStarting}
	tr, err := f.Fire(InputTESuccess)
	assert.Error(t, err)
	assert.Equal(t, StateRecovery, tr.Next)
}

// TestShutdownDrains covers I_SHUTDOWN from anywhere, then I_STOP.
func TestShutdownDrains(t *testing.T) {
	f := &FSM{state: StateIdle}
	tr, err := f.Fire(InputShutdown)
	require.NoError(t, err)
	assert.Equal(t, StateStopping, tr.Next)
	assert.Contains(t, tr.Actions, ActionShutdownReq)

	tr, err = f.Fire(InputStop)
	require.NoError(t, err)
	assert.Equal(t, StateTerminate, tr.Next)
	assert.Contains(t, tr.Actions, ActionExit0)
}

// TestRecoveryExitUsesErrorCode pins the fatal path exit action.
func TestRecoveryExitUsesErrorCode(t *testing.T) {
	f := &FSM{state: StateRecovery}
	tr, err := f.Fire(InputStop)
	require.NoError(t, err)
	assert.Equal(t, StateTerminate, tr.Next)
	assert.Contains(t, tr.Actions, ActionExit1)
}

// TestTerminalState covers that nothing fires after termination.
func TestTerminalState(t *testing.T) {
	f := &FSM{state: StateTerminate}
	_, err := f.Fire(InputElection)
	assert.Error(t, err)
	assert.Equal(t, StateTerminate, f.State())
}

// TestActionOrdering pins the fixed priority table: exit actions always
// run last within a transition.
func TestActionOrdering(t *testing.T) {
	tr := Transition{Actions: []ActionID{ActionExit0, ActionLog, ActionTECancel}}
	ordered := tr.ordered()
	assert.Equal(t, ActionLog, ordered[0])
	assert.Equal(t, ActionExit0, ordered[len(ordered)-1])
}

// TestElectionLossGoesNotDC covers the non-DC branch.
func TestElectionLossGoesNotDC(t *testing.T) {
	f := &FSM{state: StateElection}
	tr, err := f.Fire(InputNotDC)
	require.NoError(t, err)
	assert.Equal(t, StateNotDC, tr.Next)
	assert.Contains(t, tr.Actions, ActionJoinAnnounce)
}
