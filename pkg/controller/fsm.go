package controller

import (
	"fmt"
	"sort"
)

// State is a controller FSM state
type State string

const (
	StateStarting         State = "S_STARTING"
	StatePending          State = "S_PENDING"
	StateElection         State = "S_ELECTION"
	StateIntegration      State = "S_INTEGRATION"
	StateFinalizeJoin     State = "S_FINALIZE_JOIN"
	StateNotDC            State = "S_NOT_DC"
	StatePolicyEngine     State = "S_POLICY_ENGINE"
	StateTransitionEngine State = "S_TRANSITION_ENGINE"
	StateIdle             State = "S_IDLE"
	StateHalt             State = "S_HALT"
	StateStopping         State = "S_STOPPING"
	StateTerminate        State = "S_TERMINATE"
	StateRecovery         State = "S_RECOVERY"
)

// AllStates lists every FSM state, for metrics.
var AllStates = []string{
	string(StateStarting), string(StatePending), string(StateElection),
	string(StateIntegration), string(StateFinalizeJoin), string(StateNotDC),
	string(StatePolicyEngine), string(StateTransitionEngine), string(StateIdle),
	string(StateHalt), string(StateStopping), string(StateTerminate),
	string(StateRecovery),
}

// Input is a cause event fed to the FSM
type Input string

const (
	InputStartup     Input = "I_STARTUP"
	InputJoinOffer   Input = "I_JOIN_OFFER"
	InputJoinRequest Input = "I_JOIN_REQUEST"
	InputJoinResult  Input = "I_JOIN_RESULT"
	InputElection    Input = "I_ELECTION"
	InputElectionDC  Input = "I_ELECTION_DC"
	InputNotDC       Input = "I_NOT_DC"
	InputCIBUpdate   Input = "I_CIB_UPDATE"
	InputPECalc      Input = "I_PE_CALC"
	InputPESuccess   Input = "I_PE_SUCCESS"
	InputTESuccess   Input = "I_TE_SUCCESS"
	InputNodeJoin    Input = "I_NODE_JOIN"
	InputNodeLeft    Input = "I_NODE_LEFT"
	InputFail        Input = "I_FAIL"
	InputError       Input = "I_ERROR"
	InputShutdown    Input = "I_SHUTDOWN"
	InputStop        Input = "I_STOP"
)

// ActionID names one side effect of a transition
type ActionID string

const (
	ActionLog          ActionID = "A_LOG"
	ActionStartup      ActionID = "A_STARTUP"
	ActionElectionVote ActionID = "A_ELECTION_VOTE"
	ActionDCTakeover   ActionID = "A_DC_TAKEOVER"
	ActionDCRelease    ActionID = "A_DC_RELEASE"
	ActionJoinOfferAll ActionID = "A_CL_JOIN_OFFER_ALL"
	ActionJoinAnnounce ActionID = "A_CL_JOIN_ANNOUNCE"
	ActionJoinResult   ActionID = "A_CL_JOIN_RESULT"
	ActionPEInvoke     ActionID = "A_PE_INVOKE"
	ActionTEInvoke     ActionID = "A_TE_INVOKE"
	ActionTECancel     ActionID = "A_TE_CANCEL"
	ActionShutdownReq  ActionID = "A_SHUTDOWN_REQ"
	ActionRecover      ActionID = "A_RECOVER"
	ActionExit0        ActionID = "A_EXIT_0"
	ActionExit1        ActionID = "A_EXIT_1"
)

// actionPriority fixes the in-transition execution order of an action
// set. Lower runs first; the exit actions always run last.
var actionPriority = map[ActionID]int{
	ActionLog:          0,
	ActionRecover:      10,
	ActionTECancel:     20,
	ActionDCRelease:    30,
	ActionDCTakeover:   30,
	ActionElectionVote: 40,
	ActionJoinOfferAll: 50,
	ActionJoinAnnounce: 50,
	ActionJoinResult:   50,
	ActionPEInvoke:     60,
	ActionTEInvoke:     60,
	ActionStartup:      60,
	ActionShutdownReq:  70,
	ActionExit0:        100,
	ActionExit1:        100,
}

// Transition is the target state and side-effect bundle of one FSM step
type Transition struct {
	Next    State
	Actions []ActionID
}

// ordered returns the action set sorted by the fixed priority table.
func (t Transition) ordered() []ActionID {
	out := make([]ActionID, len(t.Actions))
	copy(out, t.Actions)
	sort.SliceStable(out, func(i, j int) bool {
		return actionPriority[out[i]] < actionPriority[out[j]]
	})
	return out
}

// transitions is the FSM table. Inputs absent for a state are either
// handled globally (I_ERROR, I_SHUTDOWN, I_STOP) or classified as
// errors.
var transitions = map[State]map[Input]Transition{
	StateStarting: {
		InputStartup: {Next: StatePending, Actions: []ActionID{ActionLog, ActionStartup}},
	},
	StatePending: {
		InputElection:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputNodeJoin:  {Next: StatePending, Actions: []ActionID{ActionLog}},
		InputCIBUpdate: {Next: StatePending, Actions: []ActionID{ActionLog}},
		InputJoinOffer: {Next: StatePending, Actions: []ActionID{ActionLog, ActionJoinAnnounce}},
	},
	StateElection: {
		InputElectionDC: {Next: StateIntegration, Actions: []ActionID{ActionLog, ActionDCTakeover, ActionJoinOfferAll}},
		InputNotDC:      {Next: StateNotDC, Actions: []ActionID{ActionLog, ActionDCRelease, ActionJoinAnnounce}},
		InputElection:   {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputNodeJoin:   {Next: StateElection, Actions: []ActionID{ActionLog}},
		InputNodeLeft:   {Next: StateElection, Actions: []ActionID{ActionLog}},
		InputCIBUpdate:  {Next: StateElection, Actions: []ActionID{ActionLog}},
	},
	StateIntegration: {
		InputJoinRequest: {Next: StateIntegration, Actions: []ActionID{ActionLog, ActionJoinResult}},
		InputJoinResult:  {Next: StateFinalizeJoin, Actions: []ActionID{ActionLog}},
		InputNodeJoin:    {Next: StateIntegration, Actions: []ActionID{ActionLog, ActionJoinOfferAll}},
		InputNodeLeft:    {Next: StateIntegration, Actions: []ActionID{ActionLog}},
		InputElection:    {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputCIBUpdate:   {Next: StateIntegration, Actions: []ActionID{ActionLog}},
	},
	StateFinalizeJoin: {
		InputPECalc:    {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionPEInvoke}},
		InputElection:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputCIBUpdate: {Next: StateFinalizeJoin, Actions: []ActionID{ActionLog}},
		InputNodeJoin:  {Next: StateFinalizeJoin, Actions: []ActionID{ActionLog}},
		InputNodeLeft:  {Next: StateFinalizeJoin, Actions: []ActionID{ActionLog}},
	},
	StateNotDC: {
		InputElection:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputJoinOffer: {Next: StateNotDC, Actions: []ActionID{ActionLog, ActionJoinAnnounce}},
		InputCIBUpdate: {Next: StateNotDC, Actions: []ActionID{ActionLog}},
		InputNodeJoin:  {Next: StateNotDC, Actions: []ActionID{ActionLog}},
		InputNodeLeft:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
	},
	StatePolicyEngine: {
		InputPESuccess: {Next: StateTransitionEngine, Actions: []ActionID{ActionLog, ActionTEInvoke}},
		InputElection:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputNodeJoin:  {Next: StatePolicyEngine, Actions: []ActionID{ActionLog}},
		InputNodeLeft:  {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionPEInvoke}},
		InputCIBUpdate: {Next: StatePolicyEngine, Actions: []ActionID{ActionLog}},
	},
	StateTransitionEngine: {
		InputTESuccess: {Next: StateIdle, Actions: []ActionID{ActionLog}},
		InputFail:      {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionTECancel, ActionPEInvoke}},
		InputCIBUpdate: {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionTECancel, ActionPEInvoke}},
		InputNodeJoin:  {Next: StateTransitionEngine, Actions: []ActionID{ActionLog}},
		InputNodeLeft:  {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionTECancel, ActionPEInvoke}},
		InputElection:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionTECancel, ActionElectionVote}},
	},
	StateIdle: {
		InputCIBUpdate: {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionPEInvoke}},
		InputPECalc:    {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionPEInvoke}},
		InputNodeJoin:  {Next: StateIntegration, Actions: []ActionID{ActionLog, ActionJoinOfferAll}},
		InputNodeLeft:  {Next: StatePolicyEngine, Actions: []ActionID{ActionLog, ActionPEInvoke}},
		InputElection:  {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
	},
	StateHalt: {
		InputElection: {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
	},
	StateStopping: {
		InputStop: {Next: StateTerminate, Actions: []ActionID{ActionLog, ActionExit0}},
	},
	StateRecovery: {
		InputElection: {Next: StateElection, Actions: []ActionID{ActionLog, ActionElectionVote}},
		InputStop:     {Next: StateTerminate, Actions: []ActionID{ActionLog, ActionExit1}},
	},
	StateTerminate: {},
}

// FSM is the per-node controller state machine. It is driven entirely
// from the single event loop; no locking.
type FSM struct {
	state State
}

// NewFSM starts in S_STARTING.
func NewFSM() *FSM {
	return &FSM{state: StateStarting}
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// Fire applies one input. Globally handled inputs work in any state;
// an input with no transition is classified as an error and enters
// S_RECOVERY.
func (f *FSM) Fire(input Input) (Transition, error) {
	if f.state == StateTerminate {
		return Transition{Next: StateTerminate}, fmt.Errorf("fsm: input %s after termination", input)
	}

	switch input {
	case InputError:
		t := Transition{Next: StateRecovery, Actions: []ActionID{ActionLog, ActionRecover, ActionTECancel}}
		f.state = t.Next
		return t, nil
	case InputShutdown:
		t := Transition{Next: StateStopping, Actions: []ActionID{ActionLog, ActionTECancel, ActionShutdownReq}}
		f.state = t.Next
		return t, nil
	case InputStop:
		if f.state != StateStopping && f.state != StateRecovery {
			t := Transition{Next: StateTerminate, Actions: []ActionID{ActionLog, ActionExit0}}
			f.state = t.Next
			return t, nil
		}
	}

	prev := f.state
	t, ok := transitions[f.state][input]
	if !ok {
		// Unexpected input: an FSM invariant is suspect.
		t = Transition{Next: StateRecovery, Actions: []ActionID{ActionLog, ActionRecover, ActionTECancel}}
		f.state = t.Next
		return t, fmt.Errorf("fsm: no transition for %s in %s", input, prev)
	}
	f.state = t.Next
	return t, nil
}
