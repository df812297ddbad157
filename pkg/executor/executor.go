package executor

import (
	"sort"
	"strconv"
	"time"

	"github.com/pacegrid/pacegrid/pkg/graph"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/metrics"
	"github.com/rs/zerolog"
)

// SynapseState tracks one synapse through its lifecycle
type SynapseState string

const (
	StatePending   SynapseState = "pending"
	StateInFlight  SynapseState = "in_flight"
	StateConfirmed SynapseState = "confirmed"
	StateFailed    SynapseState = "failed"
	StateTimedOut  SynapseState = "timed_out"
	StateDiscarded SynapseState = "discarded"
)

// AbortSource names why a transition was torn down
type AbortSource string

const (
	AbortActionFailed AbortSource = "action-failed"
	AbortTimeout      AbortSource = "timeout"
	AbortCIBChange    AbortSource = "cib-change"
	AbortMembership   AbortSource = "membership"
	AbortOperator     AbortSource = "operator"
	AbortPeerLost     AbortSource = "peer-lost"
)

// LocalRunner hands an action to the local resource-agent executor.
// Execution is asynchronous; the completion comes back through
// HandleResult.
type LocalRunner interface {
	Run(action *graph.Action)
}

// PeerDispatcher sends an action to the controller on another node.
type PeerDispatcher interface {
	Dispatch(nodeUUID string, action *graph.Action) error
}

// Delegate receives the executor's terminal notifications.
type Delegate interface {
	// TransitionDone fires once per Begin: success is true when every
	// synapse confirmed.
	TransitionDone(transitionID int, success bool)
	// TransitionAborted fires when the remainder of the graph is
	// discarded. TransitionDone still follows once in-flight actions
	// drain.
	TransitionAborted(transitionID int, source AbortSource)
}

// Executor consumes one transition graph at a time, dispatching ready
// synapses in priority order and tracking completions, failures and
// deadline expiry. Aborting discards pending synapses but drains
// in-flight ones: the agent contract has no cancel.
type Executor struct {
	logger    zerolog.Logger
	localUUID string
	local     LocalRunner
	peers     PeerDispatcher
	delegate  Delegate

	graph     *graph.Graph
	states    map[int]SynapseState
	deadlines map[int]time.Time
	aborted   bool
	finished  bool
}

// New creates an executor for one node.
func New(localUUID string, local LocalRunner, peers PeerDispatcher, delegate Delegate) *Executor {
	return &Executor{
		logger:    log.WithComponent("executor"),
		localUUID: localUUID,
		local:     local,
		peers:     peers,
		delegate:  delegate,
	}
}

// Active reports whether a graph is being executed.
func (e *Executor) Active() bool {
	return e.graph != nil && !e.finished
}

// Begin starts executing a graph. Two overlapping graphs are impossible
// by construction: the controller only calls Begin from the transition
// state, after any prior graph finished or drained.
func (e *Executor) Begin(g *graph.Graph, now time.Time) {
	e.graph = g
	e.states = make(map[int]SynapseState, len(g.Synapses))
	e.deadlines = make(map[int]time.Time)
	e.aborted = false
	e.finished = false
	for _, s := range g.Synapses {
		e.states[s.ID] = StatePending
	}
	e.logger.Info().
		Int("transition_id", g.TransitionID).
		Int("synapses", len(g.Synapses)).
		Msg("transition started")
	e.dispatchReady(now)
	e.checkComplete()
}

// HandleResult records an action completion. Duplicate or stale results
// are ignored so a replayed peer reply cannot double-execute anything.
func (e *Executor) HandleResult(actionID int, rc int, now time.Time) {
	if e.graph == nil {
		return
	}
	syn := e.graph.ByAction(actionID)
	if syn == nil || e.states[syn.ID] != StateInFlight {
		return
	}
	delete(e.deadlines, syn.ID)
	metrics.ActionsInFlight.Dec()

	if rc == 0 {
		e.states[syn.ID] = StateConfirmed
		metrics.ActionsTotal.WithLabelValues(syn.Action.Operation, "ok").Inc()
		if !e.aborted {
			e.dispatchReady(now)
		}
	} else {
		e.states[syn.ID] = StateFailed
		metrics.ActionsTotal.WithLabelValues(syn.Action.Operation, "failed").Inc()
		e.logger.Warn().
			Str("kind", "action-failed").
			Str("operation_key", syn.Action.OperationKey).
			Int("rc", rc).
			Msg("action failed")
		e.Abort(AbortActionFailed)
	}
	e.checkComplete()
}

// Tick expires in-flight synapses whose absolute deadline passed. A
// timeout counts as a failure for dependency purposes and aborts the
// remainder of the graph.
func (e *Executor) Tick(now time.Time) {
	if e.graph == nil || e.finished {
		return
	}
	expired := false
	for id, deadline := range e.deadlines {
		if now.Before(deadline) {
			continue
		}
		e.states[id] = StateTimedOut
		delete(e.deadlines, id)
		metrics.ActionsInFlight.Dec()
		syn := e.graph.Synapse(id)
		metrics.ActionsTotal.WithLabelValues(syn.Action.Operation, "timeout").Inc()
		e.logger.Warn().
			Str("kind", "action-timeout").
			Str("operation_key", syn.Action.OperationKey).
			Msg("action deadline expired")
		expired = true
	}
	if expired {
		e.Abort(AbortTimeout)
		e.checkComplete()
	}
}

// Abort discards every pending synapse and notifies the delegate.
// In-flight actions are drained, not cancelled.
func (e *Executor) Abort(source AbortSource) {
	if e.graph == nil || e.aborted || e.finished {
		return
	}
	e.aborted = true
	discarded := 0
	for id, st := range e.states {
		if st == StatePending {
			e.states[id] = StateDiscarded
			discarded++
		}
	}
	metrics.TransitionAbortsTotal.WithLabelValues(string(source)).Inc()
	e.logger.Warn().
		Str("kind", "transition-abort").
		Str("source", string(source)).
		Int("discarded", discarded).
		Int("in_flight", e.inFlight()).
		Msg("transition aborted")
	e.delegate.TransitionAborted(e.graph.TransitionID, source)
	e.checkComplete()
}

// FailNode marks every in-flight synapse targeting the given node as
// failed and aborts: the peer is gone and will never report back.
func (e *Executor) FailNode(nodeUUID string, now time.Time) {
	if e.graph == nil || e.finished {
		return
	}
	hit := false
	for _, syn := range e.graph.Synapses {
		if e.states[syn.ID] != StateInFlight {
			continue
		}
		if syn.Action.OnNodeUUID != nodeUUID {
			continue
		}
		e.states[syn.ID] = StateFailed
		delete(e.deadlines, syn.ID)
		metrics.ActionsInFlight.Dec()
		metrics.ActionsTotal.WithLabelValues(syn.Action.Operation, "failed").Inc()
		hit = true
	}
	if hit {
		e.Abort(AbortPeerLost)
		e.checkComplete()
	}
}

// State exposes a synapse's state for inspection.
func (e *Executor) State(synapseID int) SynapseState {
	return e.states[synapseID]
}

func (e *Executor) inFlight() int {
	n := 0
	for _, st := range e.states {
		if st == StateInFlight {
			n++
		}
	}
	return n
}

// dispatchReady dispatches every synapse whose inputs are all
// confirmed, in descending priority then ascending id, so the order is
// deterministic for equal graphs.
func (e *Executor) dispatchReady(now time.Time) {
	for {
		ready := e.readySynapses()
		if len(ready) == 0 {
			return
		}
		for _, syn := range ready {
			e.dispatch(syn, now)
		}
		// Pseudo-actions confirm instantly, which can make more
		// synapses ready; loop until quiescent.
	}
}

func (e *Executor) readySynapses() []*graph.Synapse {
	var ready []*graph.Synapse
	for _, syn := range e.graph.Synapses {
		if e.states[syn.ID] != StatePending {
			continue
		}
		ok := true
		for _, in := range syn.Inputs {
			if dep := e.graph.ByAction(in.ID); dep == nil || e.states[dep.ID] != StateConfirmed {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, syn)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (e *Executor) dispatch(syn *graph.Synapse, now time.Time) {
	if e.states[syn.ID] != StatePending {
		// An abort raised while draining this batch discarded it.
		return
	}
	act := syn.Action

	if act.Kind == graph.KindPseudo || act.Kind == graph.KindCrmEvent {
		// Milestones complete the moment their inputs do.
		e.states[syn.ID] = StateConfirmed
		return
	}

	e.states[syn.ID] = StateInFlight
	e.deadlines[syn.ID] = now.Add(actionTimeout(act))
	metrics.ActionsInFlight.Inc()

	if act.OnNodeUUID == "" || act.OnNodeUUID == e.localUUID {
		e.local.Run(act)
		return
	}
	if err := e.peers.Dispatch(act.OnNodeUUID, act); err != nil {
		e.logger.Error().
			Err(err).
			Str("operation_key", act.OperationKey).
			Str("node", act.OnNode).
			Msg("peer dispatch failed")
		e.states[syn.ID] = StateFailed
		delete(e.deadlines, syn.ID)
		metrics.ActionsInFlight.Dec()
		e.Abort(AbortPeerLost)
	}
}

// checkComplete fires the terminal notification once nothing remains
// pending or in flight.
func (e *Executor) checkComplete() {
	if e.graph == nil || e.finished {
		return
	}
	success := true
	for _, st := range e.states {
		switch st {
		case StatePending, StateInFlight:
			return
		case StateConfirmed:
		default:
			success = false
		}
	}
	e.finished = true
	outcome := "complete"
	if !success {
		outcome = "failed"
	}
	metrics.TransitionsTotal.WithLabelValues(outcome).Inc()
	e.logger.Info().
		Int("transition_id", e.graph.TransitionID).
		Str("outcome", outcome).
		Msg("transition finished")
	e.delegate.TransitionDone(e.graph.TransitionID, success)
}

// actionTimeout reads the absolute-deadline budget from the action's
// metadata, defaulting to 20s.
func actionTimeout(act *graph.Action) time.Duration {
	if v, ok := act.Attrs["CRM_meta_timeout"]; ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 20 * time.Second
}
