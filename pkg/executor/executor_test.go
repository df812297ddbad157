package executor

import (
	"fmt"
	"testing"
	"time"

	"github.com/pacegrid/pacegrid/pkg/graph"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type fakeRunner struct {
	ran []int
}

func (f *fakeRunner) Run(act *graph.Action) {
	f.ran = append(f.ran, act.ID)
}

type fakePeers struct {
	sent map[string][]int
	fail bool
}

func (f *fakePeers) Dispatch(nodeUUID string, act *graph.Action) error {
	if f.fail {
		return fmt.Errorf("peer unreachable")
	}
	if f.sent == nil {
		f.sent = make(map[string][]int)
	}
	f.sent[nodeUUID] = append(f.sent[nodeUUID], act.ID)
	return nil
}

type recordingDelegate struct {
	done    []bool
	aborted []AbortSource
}

func (d *recordingDelegate) TransitionDone(transitionID int, success bool) {
	d.done = append(d.done, success)
}

func (d *recordingDelegate) TransitionAborted(transitionID int, source AbortSource) {
	d.aborted = append(d.aborted, source)
}

func rscOp(id int, key, nodeUUID string, timeoutMS int) *graph.Action {
	return &graph.Action{
		Kind:         graph.KindRscOp,
		ID:           id,
		Operation:    "start",
		OperationKey: key,
		OnNode:       "node-" + nodeUUID,
		OnNodeUUID:   nodeUUID,
		Attrs:        map[string]string{"CRM_meta_timeout": fmt.Sprintf("%d", timeoutMS)},
	}
}

func chainGraph() *graph.Graph {
	// 0 -> 1 -> 2, with 2 a pseudo milestone.
	return &graph.Graph{
		TransitionID: 1,
		Synapses: []*graph.Synapse{
			{ID: 0, Action: rscOp(0, "a_start_0", "local", 5000)},
			{ID: 1, Action: rscOp(1, "b_start_0", "local", 5000),
				Inputs: []graph.Trigger{{Kind: graph.KindRscOp, ID: 0}}},
			{ID: 2, Action: &graph.Action{Kind: graph.KindPseudo, ID: 2, OperationKey: "grp_running_0"},
				Inputs: []graph.Trigger{{Kind: graph.KindRscOp, ID: 1}}},
		},
	}
}

// TestDependencyGating covers the basic dispatch rule: a synapse waits
// for its inputs, pseudo milestones confirm instantly.
func TestDependencyGating(t *testing.T) {
	runner := &fakeRunner{}
	delegate := &recordingDelegate{}
	e := New("local", runner, &fakePeers{}, delegate)

	now := time.Now()
	e.Begin(chainGraph(), now)

	require.Equal(t, []int{0}, runner.ran, "only the root is ready")
	assert.Equal(t, StateInFlight, e.State(0))
	assert.Equal(t, StatePending, e.State(1))

	e.HandleResult(0, 0, now)
	require.Equal(t, []int{0, 1}, runner.ran)

	e.HandleResult(1, 0, now)
	assert.Equal(t, StateConfirmed, e.State(2), "pseudo confirms on dispatch")
	require.Equal(t, []bool{true}, delegate.done)
}

// TestDuplicateResultIgnored covers at-least-once delivery: a replayed
// completion does not double-dispatch.
func TestDuplicateResultIgnored(t *testing.T) {
	runner := &fakeRunner{}
	delegate := &recordingDelegate{}
	e := New("local", runner, &fakePeers{}, delegate)

	now := time.Now()
	e.Begin(chainGraph(), now)
	e.HandleResult(0, 0, now)
	e.HandleResult(0, 0, now)

	assert.Equal(t, []int{0, 1}, runner.ran, "no action executed twice")
}

// TestPriorityDispatchOrder pins the deterministic order: priority
// descending, synapse id ascending.
func TestPriorityDispatchOrder(t *testing.T) {
	runner := &fakeRunner{}
	e := New("local", runner, &fakePeers{}, &recordingDelegate{})

	g := &graph.Graph{
		TransitionID: 2,
		Synapses: []*graph.Synapse{
			{ID: 0, Priority: 0, Action: rscOp(0, "low_start_0", "local", 5000)},
			{ID: 1, Priority: 5, Action: rscOp(1, "high_start_0", "local", 5000)},
			{ID: 2, Priority: 5, Action: rscOp(2, "high2_start_0", "local", 5000)},
		},
	}
	e.Begin(g, time.Now())

	assert.Equal(t, []int{1, 2, 0}, runner.ran)
}

// TestActionFailureAborts covers the failure path: pending synapses are
// discarded, the transition reports failure.
func TestActionFailureAborts(t *testing.T) {
	runner := &fakeRunner{}
	delegate := &recordingDelegate{}
	e := New("local", runner, &fakePeers{}, delegate)

	now := time.Now()
	e.Begin(chainGraph(), now)
	e.HandleResult(0, 1, now) // rc != 0

	assert.Equal(t, StateFailed, e.State(0))
	assert.Equal(t, StateDiscarded, e.State(1))
	require.Equal(t, []AbortSource{AbortActionFailed}, delegate.aborted)
	require.Equal(t, []bool{false}, delegate.done)
	assert.Equal(t, []int{0}, runner.ran, "nothing dispatched after abort")
}

// TestTimeoutAborts covers deadline expiry: the synapse is timed out,
// the graph aborts and, with nothing else in flight, the transition
// finishes as failed.
func TestTimeoutAborts(t *testing.T) {
	runner := &fakeRunner{}
	delegate := &recordingDelegate{}
	e := New("local", runner, &fakePeers{}, delegate)

	now := time.Now()
	e.Begin(chainGraph(), now)

	e.Tick(now.Add(time.Second))
	assert.Empty(t, delegate.aborted, "deadline not reached yet")

	e.Tick(now.Add(10 * time.Second))
	assert.Equal(t, StateTimedOut, e.State(0))
	require.Equal(t, []AbortSource{AbortTimeout}, delegate.aborted)
	require.Equal(t, []bool{false}, delegate.done)
}

// TestAbortDrainsInFlight covers the drain rule: an operator abort
// leaves the in-flight action alone and only finishes once it lands.
func TestAbortDrainsInFlight(t *testing.T) {
	runner := &fakeRunner{}
	delegate := &recordingDelegate{}
	e := New("local", runner, &fakePeers{}, delegate)

	now := time.Now()
	e.Begin(chainGraph(), now)
	e.Abort(AbortOperator)

	assert.Equal(t, StateInFlight, e.State(0), "in-flight action is drained, not cancelled")
	assert.Empty(t, delegate.done, "not finished while draining")

	e.HandleResult(0, 0, now)
	require.Equal(t, []bool{false}, delegate.done)
	assert.Equal(t, []int{0}, runner.ran, "discarded synapses never dispatch")
}

// TestPeerDispatchAndLoss covers remote targeting and the lost-peer
// path.
func TestPeerDispatchAndLoss(t *testing.T) {
	runner := &fakeRunner{}
	peers := &fakePeers{}
	delegate := &recordingDelegate{}
	e := New("local", runner, peers, delegate)

	g := &graph.Graph{
		TransitionID: 3,
		Synapses: []*graph.Synapse{
			{ID: 0, Action: rscOp(0, "r_start_0", "peer-1", 5000)},
		},
	}
	now := time.Now()
	e.Begin(g, now)

	require.Equal(t, []int{0}, peers.sent["peer-1"])
	assert.Empty(t, runner.ran)

	e.FailNode("peer-1", now)
	assert.Equal(t, StateFailed, e.State(0))
	require.Equal(t, []AbortSource{AbortPeerLost}, delegate.aborted)
	require.Equal(t, []bool{false}, delegate.done)
}

// TestEmptyGraphCompletes pins the no-op transition: Begin on an empty
// graph reports success immediately.
func TestEmptyGraphCompletes(t *testing.T) {
	delegate := &recordingDelegate{}
	e := New("local", &fakeRunner{}, &fakePeers{}, delegate)

	e.Begin(&graph.Graph{TransitionID: 9}, time.Now())
	require.Equal(t, []bool{true}, delegate.done)
	assert.False(t, e.Active())
}
