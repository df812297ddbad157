package controller

import (
	"testing"
	"time"

	"github.com/pacegrid/pacegrid/pkg/cib"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func seedStore(t *testing.T) cib.Store {
	t.Helper()
	store, err := cib.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	doc := &cib.Document{
		Epoch: 1,
		Configuration: cib.Configuration{
			Nodes: cib.NodesEl{Nodes: []cib.NodeEl{{ID: "uuid-1", Uname: "node1"}}},
			Resources: cib.ResourcesEl{
				Primitives: []cib.PrimitiveEl{
					{ID: "vip", Class: "ocf", Provider: "heartbeat", Type: "IPaddr2"},
				},
			},
		},
		Status: cib.Status{
			NodeStates: []cib.NodeState{
				{ID: "uuid-1", Uname: "node1", InCCM: "true", CRMD: "online"},
			},
		},
	}
	require.NoError(t, store.Bootstrap(doc))
	return store
}

// testController builds a controller on the loopback hub with a
// manually advanced clock.
func testController(t *testing.T, hub *messaging.Hub, uuid string) (*Controller, *time.Time) {
	t.Helper()
	transport := hub.Join(uuid)
	t.Cleanup(func() { transport.Close() })

	c := New(Config{
		NodeUUID:        uuid,
		NodeName:        "node-" + uuid,
		ElectionTimeout: time.Second,
		JoinTimeout:     5 * time.Second,
	}, seedStore(t), transport, nil)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

// step runs one synthetic loop iteration: a timer tick plus queue
// drain.
func step(c *Controller, now *time.Time, advance time.Duration) {
	*now = now.Add(advance)
	c.tick()
	c.process()
}

// TestLoneNodeBecomesDCAndConverges drives a single node from startup
// through election, integration, a policy engine run and a completed
// transition into idle.
func TestLoneNodeBecomesDCAndConverges(t *testing.T) {
	hub := messaging.NewHub()
	c, now := testController(t, hub, "uuid-1")

	c.feed(InputStartup)
	c.process()
	assert.Equal(t, StateElection, c.State())

	// The veto window passes with no peers: this node is the DC, joins
	// complete trivially, and the policy engine run drives the vip
	// start through the executor.
	step(c, now, 2*time.Second)
	step(c, now, 100*time.Millisecond)
	step(c, now, 100*time.Millisecond)
	step(c, now, 100*time.Millisecond)

	assert.True(t, c.IsDC())
	assert.Equal(t, StateIdle, c.State())

	// A CIB change re-enters the policy engine and converges again.
	c.feed(InputCIBUpdate)
	c.process()
	assert.Equal(t, StateIdle, c.State())
}

// TestCIBChangeMidTransitionReplans covers the abort source: a CIB
// update during S_TRANSITION_ENGINE cancels the graph and replans.
func TestCIBChangeMidTransitionReplans(t *testing.T) {
	hub := messaging.NewHub()
	c, now := testController(t, hub, "uuid-1")

	c.feed(InputStartup)
	c.process()
	step(c, now, 2*time.Second)
	step(c, now, 100*time.Millisecond)
	step(c, now, 100*time.Millisecond)

	// Force the transition state regardless of how fast the local
	// executor confirmed.
	c.fsm.state = StateTransitionEngine
	c.feed(InputCIBUpdate)
	c.process()

	// The abort re-enters the policy engine; the fresh run completes.
	assert.Contains(t, []State{StatePolicyEngine, StateTransitionEngine, StateIdle}, c.State())
}

// TestDCLossTriggersReelection covers membership loss of the DC.
func TestDCLossTriggersReelection(t *testing.T) {
	hub := messaging.NewHub()
	c, now := testController(t, hub, "uuid-2")

	c.feed(InputStartup)
	c.process()

	// A lower-uuid peer exists and wins; this node learns of the DC
	// through the join offer.
	c.handleEnvelope(messaging.NewEnvelope("uuid-1", "uuid-2", messaging.TypeController, "join_offer",
		[]byte(`<join_offer admin_epoch="0" epoch="1" num_updates="0"/>`)))
	assert.Equal(t, "uuid-1", c.dcUUID)

	c.handleMember(memberEvent{uuid: "uuid-1", joined: true})
	c.process()

	// The DC dies: everyone re-elects.
	c.handleMember(memberEvent{uuid: "uuid-1", joined: false})
	c.process()
	assert.Equal(t, StateElection, c.State())
	assert.Empty(t, c.dcUUID)

	// This node is now the lowest live uuid and takes over.
	step(c, now, 2*time.Second)
	assert.True(t, c.IsDC())
}

// TestShutdownPath covers the drain-and-exit sequence.
func TestShutdownPath(t *testing.T) {
	hub := messaging.NewHub()
	c, now := testController(t, hub, "uuid-1")

	c.feed(InputStartup)
	c.process()
	step(c, now, 2*time.Second)
	step(c, now, 100*time.Millisecond)
	step(c, now, 100*time.Millisecond)
	step(c, now, 100*time.Millisecond)

	c.feed(InputShutdown)
	c.process()
	assert.Equal(t, StateStopping, c.State())

	step(c, now, 100*time.Millisecond)
	assert.Equal(t, StateTerminate, c.State())
	assert.True(t, c.terminated)
	assert.Equal(t, 0, c.exitCode)
}

// TestFatalIngestExitsThroughRecovery covers the fatal path: a schema
// violation classifies as an error and the daemon terminates with an
// internal error code.
func TestFatalIngestExitsThroughRecovery(t *testing.T) {
	hub := messaging.NewHub()
	c, now := testController(t, hub, "uuid-1")

	c.fatal = true
	c.fsm.state = StateRecovery
	step(c, now, 100*time.Millisecond)

	assert.Equal(t, StateTerminate, c.State())
	assert.NotEqual(t, 0, c.exitCode)
}
