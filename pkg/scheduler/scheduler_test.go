package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/pacegrid/pacegrid/pkg/graph"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/score"
	"github.com/pacegrid/pacegrid/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testNode(uuid, name string) *types.Node {
	return &types.Node{
		UUID:       uuid,
		Name:       name,
		Membership: types.MembershipMember,
		Online:     true,
		Role:       types.NodeRoleCluster,
		Attributes: map[string]string{},
	}
}

func testPrimitive(id string, nodes ...*types.Node) *types.Resource {
	allowed := make(map[string]score.Score, len(nodes))
	for _, n := range nodes {
		allowed[n.UUID] = 0
	}
	return &types.Resource{
		ID:           id,
		Variant:      types.VariantPrimitive,
		Meta:         map[string]string{},
		Managed:      true,
		Provisional:  true,
		Role:         types.RoleStopped,
		NextRole:     types.RoleUnknown,
		Class:        "ocf",
		Provider:     "heartbeat",
		Type:         "Dummy",
		AllowedNodes: allowed,
	}
}

func testWS(nodes []*types.Node, resources ...*types.Resource) *types.WorkingSet {
	return &types.WorkingSet{
		Now:       time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		Options:   map[string]string{},
		Nodes:     nodes,
		Resources: resources,
		Tickets:   map[string]*types.Ticket{},
	}
}

// synapseByKey finds the synapse whose action has the given operation key
func synapseByKey(t *testing.T, g *graph.Graph, key string) *graph.Synapse {
	t.Helper()
	for _, syn := range g.Synapses {
		if syn.Action.OperationKey == key {
			return syn
		}
	}
	t.Fatalf("no synapse with operation key %s", key)
	return nil
}

func hasSynapse(g *graph.Graph, key string) bool {
	for _, syn := range g.Synapses {
		if syn.Action.OperationKey == key {
			return true
		}
	}
	return false
}

// requireBefore asserts that synapse a must complete before synapse b,
// possibly transitively.
func requireBefore(t *testing.T, g *graph.Graph, aKey, bKey string) {
	t.Helper()
	a := synapseByKey(t, g, aKey)
	b := synapseByKey(t, g, bKey)

	seen := map[int]bool{}
	var reachable func(id int) bool
	reachable = func(id int) bool {
		if id == a.ID {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		syn := g.Synapse(id)
		for _, in := range syn.Inputs {
			dep := g.ByAction(in.ID)
			if dep != nil && reachable(dep.ID) {
				return true
			}
		}
		return false
	}
	assert.True(t, reachable(b.ID), "%s should be ordered before %s", aKey, bKey)
}

// TestGroupMove covers the symmetric stop-then-start of a moving group:
// stops run in reverse member order on the old node, starts in forward
// order on the new one, bracketed by the group milestones.
func TestGroupMove(t *testing.T) {
	n4 := testNode("uuid-4", "rhel7-4")
	n5 := testNode("uuid-5", "rhel7-5")
	nodes := []*types.Node{n4, n5}

	group := &types.Resource{
		ID:          "group2",
		Variant:     types.VariantGroup,
		Meta:        map[string]string{},
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStarted,
		NextRole:    types.RoleUnknown,
	}
	for _, name := range []string{"dummy2a", "dummy2b", "dummy2c"} {
		child := testPrimitive(name, n4, n5)
		child.Parent = group
		child.Role = types.RoleStarted
		child.RunningOn = []*types.Node{n5}
		// The location constraint pulling the group to rhel7-4.
		child.AllowedNodes[n4.UUID] = score.Infinity
		group.Children = append(group.Children, child)
	}

	ws := testWS(nodes, group)
	g, err := Schedule(ws, 1)
	require.NoError(t, err)

	for _, child := range group.Children {
		assert.Equal(t, n4.UUID, child.NextNode.UUID, "%s should move to rhel7-4", child.ID)
	}

	for _, key := range []string{
		"dummy2a_stop_0", "dummy2b_stop_0", "dummy2c_stop_0",
		"dummy2a_start_0", "dummy2b_start_0", "dummy2c_start_0",
		"group2_stop_0", "group2_stopped_0", "group2_start_0", "group2_running_0",
	} {
		assert.True(t, hasSynapse(g, key), "expected synapse %s", key)
	}

	// Stops in reverse order, then the stopped milestone.
	requireBefore(t, g, "group2_stop_0", "dummy2c_stop_0")
	requireBefore(t, g, "dummy2c_stop_0", "dummy2b_stop_0")
	requireBefore(t, g, "dummy2b_stop_0", "dummy2a_stop_0")
	requireBefore(t, g, "dummy2a_stop_0", "group2_stopped_0")

	// Full stop before restart.
	requireBefore(t, g, "group2_stopped_0", "group2_start_0")

	// Starts in forward order on the new node, then the milestone.
	requireBefore(t, g, "group2_start_0", "dummy2a_start_0")
	requireBefore(t, g, "dummy2a_start_0", "dummy2b_start_0")
	requireBefore(t, g, "dummy2b_start_0", "dummy2c_start_0")
	requireBefore(t, g, "dummy2c_start_0", "group2_running_0")

	// Old node stops everything before the new node starts anything.
	requireBefore(t, g, "dummy2a_stop_0", "dummy2a_start_0")

	stop := synapseByKey(t, g, "dummy2c_stop_0")
	assert.Equal(t, "rhel7-5", stop.Action.OnNode)
	start := synapseByKey(t, g, "dummy2a_start_0")
	assert.Equal(t, "rhel7-4", start.Action.OnNode)
}

// TestPromotableStopWithNotifications covers the notification chain
// around stopping a promotable clone instance.
func TestPromotableStopWithNotifications(t *testing.T) {
	node := testNode("uuid-fc16", "fc16-builder")
	nodes := []*types.Node{node}

	clone := &types.Resource{
		ID:      "PROMOTABLE_RSC_A",
		Variant: types.VariantClone,
		Meta: map[string]string{
			"promotable":  "true",
			"notify":      "true",
			"target-role": "Stopped",
		},
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStarted,
		NextRole:    types.RoleUnknown,
	}
	inst := testPrimitive("NATIVE_RSC_A:0", node)
	inst.Parent = clone
	inst.Role = types.RoleStarted
	inst.RunningOn = []*types.Node{node}
	clone.Children = append(clone.Children, inst)

	ws := testWS(nodes, clone)
	g, err := Schedule(ws, 7)
	require.NoError(t, err)

	chain := []string{
		"PROMOTABLE_RSC_A_pre_notify_stop_0",
		"NATIVE_RSC_A:0_pre_notify_stop_0",
		"PROMOTABLE_RSC_A_confirmed-pre_notify_stop_0",
		"PROMOTABLE_RSC_A_stop_0",
		"NATIVE_RSC_A:0_stop_0",
		"PROMOTABLE_RSC_A_stopped_0",
		"PROMOTABLE_RSC_A_post_notify_stopped_0",
		"NATIVE_RSC_A:0_post_notify_stopped_0",
		"PROMOTABLE_RSC_A_confirmed-post_notify_stopped_0",
	}
	for i := 1; i < len(chain); i++ {
		requireBefore(t, g, chain[i-1], chain[i])
	}

	pre := synapseByKey(t, g, "NATIVE_RSC_A:0_pre_notify_stop_0")
	assert.Equal(t, "pre", pre.Action.Attrs["CRM_meta_notify_type"])
	assert.Equal(t, "stop", pre.Action.Attrs["CRM_meta_notify_operation"])
	assert.Equal(t, "NATIVE_RSC_A:0", pre.Action.Attrs["CRM_meta_notify_stop_resource"])
	assert.Equal(t, "fc16-builder", pre.Action.Attrs["CRM_meta_notify_stop_uname"])

	post := synapseByKey(t, g, "NATIVE_RSC_A:0_post_notify_stopped_0")
	assert.Equal(t, "post", post.Action.Attrs["CRM_meta_notify_type"])
	assert.Equal(t, "NATIVE_RSC_A:0", post.Action.Attrs["CRM_meta_notify_active_resource"])
}

// TestColocationVsStickiness pins the tie-break: stickiness 100 beats a
// colocation score of 50.
func TestColocationVsStickiness(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	n2 := testNode("uuid-2", "node2")
	nodes := []*types.Node{n1, n2}

	r := testPrimitive("R", n1, n2)
	r.Stickiness = 100
	r.Role = types.RoleStarted
	r.RunningOn = []*types.Node{n1}

	s := testPrimitive("S", n1, n2)
	s.Stickiness = 100
	s.Role = types.RoleStarted
	s.RunningOn = []*types.Node{n2}

	col := &types.Colocation{
		ID:        "R-with-S",
		Dependent: r,
		Primary:   s,
		Score:     50,
		Influence: true,
	}
	r.ThisWith = append(r.ThisWith, col)
	s.WithThis = append(s.WithThis, col)

	ws := testWS(nodes, r, s)
	ws.Colocations = []*types.Colocation{col}

	_, err := Schedule(ws, 1)
	require.NoError(t, err)

	assert.Equal(t, n1.UUID, r.NextNode.UUID, "R stays put: stickiness 100 > colocation 50")
	assert.Equal(t, n2.UUID, s.NextNode.UUID)
}

// TestClonePerNodeCap covers clone-max=5 / clone-node-max=2 over three
// nodes: the deterministic distribution is {2,2,1} in node uuid order.
func TestClonePerNodeCap(t *testing.T) {
	n1 := testNode("uuid-a", "node-a")
	n2 := testNode("uuid-b", "node-b")
	n3 := testNode("uuid-c", "node-c")
	nodes := []*types.Node{n1, n2, n3}

	clone := &types.Resource{
		ID:      "cl",
		Variant: types.VariantClone,
		Meta: map[string]string{
			"clone-max":      "5",
			"clone-node-max": "2",
		},
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStopped,
		NextRole:    types.RoleUnknown,
	}
	for i := 0; i < 5; i++ {
		inst := testPrimitive(fmt.Sprintf("child:%d", i), n1, n2, n3)
		inst.Parent = clone
		clone.Children = append(clone.Children, inst)
	}

	ws := testWS(nodes, clone)
	_, err := Schedule(ws, 1)
	require.NoError(t, err)

	counts := map[string]int{}
	for _, inst := range clone.Children {
		require.NotNil(t, inst.NextNode, "%s should be placed", inst.ID)
		counts[inst.NextNode.UUID]++
	}
	assert.Equal(t, map[string]int{"uuid-a": 2, "uuid-b": 2, "uuid-c": 1}, counts)

	// No node exceeds clone-node-max.
	for uuid, n := range counts {
		assert.LessOrEqual(t, n, 2, "node %s over cap", uuid)
	}
}

// TestAntiColocationInfinity covers the mandatory anti-constraint: R
// must avoid S's node or stop.
func TestAntiColocationInfinity(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	n2 := testNode("uuid-2", "node2")
	nodes := []*types.Node{n1, n2}

	r := testPrimitive("R", n1, n2)
	s := testPrimitive("S", n1, n2)

	col := &types.Colocation{
		ID:        "R-avoids-S",
		Dependent: r,
		Primary:   s,
		Score:     score.NegInfinity,
		Influence: true,
	}
	r.ThisWith = append(r.ThisWith, col)
	s.WithThis = append(s.WithThis, col)

	ws := testWS(nodes, r, s)
	_, err := Schedule(ws, 1)
	require.NoError(t, err)

	require.NotNil(t, s.NextNode)
	require.NotNil(t, r.NextNode)
	assert.NotEqual(t, s.NextNode.UUID, r.NextNode.UUID, "mandatory anti-colocation violated")
}

// TestAntiColocationSingleNode pins the stop decision when the
// anti-colocated pair has nowhere else to go.
func TestAntiColocationSingleNode(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	nodes := []*types.Node{n1}

	r := testPrimitive("R", n1)
	s := testPrimitive("S", n1)

	col := &types.Colocation{
		ID:        "R-avoids-S",
		Dependent: r,
		Primary:   s,
		Score:     score.NegInfinity,
		Influence: true,
	}
	r.ThisWith = append(r.ThisWith, col)
	s.WithThis = append(s.WithThis, col)

	ws := testWS(nodes, r, s)
	_, err := Schedule(ws, 1)
	require.NoError(t, err)

	require.NotNil(t, s.NextNode)
	assert.Nil(t, r.NextNode)
	assert.Equal(t, types.RoleStopped, r.NextRole)
}

// TestDeterminism runs the same snapshot twice and requires
// byte-identical graphs.
func TestDeterminism(t *testing.T) {
	build := func() *types.WorkingSet {
		n1 := testNode("uuid-1", "node1")
		n2 := testNode("uuid-2", "node2")
		n3 := testNode("uuid-3", "node3")
		nodes := []*types.Node{n1, n2, n3}

		clone := &types.Resource{
			ID:          "cl",
			Variant:     types.VariantClone,
			Meta:        map[string]string{"clone-max": "3"},
			Managed:     true,
			Provisional: true,
			Role:        types.RoleStopped,
			NextRole:    types.RoleUnknown,
		}
		for i := 0; i < 3; i++ {
			inst := testPrimitive(fmt.Sprintf("web:%d", i), n1, n2, n3)
			inst.Parent = clone
			clone.Children = append(clone.Children, inst)
		}
		p := testPrimitive("db", n1, n2, n3)
		return testWS(nodes, clone, p)
	}

	g1, err := Schedule(build(), 42)
	require.NoError(t, err)
	g2, err := Schedule(build(), 42)
	require.NoError(t, err)

	x1, err := g1.MarshalXML()
	require.NoError(t, err)
	x2, err := g2.MarshalXML()
	require.NoError(t, err)
	assert.Equal(t, string(x1), string(x2))
}

// TestStickinessKeepsPlacement covers the stickiness property: a
// running resource with no stronger pull stays where it is.
func TestStickinessKeepsPlacement(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	n2 := testNode("uuid-2", "node2")
	nodes := []*types.Node{n1, n2}

	r := testPrimitive("web", n1, n2)
	r.Stickiness = 1
	r.Role = types.RoleStarted
	r.RunningOn = []*types.Node{n2}

	ws := testWS(nodes, r)
	g, err := Schedule(ws, 1)
	require.NoError(t, err)

	assert.Equal(t, n2.UUID, r.NextNode.UUID)
	assert.Empty(t, g.Synapses, "nothing to do when placement is stable")
}

// TestPromotion ranks instances by master score and promotes the top
// promoted-max.
func TestPromotion(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	n2 := testNode("uuid-2", "node2")
	n1.Attributes["master-db"] = "10"
	n2.Attributes["master-db"] = "20"
	nodes := []*types.Node{n1, n2}

	clone := &types.Resource{
		ID:      "db-clone",
		Variant: types.VariantClone,
		Meta: map[string]string{
			"promotable": "true",
			"clone-max":  "2",
		},
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStopped,
		NextRole:    types.RoleUnknown,
	}
	for i := 0; i < 2; i++ {
		inst := testPrimitive(fmt.Sprintf("db:%d", i), n1, n2)
		inst.Parent = clone
		clone.Children = append(clone.Children, inst)
	}

	ws := testWS(nodes, clone)
	g, err := Schedule(ws, 1)
	require.NoError(t, err)

	promoted := 0
	for _, inst := range clone.Children {
		require.NotNil(t, inst.NextNode)
		if inst.NextRole == types.RolePromoted {
			promoted++
			assert.Equal(t, "uuid-2", inst.NextNode.UUID, "the higher master score wins promotion")
		} else {
			assert.Equal(t, types.RoleUnpromoted, inst.NextRole)
		}
	}
	assert.Equal(t, 1, promoted)

	// The promoted instance gets a promote after its start.
	for _, inst := range clone.Children {
		if inst.NextRole == types.RolePromoted {
			requireBefore(t, g, inst.ID+"_start_0", inst.ID+"_promote_0")
		}
	}
}

// TestAllocationLoopGuard pins the cycle guard: mutually colocated
// resources terminate and land somewhere.
func TestAllocationLoopGuard(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	nodes := []*types.Node{n1}

	a := testPrimitive("A", n1)
	b := testPrimitive("B", n1)

	c1 := &types.Colocation{ID: "A-with-B", Dependent: a, Primary: b, Score: 10, Influence: true}
	c2 := &types.Colocation{ID: "B-with-A", Dependent: b, Primary: a, Score: 10, Influence: true}
	a.ThisWith = append(a.ThisWith, c1)
	b.WithThis = append(b.WithThis, c1)
	b.ThisWith = append(b.ThisWith, c2)
	a.WithThis = append(a.WithThis, c2)

	ws := testWS(nodes, a, b)
	_, err := Schedule(ws, 1)
	require.NoError(t, err)

	assert.NotNil(t, a.NextNode)
	assert.NotNil(t, b.NextNode)
	assert.False(t, a.Allocating)
	assert.False(t, b.Allocating)
}

// TestOrphanDoesNotCount pins the open-question decision: orphaned
// unmanaged instances do not increment the per-node count, managed
// instances always do.
func TestOrphanDoesNotCount(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	nodes := []*types.Node{n1}

	orphan := testPrimitive("old-rsc", n1)
	orphan.Orphan = true
	orphan.Managed = false
	orphan.Role = types.RoleStarted
	orphan.RunningOn = []*types.Node{n1}

	managed := testPrimitive("web", n1)

	ws := testWS(nodes, orphan, managed)
	_, err := Schedule(ws, 1)
	require.NoError(t, err)

	// Only the managed resource counted.
	assert.Equal(t, 1, n1.Count)
}

// TestUnrunnableStopGatesStart covers runnable_left propagation: a stop
// stuck on an offline node keeps the start unrunnable.
func TestUnrunnableStopGatesStart(t *testing.T) {
	n1 := testNode("uuid-1", "node1")
	n2 := testNode("uuid-2", "node2")
	n1.Online = false
	n1.Membership = types.MembershipLost
	nodes := []*types.Node{n1, n2}

	r := testPrimitive("web", n1, n2)
	r.Role = types.RoleStarted
	r.RunningOn = []*types.Node{n1}

	ws := testWS(nodes, r)
	g, err := Schedule(ws, 1)
	require.NoError(t, err)

	// The stop on the dead node cannot run, so neither it nor the
	// start may be emitted.
	assert.False(t, hasSynapse(g, "web_stop_0"))
	assert.False(t, hasSynapse(g, "web_start_0"))
}
