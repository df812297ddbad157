package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResourceTree covers the tree helpers over a nested layout.
func TestResourceTree(t *testing.T) {
	group := &Resource{ID: "grp", Variant: VariantGroup}
	a := &Resource{ID: "a", Variant: VariantPrimitive, Parent: group}
	b := &Resource{ID: "b", Variant: VariantPrimitive, Parent: group}
	group.Children = []*Resource{a, b}

	clone := &Resource{ID: "cl", Variant: VariantClone}
	inst := &Resource{ID: "web:0", Variant: VariantPrimitive, Parent: clone}
	clone.Children = []*Resource{inst}

	ws := &WorkingSet{Resources: []*Resource{group, clone}}

	assert.Equal(t, b, ws.FindResource("b"))
	assert.Equal(t, inst, ws.FindResource("web:0"))
	assert.Nil(t, ws.FindResource("ghost"))

	prims := ws.AllPrimitives()
	require.Len(t, prims, 3)
	assert.Equal(t, []*Resource{a, b}, group.Primitives())
	assert.True(t, group.IsCollective())
	assert.False(t, a.IsCollective())
}

// TestAvailableNodes covers membership filtering and uuid ordering.
func TestAvailableNodes(t *testing.T) {
	ws := &WorkingSet{Nodes: []*Node{
		{UUID: "c", Online: true, Membership: MembershipMember},
		{UUID: "a", Online: true, Membership: MembershipMember},
		{UUID: "b", Online: false, Membership: MembershipLost},
		{UUID: "d", Online: true, Membership: MembershipPending},
	}}

	avail := ws.AvailableNodes()
	require.Len(t, avail, 2)
	assert.Equal(t, "a", avail[0].UUID)
	assert.Equal(t, "c", avail[1].UUID)
}

// TestActionFlags covers the flag accessors.
func TestActionFlags(t *testing.T) {
	a := &Action{Flags: ActionRunnable | ActionPseudo}
	assert.True(t, a.Runnable())
	assert.True(t, a.Pseudo())
	assert.False(t, a.Optional())

	a.Flags &^= ActionRunnable
	assert.False(t, a.Runnable())
}

// TestMetaBool covers the boolean meta parser defaults.
func TestMetaBool(t *testing.T) {
	r := &Resource{Meta: map[string]string{"notify": "true", "interleave": "0"}}
	assert.True(t, r.MetaBool("notify", false))
	assert.False(t, r.MetaBool("interleave", true))
	assert.True(t, r.MetaBool("absent", true))
	assert.False(t, r.MetaBool("absent", false))
}
