package cib

import (
	"testing"
	"time"

	"github.com/pacegrid/pacegrid/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	doc := &Document{
		Epoch: 1,
		Configuration: Configuration{
			Nodes: NodesEl{Nodes: []NodeEl{{ID: "uuid-1", Uname: "node1"}}},
		},
	}
	require.NoError(t, store.Bootstrap(doc))
	return store
}

// TestReplaceConflict covers the optimistic-concurrency triple: a stale
// epoch is rejected with ErrConflict.
func TestReplaceConflict(t *testing.T) {
	store := newTestStore(t)

	doc, err := store.Load()
	require.NoError(t, err)

	next := *doc
	next.Epoch = 2
	require.NoError(t, store.Replace(doc.Epochs(), &next))

	// A second writer holding the old epochs loses.
	stale := *doc
	stale.Epoch = 3
	err = store.Replace(doc.Epochs(), &stale)
	assert.ErrorIs(t, err, ErrConflict)

	// A fresh read-compute-write cycle succeeds.
	cur, err := store.Load()
	require.NoError(t, err)
	retry := *cur
	retry.Epoch = 3
	assert.NoError(t, store.Replace(cur.Epochs(), &retry))
}

// TestRecordOp covers op-history writes and the num_updates bump.
func TestRecordOp(t *testing.T) {
	store := newTestStore(t)

	op := LRMRscOp{
		ID:        "web_start_0",
		Operation: "start",
		CallID:    1,
		RCCode:    0,
		LastRun:   time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, store.RecordOp("uuid-1", "node1", "web", op))

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, doc.NumUpdates)

	require.Len(t, doc.Status.NodeStates, 1)
	lrm := doc.Status.NodeStates[0].LRM
	require.NotNil(t, lrm)
	require.Len(t, lrm.Resources.Resources, 1)
	assert.Equal(t, "web", lrm.Resources.Resources[0].ID)
	require.Len(t, lrm.Resources.Resources[0].Ops, 1)
	assert.Equal(t, "start", lrm.Resources.Resources[0].Ops[0].Operation)

	// A second op on the same resource appends.
	op2 := op
	op2.ID = "web_monitor_10000"
	op2.Operation = "monitor"
	op2.CallID = 2
	require.NoError(t, store.RecordOp("uuid-1", "node1", "web", op2))

	doc, err = store.Load()
	require.NoError(t, err)
	assert.Len(t, doc.Status.NodeStates[0].LRM.Resources.Resources[0].Ops, 2)
	assert.Equal(t, 2, doc.NumUpdates)
}

// TestTransientAttr covers transient attribute upserts.
func TestTransientAttr(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SetTransientAttr("uuid-1", "node1", "master-db", "10"))
	require.NoError(t, store.SetTransientAttr("uuid-1", "node1", "master-db", "20"))

	doc, err := store.Load()
	require.NoError(t, err)
	ta := doc.Status.NodeStates[0].TransientAttributes
	require.NotNil(t, ta)
	require.Len(t, ta.InstanceAttributes, 1)
	require.Len(t, ta.InstanceAttributes[0].NVPairs, 1, "upsert, not append")
	assert.Equal(t, "20", ta.InstanceAttributes[0].NVPairs[0].Value)
}

// TestChangeNotification covers subscriber delivery after writes.
func TestChangeNotification(t *testing.T) {
	store := newTestStore(t)
	sub := store.Subscribe()

	require.NoError(t, store.SetTransientAttr("uuid-1", "node1", "probe", "1"))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventCIBUpdated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}
