package scheduler

import (
	"fmt"
	"sort"

	"github.com/pacegrid/pacegrid/pkg/graph"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/metrics"
	"github.com/pacegrid/pacegrid/pkg/types"
	"github.com/rs/zerolog"
)

// run carries the per-invocation scratch state: the synthesized actions
// and the ordering edges between them. Nothing here survives a run.
type run struct {
	ws        *types.WorkingSet
	logger    zerolog.Logger
	actions   []*types.Action
	orderings []*types.ActionOrdering
	byUUID    map[string]*types.Action
}

// Schedule is the policy engine entry point: a pure function from a
// snapshot to a transition graph. It mutates only the snapshot it was
// handed (NextRole, NextNode, allocation flags, node counts and the
// implicit group colocation edges it adds) and that snapshot is
// discarded afterwards. Equal inputs produce byte-identical graphs.
func Schedule(ws *types.WorkingSet, transitionID int) (*graph.Graph, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulerRunDuration)
		metrics.SchedulerRunsTotal.Inc()
	}()

	r := &run{
		ws:     ws,
		logger: log.WithComponent("scheduler"),
		byUUID: make(map[string]*types.Action),
	}

	for _, n := range ws.Nodes {
		n.Count = 0
	}

	r.injectGroupColocations()
	r.assignAll()
	r.promoteAll()
	r.createActions()
	r.applyConfigOrderings()
	r.propagate()

	g, err := r.emit(transitionID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return g, nil
}

// topLevel returns the top-level resources in scheduling order:
// priority descending, id ascending.
func (r *run) topLevel() []*types.Resource {
	out := make([]*types.Resource, len(r.ws.Resources))
	copy(out, r.ws.Resources)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// injectGroupColocations adds the implicit mandatory colocation of each
// group member with its predecessor, so group placement flows through
// the ordinary colocation machinery.
func (r *run) injectGroupColocations() {
	var walk func(rsc *types.Resource)
	walk = func(rsc *types.Resource) {
		if rsc.Variant == types.VariantGroup {
			for i := 1; i < len(rsc.Children); i++ {
				dep := rsc.Children[i]
				primary := rsc.Children[i-1]
				c := &types.Colocation{
					ID:        fmt.Sprintf("%s-implicit-%d", rsc.ID, i),
					Dependent: dep,
					Primary:   primary,
					Score:     scoreInfinity,
					Influence: true,
				}
				dep.ThisWith = append(dep.ThisWith, c)
				primary.WithThis = append(primary.WithThis, c)
			}
		}
		for _, child := range rsc.Children {
			walk(child)
		}
	}
	for _, rsc := range r.ws.Resources {
		walk(rsc)
	}
}

// assignAll walks the top-level resources in priority order and decides
// a node (or an explicit stop) for every primitive.
func (r *run) assignAll() {
	for _, rsc := range r.topLevel() {
		switch rsc.Variant {
		case types.VariantPrimitive:
			r.assign(rsc, nil)
		case types.VariantGroup:
			r.assignGroup(rsc)
		case types.VariantClone, types.VariantBundle:
			r.assignInstances(rsc)
		}
	}
}

// assignGroup assigns group members in configuration order. The
// implicit colocation injected earlier forces each member onto the
// predecessor's node; a stopped member stops the rest of the group.
func (r *run) assignGroup(g *types.Resource) {
	stopped := false
	for _, member := range g.Children {
		if stopped {
			r.decideStop(member, "group predecessor stopped")
			continue
		}
		node := r.assign(member, nil)
		if node == nil {
			stopped = true
		}
	}
	g.Provisional = false
}
