package scheduler

import (
	"github.com/pacegrid/pacegrid/pkg/types"
)

// applyConfigOrderings lowers the configured resource-level orderings
// onto action-level edges, interleaving clone instances where requested.
func (r *run) applyConfigOrderings() {
	for _, ord := range r.ws.Orderings {
		if r.interleaved(ord) {
			continue
		}
		first := r.endpoint(ord.First, ord.FirstTask, true)
		then := r.endpoint(ord.Then, ord.ThenTask, false)
		r.order(first, then, ord.Type)
	}
}

// endpoint resolves the action a resource exposes for an ordering side.
// For collectives the milestone pseudo stands in: the completion
// milestone on the "first" side, the begin milestone on the "then"
// side. Late-bound names that produced no action this run resolve to
// nil and the edge is dropped.
func (r *run) endpoint(rsc *types.Resource, task types.Task, firstSide bool) *types.Action {
	if rsc.Variant == types.VariantPrimitive {
		return r.byUUID[actionUUID(rsc.ID, task, 0)]
	}
	switch task {
	case types.TaskStart:
		if firstSide {
			return r.byUUID[actionUUID(rsc.ID, types.TaskRunning, 0)]
		}
		return r.byUUID[actionUUID(rsc.ID, types.TaskStart, 0)]
	case types.TaskStop:
		if firstSide {
			return r.byUUID[actionUUID(rsc.ID, types.TaskStopped, 0)]
		}
		return r.byUUID[actionUUID(rsc.ID, types.TaskStop, 0)]
	default:
		return nil
	}
}

// interleaved handles the clone-to-clone case where the "then" side
// asked for instance pairing. Each then-instance is ordered after the
// first-instance on the same node; a then-instance with no compatible
// peer has its then-action made unrunnable when the edge type propagates
// runnability, and keeps its node assignment.
func (r *run) interleaved(ord *types.Ordering) bool {
	first := ord.First
	then := ord.Then
	if !isCloneLike(first) || !isCloneLike(then) || !then.MetaBool("interleave", false) {
		return false
	}

	for _, thenInst := range sortedInstances(then) {
		thenAction := r.instanceEndpoint(thenInst, ord.ThenTask)
		if thenAction == nil {
			continue
		}
		peer := r.compatibleInstance(first, thenInst)
		if peer == nil {
			if ord.Type&types.OrderRunnableLeft != 0 {
				thenAction.Flags &^= types.ActionRunnable
				r.logger.Warn().
					Str("kind", "interleave-unpaired").
					Str("resource", thenInst.ID).
					Msg("no compatible peer instance; unassigning")
			}
			continue
		}
		firstAction := r.instanceEndpoint(peer, ord.FirstTask)
		r.order(firstAction, thenAction, ord.Type)
	}
	return true
}

func (r *run) instanceEndpoint(inst *types.Resource, task types.Task) *types.Action {
	if inst.Variant == types.VariantPrimitive {
		return r.byUUID[actionUUID(inst.ID, task, 0)]
	}
	return r.endpoint(inst, task, false)
}

// compatibleInstance finds the first-clone instance sharing the
// then-instance's node.
func (r *run) compatibleInstance(first *types.Resource, thenInst *types.Resource) *types.Resource {
	node := thenInst.NextNode
	if node == nil && len(thenInst.RunningOn) > 0 {
		node = thenInst.RunningOn[0]
	}
	if node == nil {
		return nil
	}
	for _, inst := range sortedInstances(first) {
		for _, p := range inst.Primitives() {
			if p.NextNode != nil && p.NextNode.UUID == node.UUID {
				return inst
			}
		}
	}
	return nil
}

func isCloneLike(rsc *types.Resource) bool {
	return rsc.Variant == types.VariantClone || rsc.Variant == types.VariantBundle
}

// propagate normalizes action flags to a fixed point. Both rules only
// ever clear a flag, so the pass is monotone and terminates; a worklist
// keeps it near-linear in the edge count.
func (r *run) propagate() {
	// Outgoing adjacency: edges to revisit when an action's flags change.
	outgoing := make(map[*types.Action][]*types.ActionOrdering)
	for _, e := range r.orderings {
		outgoing[e.First] = append(outgoing[e.First], e)
	}

	work := make([]*types.ActionOrdering, len(r.orderings))
	copy(work, r.orderings)

	for len(work) > 0 {
		e := work[0]
		work = work[1:]

		changed := false
		if e.Type&types.OrderImpliesThen != 0 && !e.First.Optional() && e.First.Runnable() && e.Then.Optional() {
			e.Then.Flags &^= types.ActionOptional
			changed = true
		}
		if e.Type&types.OrderRunnableLeft != 0 && !e.First.Runnable() && e.Then.Runnable() {
			e.Then.Flags &^= types.ActionRunnable
			changed = true
		}
		if changed {
			work = append(work, outgoing[e.Then]...)
		}
	}
}
