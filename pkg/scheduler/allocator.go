package scheduler

import (
	"sort"
	"strconv"

	"github.com/pacegrid/pacegrid/pkg/score"
	"github.com/pacegrid/pacegrid/pkg/types"
)

const scoreInfinity = score.Infinity

// assign chooses a node for one primitive, or decides an explicit stop.
// It returns the chosen node, nil on a stop decision. Re-entering a
// resource already being assigned (a colocation loop) logs and returns
// the current assignment unchanged.
func (r *run) assign(rsc *types.Resource, prefer *types.Node) *types.Node {
	if rsc.Allocating {
		r.logger.Warn().
			Str("kind", "allocation-loop").
			Str("resource", rsc.ID).
			Msg("breaking assignment loop")
		return rsc.NextNode
	}
	if !rsc.Provisional {
		return rsc.NextNode
	}
	rsc.Allocating = true
	defer func() { rsc.Allocating = false }()

	if targetRoleStopped(rsc) {
		r.decideStop(rsc, "target-role is Stopped")
		return nil
	}
	if !rsc.Managed {
		// Unmanaged resources keep whatever the cluster observes,
		// without touching node counts.
		rsc.Provisional = false
		if len(rsc.RunningOn) > 0 {
			rsc.NextNode = rsc.RunningOn[0]
			rsc.NextRole = rsc.Role
			return rsc.NextNode
		}
		rsc.NextRole = types.RoleStopped
		return nil
	}

	scores := r.candidateScores(rsc)
	node := r.chooseNode(rsc, scores, prefer)
	if node == nil {
		r.decideStop(rsc, "no allowed node")
		return nil
	}

	rsc.NextNode = node
	rsc.NextRole = types.RoleStarted
	if promotable(rsc) {
		rsc.NextRole = types.RoleUnpromoted
	}
	rsc.Provisional = false
	if !rsc.Orphan {
		// Managed instances always count toward the per-node cap;
		// orphans are deliberately uncapped.
		node.Count++
	}
	return node
}

// decideStop records an explicit stop decision for a resource and its
// descendants.
func (r *run) decideStop(rsc *types.Resource, reason string) {
	rsc.Provisional = false
	rsc.NextNode = nil
	rsc.NextRole = types.RoleStopped
	if rsc.Variant == types.VariantPrimitive &&
		(len(rsc.RunningOn) > 0 || rsc.Meta["target-role"] != string(types.RoleStopped)) {
		r.logger.Warn().
			Str("kind", "no-allowed-node").
			Str("resource", rsc.ID).
			Str("reason", reason).
			Msg("resource will be stopped")
	}
	for _, child := range rsc.Children {
		r.decideStop(child, reason)
	}
}

// candidateScores builds the pruned, colocation-adjusted score table
// for one primitive.
func (r *run) candidateScores(rsc *types.Resource) map[string]score.Score {
	scores := make(map[string]score.Score, len(rsc.AllowedNodes))

	perNode := perNodeMax(rsc)
	for uuid, sc := range rsc.AllowedNodes {
		node := r.ws.FindNode(uuid)
		if node == nil || !node.Available() {
			continue
		}
		if perNode > 0 && node.Count >= perNode {
			// Per-node instance cap reached.
			continue
		}
		scores[uuid] = sc
	}

	// Stickiness: the current node of a running resource gets an
	// additive bonus.
	if len(rsc.RunningOn) > 0 && rsc.Stickiness != 0 {
		cur := rsc.RunningOn[0].UUID
		if sc, ok := scores[cur]; ok {
			scores[cur] = sc.Add(rsc.Stickiness)
		}
	}

	r.applyColocations(rsc, scores)
	return scores
}

// applyColocations folds colocation edges into the candidate table.
// Edges on ancestors apply to every instance beneath them.
func (r *run) applyColocations(rsc *types.Resource, scores map[string]score.Score) {
	thisWith := append([]*types.Colocation{}, rsc.ThisWith...)
	withThis := append([]*types.Colocation{}, rsc.WithThis...)
	for p := rsc.Parent; p != nil; p = p.Parent {
		thisWith = append(thisWith, p.ThisWith...)
		withThis = append(withThis, p.WithThis...)
	}

	// this-with: rsc depends on primaries that are already placed.
	for _, c := range thisWith {
		if c.DependentRole == types.RolePromoted || c.PrimaryRole == types.RolePromoted {
			// Promotion colocations rank instances, not nodes.
			continue
		}
		primary := c.Primary
		if primary.Provisional {
			// Pull the primary through assignment first so its choice
			// is visible. The cycle guard breaks loops.
			r.assignResource(primary)
		}
		if primary.Provisional {
			continue
		}
		if primary.NextNode == nil {
			// Mandatory colocation with a stopped primary stops the
			// dependent too.
			if c.Score == score.Infinity {
				for uuid := range scores {
					delete(scores, uuid)
				}
			}
			continue
		}
		target := primary.NextNode.UUID
		switch c.Score {
		case score.Infinity:
			for uuid := range scores {
				if uuid != target {
					delete(scores, uuid)
				}
			}
		case score.NegInfinity:
			delete(scores, target)
		default:
			if sc, ok := scores[target]; ok {
				scores[target] = sc.Add(c.Score)
			}
		}
	}

	// with-this: dependents pull the primary toward their current
	// location, but only positive preferences with influence and only
	// from dependents that are not failed and about to move.
	for _, c := range withThis {
		if c.Score <= 0 || !c.Influence {
			continue
		}
		if c.DependentRole == types.RolePromoted || c.PrimaryRole == types.RolePromoted {
			continue
		}
		dep := c.Dependent
		if dep.Failed || len(dep.RunningOn) == 0 {
			continue
		}
		cur := dep.RunningOn[0].UUID
		stay := dep.AllowedNodes[cur].Add(dep.Stickiness)
		moving := false
		for uuid, sc := range dep.AllowedNodes {
			if n := r.ws.FindNode(uuid); n != nil && n.Available() && sc > stay {
				moving = true
				break
			}
		}
		if moving {
			continue
		}
		if sc, ok := scores[cur]; ok {
			scores[cur] = sc.Add(c.Score)
		}
	}
}

// assignResource dispatches assignment for any variant, used when a
// colocation needs its primary placed first.
func (r *run) assignResource(rsc *types.Resource) {
	switch rsc.Variant {
	case types.VariantPrimitive:
		r.assign(rsc, nil)
	case types.VariantGroup:
		r.assignGroup(rsc)
	case types.VariantClone, types.VariantBundle:
		r.assignInstances(rsc)
	}
}

// chooseNode picks the highest-scored candidate. Ties break to the
// current node, then to the lexicographically smallest node uuid, so
// the choice is deterministic.
func (r *run) chooseNode(rsc *types.Resource, scores map[string]score.Score, prefer *types.Node) *types.Node {
	uuids := make([]string, 0, len(scores))
	for uuid, sc := range scores {
		if sc == score.NegInfinity {
			continue
		}
		uuids = append(uuids, uuid)
	}
	if len(uuids) == 0 {
		return nil
	}
	sort.Strings(uuids)

	var current string
	if len(rsc.RunningOn) > 0 {
		current = rsc.RunningOn[0].UUID
	}

	if prefer != nil {
		if sc, ok := scores[prefer.UUID]; ok && sc != score.NegInfinity {
			// A preferred node only loses to a strictly better score.
			best := true
			for _, uuid := range uuids {
				if scores[uuid] > sc {
					best = false
					break
				}
			}
			if best {
				return prefer
			}
		}
	}

	bestUUID := ""
	for _, uuid := range uuids {
		if bestUUID == "" {
			bestUUID = uuid
			continue
		}
		switch {
		case scores[uuid] > scores[bestUUID]:
			bestUUID = uuid
		case scores[uuid] == scores[bestUUID] && uuid == current:
			bestUUID = uuid
		}
	}
	return r.ws.FindNode(bestUUID)
}

// perNodeMax returns the clone-node-max cap governing a primitive, or 0
// when uncapped.
func perNodeMax(rsc *types.Resource) int {
	parent := rsc.Parent
	for parent != nil {
		if parent.Variant == types.VariantClone || parent.Variant == types.VariantBundle {
			return cloneNodeMax(parent)
		}
		parent = parent.Parent
	}
	return 0
}

// cloneNodeMax reads a collective's per-node instance cap.
func cloneNodeMax(clone *types.Resource) int {
	if v, ok := clone.Meta["clone-node-max"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

// targetRoleStopped checks the resource and its ancestors for an
// explicit shutdown request.
func targetRoleStopped(rsc *types.Resource) bool {
	for r := rsc; r != nil; r = r.Parent {
		if r.Meta["target-role"] == string(types.RoleStopped) {
			return true
		}
	}
	return false
}

func promotable(rsc *types.Resource) bool {
	parent := rsc.Parent
	for parent != nil {
		if parent.Variant == types.VariantClone && parent.MetaBool("promotable", false) {
			return true
		}
		parent = parent.Parent
	}
	return false
}
