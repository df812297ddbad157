package scheduler

import (
	"sort"
	"strconv"

	"github.com/pacegrid/pacegrid/pkg/types"
)

// assignInstances places the numbered instances of a clone or bundle.
// Two passes: instances that are already running healthy are pinned to
// their current node first (up to the per-node optimum), then the
// remaining provisional instances go through the single-resource
// allocator. Instances beyond clone-max are stopped.
func (r *run) assignInstances(collective *types.Resource) {
	if !collective.Provisional {
		return
	}
	collective.Provisional = false

	instances := sortedInstances(collective)
	maxTotal := len(instances)
	avail := r.ws.AvailableNodes()
	if len(avail) == 0 {
		for _, inst := range instances {
			r.decideStop(inst, "no online nodes")
		}
		return
	}

	optimal := (maxTotal + len(avail) - 1) / len(avail)
	if optimal < 1 {
		optimal = 1
	}

	assigned := 0

	// Preferred pass: keep healthy instances where they run.
	for _, inst := range instances {
		cur := preferredNode(inst)
		if cur == nil {
			continue
		}
		if cur.Count >= optimal {
			continue
		}
		if !instanceAllowed(inst, cur) {
			continue
		}
		if r.assignInstance(inst, cur) {
			assigned++
		}
	}

	// Free pass: place the rest, stop the overflow.
	for _, inst := range instances {
		if !inst.Provisional {
			continue
		}
		if assigned >= maxTotal {
			r.decideStop(inst, "clone-max reached")
			continue
		}
		if r.assignInstance(inst, nil) {
			assigned++
		}
	}
}

// assignInstance places one instance, which is a primitive for plain
// clones and bundles, or a group for cloned groups.
func (r *run) assignInstance(inst *types.Resource, prefer *types.Node) bool {
	if inst.Variant == types.VariantGroup {
		r.assignGroup(inst)
		for _, child := range inst.Children {
			if child.NextNode != nil {
				return true
			}
		}
		return false
	}
	return r.assign(inst, prefer) != nil
}

// preferredNode returns the node an instance should try to keep, or nil
// when the instance is not running cleanly.
func preferredNode(inst *types.Resource) *types.Node {
	if inst.Failed || len(inst.RunningOn) == 0 {
		return nil
	}
	node := inst.RunningOn[0]
	if !node.Available() {
		return nil
	}
	return node
}

func instanceAllowed(inst *types.Resource, node *types.Node) bool {
	if inst.Variant != types.VariantPrimitive {
		for _, child := range inst.Children {
			if !instanceAllowed(child, node) {
				return false
			}
		}
		return true
	}
	sc, ok := inst.AllowedNodes[node.UUID]
	return ok && sc > -scoreInfinity
}

// sortedInstances returns clone children ordered by instance number so
// assignment order is deterministic.
func sortedInstances(collective *types.Resource) []*types.Resource {
	out := make([]*types.Resource, len(collective.Children))
	copy(out, collective.Children)
	sort.SliceStable(out, func(i, j int) bool {
		return instanceNumber(out[i].ID) < instanceNumber(out[j].ID)
	})
	return out
}

func instanceNumber(id string) int {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == ':' {
			if n, err := strconv.Atoi(id[i+1:]); err == nil {
				return n
			}
			return 0
		}
	}
	return 0
}
