package scheduler

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pacegrid/pacegrid/pkg/score"
	"github.com/pacegrid/pacegrid/pkg/types"
)

// promoteAll ranks the instances of every promotable clone and carries
// the top promoted-max into the Promoted role.
func (r *run) promoteAll() {
	for _, rsc := range r.topLevel() {
		if rsc.Variant == types.VariantClone && rsc.MetaBool("promotable", false) {
			r.promoteClone(rsc)
		}
	}
}

type promotionCandidate struct {
	inst  *types.Resource
	score score.Score
}

func (r *run) promoteClone(clone *types.Resource) {
	promotedMax := 1
	if v, ok := clone.Meta["promoted-max"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			promotedMax = n
		}
	}

	var candidates []promotionCandidate
	for _, inst := range sortedInstances(clone) {
		if inst.NextNode == nil {
			continue
		}
		candidates = append(candidates, promotionCandidate{
			inst:  inst,
			score: r.promotionScore(clone, inst),
		})
	}

	// Rank by composite score, instance id breaking ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].inst.ID < candidates[j].inst.ID
	})

	for i, cand := range candidates {
		if i < promotedMax && cand.score > score.NegInfinity {
			cand.inst.NextRole = types.RolePromoted
		} else {
			cand.inst.NextRole = types.RoleUnpromoted
		}
	}
}

// promotionScore combines the node's master-score attribute, the
// colocation-induced contribution, and a bonus for the instance that
// already holds the role.
func (r *run) promotionScore(clone *types.Resource, inst *types.Resource) score.Score {
	total := masterAttrScore(inst)

	// Colocations naming the Promoted role contribute when the other
	// endpoint is placed on the same node.
	for _, c := range append(append([]*types.Colocation{}, inst.ThisWith...), clone.ThisWith...) {
		if c.DependentRole != types.RolePromoted {
			continue
		}
		primary := c.Primary
		if primary.NextNode != nil && inst.NextNode != nil && primary.NextNode.UUID == inst.NextNode.UUID {
			total = total.Add(c.Score)
		}
	}

	if inst.Role == types.RolePromoted {
		total = total.Add(1)
	}
	return total
}

// masterAttrScore reads the master-<id> transient attribute from the
// instance's target node, falling back from the instance id to the
// template base id.
func masterAttrScore(inst *types.Resource) score.Score {
	if inst.NextNode == nil || inst.NextNode.Attributes == nil {
		return 0
	}
	attrs := inst.NextNode.Attributes
	if v, ok := attrs["master-"+inst.ID]; ok {
		if s, err := score.Parse(v); err == nil {
			return s
		}
	}
	base := inst.ID
	if idx := strings.LastIndex(base, ":"); idx > 0 {
		base = base[:idx]
	}
	if v, ok := attrs["master-"+base]; ok {
		if s, err := score.Parse(v); err == nil {
			return s
		}
	}
	return 0
}
