package scheduler

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/pacegrid/pacegrid/pkg/graph"
	"github.com/pacegrid/pacegrid/pkg/types"
)

// emit turns the runnable, required actions and their ordering edges
// into the wire transition graph: one synapse per action, inputs
// reduced to the non-transitive predecessors.
func (r *run) emit(transitionID int) (*graph.Graph, error) {
	eligible := make([]*types.Action, 0, len(r.actions))
	for _, a := range r.actions {
		if a.Runnable() && !a.Optional() {
			eligible = append(eligible, a)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].UUID < eligible[j].UUID })

	index := make(map[*types.Action]int, len(eligible))
	for i, a := range eligible {
		index[a] = i
	}

	// Direct predecessor/successor sets between eligible actions.
	succs := make([][]int, len(eligible))
	preds := make([][]int, len(eligible))
	seen := make(map[[2]int]bool)
	for _, e := range r.orderings {
		fi, ok1 := index[e.First]
		ti, ok2 := index[e.Then]
		if !ok1 || !ok2 || fi == ti {
			continue
		}
		key := [2]int{fi, ti}
		if seen[key] {
			continue
		}
		seen[key] = true
		succs[fi] = append(succs[fi], ti)
		preds[ti] = append(preds[ti], fi)
	}

	if err := checkAcyclic(succs); err != nil {
		return nil, err
	}

	reach := reachability(succs)

	g := &graph.Graph{
		TransitionID:      transitionID,
		ClusterDelay:      r.option("cluster-delay", "60s"),
		StonithTimeout:    r.option("stonith-timeout", "60s"),
		FailedStopOffset:  r.option("failed-stop-offset", "INFINITY"),
		FailedStartOffset: r.option("failed-start-offset", "INFINITY"),
	}

	for i, a := range eligible {
		syn := &graph.Synapse{
			ID:       i,
			Priority: a.Priority,
			Action:   r.graphAction(a, i),
		}

		inputs := make([]int, 0, len(preds[i]))
		for _, p := range preds[i] {
			if transitivelyImplied(p, i, preds[i], reach) {
				continue
			}
			inputs = append(inputs, p)
		}
		sort.Ints(inputs)
		for _, p := range inputs {
			syn.Inputs = append(syn.Inputs, graph.Trigger{
				Kind: kindOf(eligible[p]),
				ID:   p,
			})
		}
		g.Synapses = append(g.Synapses, syn)
	}
	return g, nil
}

// transitivelyImplied reports whether the edge p->v is redundant: some
// other predecessor q of v is reachable from p, so p's completion is
// already guaranteed before v through q.
func transitivelyImplied(p, v int, preds []int, reach []map[int]bool) bool {
	for _, q := range preds {
		if q == p || q == v {
			continue
		}
		if reach[p][q] {
			return true
		}
	}
	return false
}

// reachability computes the strict descendant set of every node.
func reachability(succs [][]int) []map[int]bool {
	n := len(succs)
	reach := make([]map[int]bool, n)
	var visit func(i int) map[int]bool
	visit = func(i int) map[int]bool {
		if reach[i] != nil {
			return reach[i]
		}
		// Mark before recursing; the graph is acyclic by the time this
		// runs so the placeholder is never observed.
		set := make(map[int]bool)
		reach[i] = set
		for _, s := range succs[i] {
			set[s] = true
			for d := range visit(s) {
				set[d] = true
			}
		}
		return set
	}
	for i := 0; i < n; i++ {
		visit(i)
	}
	return reach
}

// checkAcyclic runs a Kahn pass and fails if any edge survives.
func checkAcyclic(succs [][]int) error {
	n := len(succs)
	indeg := make([]int, n)
	for _, out := range succs {
		for _, t := range out {
			indeg[t]++
		}
	}
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		visited++
		for _, t := range succs[u] {
			indeg[t]--
			if indeg[t] == 0 {
				queue = append(queue, t)
			}
		}
	}
	if visited != n {
		return fmt.Errorf("ordering cycle among %d actions", n-visited)
	}
	return nil
}

func kindOf(a *types.Action) graph.ActionKind {
	if a.Pseudo() {
		return graph.KindPseudo
	}
	return graph.KindRscOp
}

// graphAction lowers one scheduler action to its wire form.
func (r *run) graphAction(a *types.Action, id int) *graph.Action {
	ga := &graph.Action{
		Kind:         kindOf(a),
		ID:           id,
		Operation:    string(a.Task),
		OperationKey: a.UUID,
		Attrs:        map[string]string{},
	}
	if a.Node != nil {
		ga.OnNode = a.Node.Name
		ga.OnNodeUUID = a.Node.UUID
		ga.Attrs["CRM_meta_on_node"] = a.Node.Name
		ga.Attrs["CRM_meta_on_node_uuid"] = a.Node.UUID
	}
	if !a.Pseudo() {
		ga.Attrs["CRM_meta_name"] = string(a.Task)
		ga.Attrs["CRM_meta_timeout"] = strconv.FormatInt(a.Timeout.Milliseconds(), 10)
		if a.Interval > 0 {
			ga.Attrs["CRM_meta_interval"] = strconv.FormatInt(a.Interval.Milliseconds(), 10)
		}
	}
	for k, v := range a.NotifyMeta {
		ga.Attrs[k] = v
	}
	return ga
}

func (r *run) option(name, def string) string {
	if v, ok := r.ws.Options[name]; ok && v != "" {
		return v
	}
	return def
}
