package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/pacegrid/pacegrid/pkg/types"
)

const defaultActionTimeout = 20 * time.Second

// actionSet is the ordering surface a resource exposes to its parent:
// the action (or pseudo-action) marking the beginning and completion of
// each phase. For a primitive all four collapse onto the concrete
// start/stop actions.
type actionSet struct {
	start   *types.Action
	running *types.Action
	stop    *types.Action
	stopped *types.Action
}

func actionUUID(rscID string, task types.Task, interval time.Duration) string {
	return fmt.Sprintf("%s_%s_%d", rscID, task, interval.Milliseconds())
}

// newAction synthesizes one action and registers it with the run.
func (r *run) newAction(rsc *types.Resource, task types.Task, node *types.Node, flags types.ActionFlags, interval time.Duration) *types.Action {
	a := &types.Action{
		UUID:     actionUUID(rsc.ID, task, interval),
		Task:     task,
		Resource: rsc,
		Node:     node,
		Flags:    flags,
		Interval: interval,
		Timeout:  r.actionTimeout(rsc, task),
		Priority: rsc.Priority,
	}
	r.actions = append(r.actions, a)
	r.byUUID[a.UUID] = a
	return a
}

// pseudoAction synthesizes a milestone action that is never handed to
// an agent. Runnability and necessity are derived from the child
// actions it aggregates.
func (r *run) pseudoAction(rsc *types.Resource, name string, runnable, optional bool) *types.Action {
	flags := types.ActionPseudo
	if runnable {
		flags |= types.ActionRunnable
	}
	if optional {
		flags |= types.ActionOptional
	}
	a := &types.Action{
		UUID:     fmt.Sprintf("%s_%s_0", rsc.ID, name),
		Task:     types.Task(name),
		Resource: rsc,
		Flags:    flags,
		Priority: rsc.Priority,
	}
	r.actions = append(r.actions, a)
	r.byUUID[a.UUID] = a
	return a
}

// order records an ordering edge; nil endpoints are skipped so callers
// can wire optional phases without guards.
func (r *run) order(first, then *types.Action, t types.OrderType) {
	if first == nil || then == nil {
		return
	}
	r.orderings = append(r.orderings, &types.ActionOrdering{First: first, Then: then, Type: t})
}

func (r *run) actionTimeout(rsc *types.Resource, task types.Task) time.Duration {
	for _, op := range rsc.Operations {
		if types.Task(op.Name) == task && op.Timeout > 0 {
			return op.Timeout
		}
	}
	if v, ok := r.ws.Options["default-action-timeout"]; ok {
		if d := parseTimeout(v); d > 0 {
			return d
		}
	}
	return defaultActionTimeout
}

func parseTimeout(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}

// createActions translates every allocation outcome into concrete and
// pseudo actions with their structural ordering edges.
func (r *run) createActions() {
	for _, rsc := range r.topLevel() {
		r.createResourceActions(rsc)
	}
}

func (r *run) createResourceActions(rsc *types.Resource) actionSet {
	switch rsc.Variant {
	case types.VariantPrimitive:
		return r.createPrimitiveActions(rsc)
	case types.VariantGroup:
		return r.createGroupActions(rsc)
	default:
		return r.createCloneActions(rsc)
	}
}

// createPrimitiveActions emits the start/stop/promote/demote/monitor
// actions one primitive needs to get from its observed state to its
// allocation.
func (r *run) createPrimitiveActions(p *types.Resource) actionSet {
	var cur *types.Node
	if len(p.RunningOn) > 0 {
		cur = p.RunningOn[0]
	}
	next := p.NextNode

	moving := cur != nil && next != nil && cur.UUID != next.UUID
	restarting := p.Failed && cur != nil && next != nil && cur.UUID == next.UUID
	needStop := cur != nil && (next == nil || moving || restarting)
	needStart := next != nil && (cur == nil || moving || restarting)

	var set actionSet

	if p.Role == types.RolePromoted && (needStop || p.NextRole != types.RolePromoted) {
		demote := r.newAction(p, types.TaskDemote, cur, types.ActionRunnable, 0)
		set.stop = demote // refined below when a stop follows
		if needStop {
			stop := r.newAction(p, types.TaskStop, cur, stopFlags(cur), 0)
			r.order(demote, stop, types.OrderImpliesThen|types.OrderRunnableLeft)
			set.stop = stop
		}
	} else if needStop {
		set.stop = r.newAction(p, types.TaskStop, cur, stopFlags(cur), 0)
	}

	if needStart {
		start := r.newAction(p, types.TaskStart, next, types.ActionRunnable, 0)
		set.start = start
		if moving || restarting {
			r.order(set.stop, start, types.OrderImpliesThen|types.OrderRunnableLeft)
		}
		if moving && p.MetaBool("allow-migrate", false) {
			set.stop.Flags |= types.ActionMigrateRunnable
			start.Flags |= types.ActionMigrateRunnable
		}
	}

	if p.NextRole == types.RolePromoted && p.Role != types.RolePromoted && next != nil {
		promote := r.newAction(p, types.TaskPromote, next, types.ActionRunnable, 0)
		r.order(set.start, promote, types.OrderImpliesThen|types.OrderRunnableLeft)
		if set.start == nil {
			set.start = promote
		}
	}

	// Recurring monitors are (re)scheduled whenever the resource is
	// started this transition.
	if set.start != nil && next != nil {
		for _, op := range p.Operations {
			if types.Task(op.Name) != types.TaskMonitor || op.Interval <= 0 {
				continue
			}
			mon := r.newAction(p, types.TaskMonitor, next, types.ActionRunnable, op.Interval)
			r.order(set.start, mon, types.OrderRunnableLeft)
		}
	}

	set.running = set.start
	set.stopped = set.stop
	return set
}

// stopFlags marks a stop on an unreachable node as not runnable; it
// stays blocked until fencing clears it.
func stopFlags(node *types.Node) types.ActionFlags {
	if node != nil && node.Available() {
		return types.ActionRunnable
	}
	return 0
}

// createGroupActions wires group members in sequence between the
// group's milestone pseudo-actions.
func (r *run) createGroupActions(g *types.Resource) actionSet {
	sets := make([]actionSet, len(g.Children))
	for i, child := range g.Children {
		sets[i] = r.createResourceActions(child)
	}

	set := r.collectivePseudos(g, sets)

	for i := range sets {
		if i == 0 {
			continue
		}
		// Forward start chain, reverse stop chain.
		r.order(sets[i-1].running, sets[i].start, types.OrderImpliesThen|types.OrderRunnableLeft)
		r.order(sets[i].stopped, sets[i-1].stop, types.OrderImpliesThen|types.OrderRunnableLeft)
	}
	return set
}

// createCloneActions wires independent clone or bundle instances to the
// collective's milestones, plus the notification chain when the clone
// opted in.
func (r *run) createCloneActions(c *types.Resource) actionSet {
	sets := make([]actionSet, len(c.Children))
	for i, child := range c.Children {
		sets[i] = r.createResourceActions(child)
	}

	set := r.collectivePseudos(c, sets)

	if c.MetaBool("notify", false) {
		r.createNotifications(c, set, sets)
	}
	return set
}

// collectivePseudos creates the four milestone pseudo-actions of a
// collective resource and wires every child to them. A milestone is
// runnable iff at least one child's concrete action is runnable, and
// optional iff all children's are optional.
func (r *run) collectivePseudos(rsc *types.Resource, sets []actionSet) actionSet {
	startRunnable, startOptional := aggregate(sets, func(s actionSet) *types.Action { return s.start })
	stopRunnable, stopOptional := aggregate(sets, func(s actionSet) *types.Action { return s.stop })

	set := actionSet{
		start:   r.pseudoAction(rsc, "start", startRunnable, startOptional),
		running: r.pseudoAction(rsc, "running", startRunnable, startOptional),
		stop:    r.pseudoAction(rsc, "stop", stopRunnable, stopOptional),
		stopped: r.pseudoAction(rsc, "stopped", stopRunnable, stopOptional),
	}

	for _, child := range sets {
		r.order(set.start, child.start, types.OrderRunnableLeft)
		r.order(child.running, set.running, types.OrderOptional)
		r.order(set.stop, child.stop, types.OrderRunnableLeft)
		r.order(child.stopped, set.stopped, types.OrderOptional)
	}

	// Restart: the collective is fully stopped before it starts again.
	r.order(set.stopped, set.start, types.OrderOptional)
	return set
}

func aggregate(sets []actionSet, pick func(actionSet) *types.Action) (runnable, optional bool) {
	optional = true
	for _, s := range sets {
		a := pick(s)
		if a == nil {
			continue
		}
		if a.Runnable() {
			runnable = true
		}
		if !a.Optional() {
			optional = false
		}
	}
	return runnable, optional
}

// createNotifications adds the pre/post notification chains around a
// clone's stop and start phases, with the notify metadata each agent
// invocation receives.
func (r *run) createNotifications(c *types.Resource, set actionSet, sets []actionSet) {
	meta := r.notifyMeta(c)

	active := activeInstances(c)

	anyStop := false
	anyStart := false
	for _, s := range sets {
		if s.stop != nil {
			anyStop = true
		}
		if s.start != nil {
			anyStart = true
		}
	}

	if anyStop {
		pre := r.pseudoAction(c, "pre_notify_stop", true, false)
		confirmedPre := r.pseudoAction(c, "confirmed-pre_notify_stop", true, false)
		for _, inst := range active {
			n := r.notifyAction(inst, "pre_notify_stop", meta, "pre", "stop")
			r.order(pre, n, types.OrderRunnableLeft)
			r.order(n, confirmedPre, types.OrderOptional)
		}
		r.order(pre, confirmedPre, types.OrderOptional)
		r.order(confirmedPre, set.stop, types.OrderRunnableLeft)

		post := r.pseudoAction(c, "post_notify_stopped", true, false)
		confirmedPost := r.pseudoAction(c, "confirmed-post_notify_stopped", true, false)
		r.order(set.stopped, post, types.OrderOptional)
		// Stopping nodes still receive the post notification before
		// the agent is gone.
		for _, inst := range active {
			n := r.notifyAction(inst, "post_notify_stopped", meta, "post", "stop")
			r.order(post, n, types.OrderRunnableLeft)
			r.order(n, confirmedPost, types.OrderOptional)
		}
		r.order(post, confirmedPost, types.OrderOptional)
	}

	if anyStart {
		pre := r.pseudoAction(c, "pre_notify_start", true, false)
		confirmedPre := r.pseudoAction(c, "confirmed-pre_notify_start", true, false)
		for _, inst := range active {
			n := r.notifyAction(inst, "pre_notify_start", meta, "pre", "start")
			r.order(pre, n, types.OrderRunnableLeft)
			r.order(n, confirmedPre, types.OrderOptional)
		}
		r.order(pre, confirmedPre, types.OrderOptional)
		r.order(confirmedPre, set.start, types.OrderRunnableLeft)

		post := r.pseudoAction(c, "post_notify_running", true, false)
		confirmedPost := r.pseudoAction(c, "confirmed-post_notify_running", true, false)
		r.order(set.running, post, types.OrderOptional)
		for _, inst := range startingInstances(c) {
			n := r.notifyAction(inst, "post_notify_running", meta, "post", "start")
			r.order(post, n, types.OrderRunnableLeft)
			r.order(n, confirmedPost, types.OrderOptional)
		}
		r.order(post, confirmedPost, types.OrderOptional)
	}
}

// notifyAction emits one agent notify invocation on an instance's node.
func (r *run) notifyAction(inst *types.Resource, phase string, meta map[string]string, notifyType, operation string) *types.Action {
	node := inst.NextNode
	if node == nil && len(inst.RunningOn) > 0 {
		node = inst.RunningOn[0]
	}
	a := &types.Action{
		UUID:     fmt.Sprintf("%s_%s_0", inst.ID, phase),
		Task:     types.TaskNotify,
		Resource: inst,
		Node:     node,
		Flags:    types.ActionRunnable,
		Timeout:  r.actionTimeout(inst, types.TaskNotify),
		Priority: inst.Priority,
	}
	a.NotifyMeta = make(map[string]string, len(meta)+2)
	for k, v := range meta {
		a.NotifyMeta[k] = v
	}
	a.NotifyMeta["CRM_meta_notify_type"] = notifyType
	a.NotifyMeta["CRM_meta_notify_operation"] = operation
	r.actions = append(r.actions, a)
	r.byUUID[a.UUID] = a
	return a
}

// notifyMeta computes the shared CRM_meta_notify_* resource and node
// lists for one clone.
func (r *run) notifyMeta(c *types.Resource) map[string]string {
	var activeRsc, activeUname, stopRsc, stopUname, startRsc, startUname []string

	for _, inst := range sortedInstances(c) {
		for _, p := range inst.Primitives() {
			if len(p.RunningOn) > 0 {
				activeRsc = append(activeRsc, p.ID)
				activeUname = append(activeUname, p.RunningOn[0].Name)
				if p.NextNode == nil || p.NextNode.UUID != p.RunningOn[0].UUID {
					stopRsc = append(stopRsc, p.ID)
					stopUname = append(stopUname, p.RunningOn[0].Name)
				}
			}
			if p.NextNode != nil && (len(p.RunningOn) == 0 || p.NextNode.UUID != p.RunningOn[0].UUID) {
				startRsc = append(startRsc, p.ID)
				startUname = append(startUname, p.NextNode.Name)
			}
		}
	}

	return map[string]string{
		"CRM_meta_notify_active_resource": strings.Join(activeRsc, " "),
		"CRM_meta_notify_active_uname":    strings.Join(activeUname, " "),
		"CRM_meta_notify_stop_resource":   strings.Join(stopRsc, " "),
		"CRM_meta_notify_stop_uname":      strings.Join(stopUname, " "),
		"CRM_meta_notify_start_resource":  strings.Join(startRsc, " "),
		"CRM_meta_notify_start_uname":     strings.Join(startUname, " "),
	}
}

// activeInstances returns the instances observed running, in id order.
func activeInstances(c *types.Resource) []*types.Resource {
	var out []*types.Resource
	for _, inst := range sortedInstances(c) {
		for _, p := range inst.Primitives() {
			if len(p.RunningOn) > 0 {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// startingInstances returns the instances gaining a node this run.
func startingInstances(c *types.Resource) []*types.Resource {
	var out []*types.Resource
	for _, inst := range sortedInstances(c) {
		for _, p := range inst.Primitives() {
			if p.NextNode != nil && (len(p.RunningOn) == 0 || p.NextNode.UUID != p.RunningOn[0].UUID) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
