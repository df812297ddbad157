package cib

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pacegrid/pacegrid/pkg/score"
	"github.com/pacegrid/pacegrid/pkg/types"
)

// LiveNode is one entry of the live membership list handed to Build by
// the controller. When the list is empty, membership is derived from
// the CIB status section instead.
type LiveNode struct {
	UUID       string
	Name       string
	Online     bool
	Membership types.Membership
}

// Build ingests a CIB XML document plus the live membership into a
// scheduler WorkingSet. Ingest-time invariants (§ data model) are
// enforced here; violations return a SchemaError.
func Build(data []byte, live []LiveNode, now time.Time) (*types.WorkingSet, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return BuildDocument(doc, live, now)
}

// BuildDocument is Build for an already-parsed document.
func BuildDocument(doc *Document, live []LiveNode, now time.Time) (*types.WorkingSet, error) {
	ws := &types.WorkingSet{
		Now:     now,
		DCUUID:  doc.DCUUID,
		Options: flattenSets(doc.Configuration.CRMConfig.PropertySets),
		Tickets: make(map[string]*types.Ticket),
	}

	if err := buildNodes(doc, live, ws); err != nil {
		return nil, err
	}
	if err := buildResources(doc, ws); err != nil {
		return nil, err
	}
	if err := ingestStatus(doc, ws); err != nil {
		return nil, err
	}
	if err := buildConstraints(doc, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

func buildNodes(doc *Document, live []LiveNode, ws *types.WorkingSet) error {
	byUUID := make(map[string]*types.Node)
	for _, el := range doc.Configuration.Nodes.Nodes {
		if el.ID == "" || el.Uname == "" {
			return &SchemaError{Element: "node", Reason: "missing id or uname"}
		}
		role := types.NodeRoleCluster
		switch el.Type {
		case "remote":
			role = types.NodeRoleRemote
		case "guest":
			role = types.NodeRoleGuest
		}
		node := &types.Node{
			UUID:       el.ID,
			Name:       el.Uname,
			Membership: types.MembershipPending,
			Role:       role,
			Attributes: flattenSets(el.InstanceAttributes),
		}
		ws.Nodes = append(ws.Nodes, node)
		byUUID[node.UUID] = node
	}

	if len(live) > 0 {
		for _, ln := range live {
			node := byUUID[ln.UUID]
			if node == nil {
				return &SchemaError{Element: "nodes", Reason: fmt.Sprintf("live node %s not configured", ln.UUID)}
			}
			node.Online = ln.Online
			node.Membership = ln.Membership
		}
		return nil
	}

	// No live list: derive membership from the status section.
	for _, st := range doc.Status.NodeStates {
		node := byUUID[st.ID]
		if node == nil {
			return &SchemaError{Element: "node_state", Reason: fmt.Sprintf("unknown node %s", st.ID)}
		}
		inCCM := st.InCCM == "true"
		online := inCCM && st.CRMD == "online"
		node.Online = online
		switch {
		case online:
			node.Membership = types.MembershipMember
		case inCCM:
			node.Membership = types.MembershipPending
		default:
			node.Membership = types.MembershipLost
		}
	}
	return nil
}

func buildResources(doc *Document, ws *types.WorkingSet) error {
	res := doc.Configuration.Resources
	for i := range res.Primitives {
		ws.Resources = append(ws.Resources, buildPrimitive(&res.Primitives[i], nil, ws))
	}
	for i := range res.Groups {
		ws.Resources = append(ws.Resources, buildGroup(&res.Groups[i], nil, ws))
	}
	for i := range res.Clones {
		clone, err := buildClone(&res.Clones[i], ws)
		if err != nil {
			return err
		}
		ws.Resources = append(ws.Resources, clone)
	}
	for i := range res.Bundles {
		bundle, err := buildBundle(&res.Bundles[i], ws)
		if err != nil {
			return err
		}
		ws.Resources = append(ws.Resources, bundle)
	}

	// Duplicate ids break every by-id lookup downstream.
	seen := make(map[string]bool)
	var walk func(r *types.Resource) error
	walk = func(r *types.Resource) error {
		if seen[r.ID] {
			return &SchemaError{Element: "resources", Reason: fmt.Sprintf("duplicate resource id %s", r.ID)}
		}
		seen[r.ID] = true
		for _, child := range r.Children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}
	for _, r := range ws.Resources {
		if err := walk(r); err != nil {
			return err
		}
	}
	return nil
}

func buildPrimitive(el *PrimitiveEl, parent *types.Resource, ws *types.WorkingSet) *types.Resource {
	meta := flattenSets(el.MetaAttributes)
	r := &types.Resource{
		ID:           el.ID,
		Variant:      types.VariantPrimitive,
		Parent:       parent,
		Meta:         meta,
		Class:        el.Class,
		Provider:     el.Provider,
		Type:         el.Type,
		Managed:      metaBool(meta, "is-managed", true),
		Provisional:  true,
		Role:         types.RoleStopped,
		NextRole:     types.RoleUnknown,
		AllowedNodes: make(map[string]score.Score, len(ws.Nodes)),
	}

	if v, ok := meta["resource-stickiness"]; ok {
		if s, err := score.Parse(v); err == nil {
			r.Stickiness = s
		}
	} else if v, ok := ws.Options["default-resource-stickiness"]; ok {
		if s, err := score.Parse(v); err == nil {
			r.Stickiness = s
		}
	}
	if v, ok := meta["priority"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			r.Priority = p
		}
	}

	symmetric := true
	if v, ok := ws.Options["symmetric-cluster"]; ok {
		symmetric = v != "false"
	}
	for _, n := range ws.Nodes {
		if symmetric {
			r.AllowedNodes[n.UUID] = 0
		} else {
			r.AllowedNodes[n.UUID] = score.NegInfinity
		}
	}

	for _, op := range el.Operations.Ops {
		r.Operations = append(r.Operations, types.Operation{
			Name:     op.Name,
			Interval: parseInterval(op.Interval),
			Timeout:  parseInterval(op.Timeout),
			OnFail:   types.OnFailPolicy(op.OnFail),
		})
	}
	return r
}

func buildGroup(el *GroupEl, parent *types.Resource, ws *types.WorkingSet) *types.Resource {
	g := &types.Resource{
		ID:          el.ID,
		Variant:     types.VariantGroup,
		Parent:      parent,
		Meta:        flattenSets(el.MetaAttributes),
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStopped,
		NextRole:    types.RoleUnknown,
	}
	for i := range el.Primitives {
		g.Children = append(g.Children, buildPrimitive(&el.Primitives[i], g, ws))
	}
	return g
}

func buildClone(el *CloneEl, ws *types.WorkingSet) (*types.Resource, error) {
	meta := flattenSets(el.MetaAttributes)
	clone := &types.Resource{
		ID:          el.ID,
		Variant:     types.VariantClone,
		Meta:        meta,
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStopped,
		NextRole:    types.RoleUnknown,
	}

	maxTotal := len(ws.Nodes)
	if v, ok := meta["clone-max"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, &SchemaError{Element: "clone", Reason: fmt.Sprintf("%s: invalid clone-max %q", el.ID, v)}
		}
		maxTotal = n
	}

	// Manufacture the numbered instances from the child template.
	for i := 0; i < maxTotal; i++ {
		switch {
		case el.Primitive != nil:
			inst := buildPrimitive(el.Primitive, clone, ws)
			inst.ID = fmt.Sprintf("%s:%d", el.Primitive.ID, i)
			clone.Children = append(clone.Children, inst)
		case el.Group != nil:
			inst := buildGroup(el.Group, clone, ws)
			inst.ID = fmt.Sprintf("%s:%d", el.Group.ID, i)
			for _, child := range inst.Children {
				child.ID = fmt.Sprintf("%s:%d", child.ID, i)
			}
			clone.Children = append(clone.Children, inst)
		default:
			return nil, &SchemaError{Element: "clone", Reason: fmt.Sprintf("%s: no child template", el.ID)}
		}
	}
	return clone, nil
}

func buildBundle(el *BundleEl, ws *types.WorkingSet) (*types.Resource, error) {
	meta := flattenSets(el.MetaAttributes)
	bundle := &types.Resource{
		ID:          el.ID,
		Variant:     types.VariantBundle,
		Meta:        meta,
		Managed:     true,
		Provisional: true,
		Role:        types.RoleStopped,
		NextRole:    types.RoleUnknown,
	}
	if el.Primitive == nil {
		return nil, &SchemaError{Element: "bundle", Reason: fmt.Sprintf("%s: no child primitive", el.ID)}
	}
	replicas := 1
	if el.Replicas != "" {
		n, err := strconv.Atoi(el.Replicas)
		if err != nil || n < 0 {
			return nil, &SchemaError{Element: "bundle", Reason: fmt.Sprintf("%s: invalid replicas %q", el.ID, el.Replicas)}
		}
		replicas = n
	}
	for i := 0; i < replicas; i++ {
		inst := buildPrimitive(el.Primitive, bundle, ws)
		inst.ID = fmt.Sprintf("%s:%d", el.Primitive.ID, i)
		bundle.Children = append(bundle.Children, inst)
	}
	return bundle, nil
}

func ingestStatus(doc *Document, ws *types.WorkingSet) error {
	for _, ts := range doc.Status.Tickets.States {
		ticket := &types.Ticket{ID: ts.ID, Granted: ts.Granted == "true"}
		if ts.LastGranted != "" {
			if t, err := time.Parse(time.RFC3339, ts.LastGranted); err == nil {
				ticket.LastGranted = t
			}
		}
		ws.Tickets[ticket.ID] = ticket
	}

	for _, st := range doc.Status.NodeStates {
		node := ws.FindNode(st.ID)
		if node == nil {
			return &SchemaError{Element: "node_state", Reason: fmt.Sprintf("unknown node %s", st.ID)}
		}

		if st.TransientAttributes != nil {
			for name, value := range flattenSets(st.TransientAttributes.InstanceAttributes) {
				if node.Attributes == nil {
					node.Attributes = make(map[string]string)
				}
				node.Attributes[name] = value
			}
		}

		if st.LRM == nil {
			continue
		}
		for _, lr := range st.LRM.Resources.Resources {
			rsc := resolveHistoryResource(ws, lr.ID)
			if rsc == nil {
				// History for a resource no longer configured: an
				// orphan. Manufacture a stopped orphan primitive so the
				// scheduler can emit its cleanup.
				rsc = &types.Resource{
					ID:           lr.ID,
					Variant:      types.VariantPrimitive,
					Orphan:       true,
					Managed:      false,
					Provisional:  true,
					Role:         types.RoleStopped,
					NextRole:     types.RoleUnknown,
					AllowedNodes: make(map[string]score.Score),
				}
				ws.Resources = append(ws.Resources, rsc)
			}
			applyHistory(rsc, node, lr.Ops)
		}
	}
	return nil
}

// resolveHistoryResource finds the resource a history entry belongs to.
// Exact id match wins; otherwise a clone instance whose template base
// matches and which is not yet observed running takes it.
func resolveHistoryResource(ws *types.WorkingSet, id string) *types.Resource {
	if r := ws.FindResource(id); r != nil {
		return r
	}
	base := id
	if idx := strings.LastIndex(id, ":"); idx > 0 {
		base = id[:idx]
	}
	for _, p := range ws.AllPrimitives() {
		pBase := p.ID
		if idx := strings.LastIndex(p.ID, ":"); idx > 0 {
			pBase = p.ID[:idx]
		}
		if pBase == base && len(p.RunningOn) == 0 {
			return p
		}
	}
	return nil
}

// applyHistory folds a node's operation history for one resource into
// the snapshot. The op with the highest call-id decides.
func applyHistory(rsc *types.Resource, node *types.Node, ops []LRMRscOp) {
	if len(ops) == 0 {
		return
	}
	sorted := make([]LRMRscOp, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CallID < sorted[j].CallID })
	last := sorted[len(sorted)-1]

	running := false
	switch last.Operation {
	case "start":
		if last.RCCode == 0 {
			running = true
			rsc.Role = types.RoleStarted
		} else {
			rsc.Failed = true
		}
	case "promote":
		if last.RCCode == 0 {
			running = true
			rsc.Role = types.RolePromoted
		} else {
			rsc.Failed = true
		}
	case "demote":
		if last.RCCode == 0 {
			running = true
			rsc.Role = types.RoleUnpromoted
		} else {
			rsc.Failed = true
		}
	case "monitor":
		switch last.RCCode {
		case 0:
			running = true
			if rsc.Role == types.RoleStopped {
				rsc.Role = types.RoleStarted
			}
		case 7: // not running
			rsc.Role = types.RoleStopped
		case 8: // running promoted
			running = true
			rsc.Role = types.RolePromoted
		default:
			rsc.Failed = true
		}
	case "stop":
		if last.RCCode == 0 {
			rsc.Role = types.RoleStopped
		} else {
			rsc.Failed = true
		}
	}

	if running {
		rsc.RunningOn = append(rsc.RunningOn, node)
	}
}

func buildConstraints(doc *Document, ws *types.WorkingSet) error {
	cons := doc.Configuration.Constraints

	for _, loc := range cons.Locations {
		rsc := ws.FindResource(loc.Rsc)
		if rsc == nil {
			return &SchemaError{Element: "rsc_location", Reason: fmt.Sprintf("%s: unknown resource %s", loc.ID, loc.Rsc)}
		}
		node := ws.FindNodeByName(loc.Node)
		if node == nil {
			return &SchemaError{Element: "rsc_location", Reason: fmt.Sprintf("%s: unknown node %s", loc.ID, loc.Node)}
		}
		sc, err := score.Parse(loc.Score)
		if err != nil {
			return &SchemaError{Element: "rsc_location", Reason: fmt.Sprintf("%s: %v", loc.ID, err)}
		}
		for _, p := range rsc.Primitives() {
			p.AllowedNodes[node.UUID] = p.AllowedNodes[node.UUID].Add(sc)
		}
	}

	for _, col := range cons.Colocations {
		dep := ws.FindResource(col.Rsc)
		if dep == nil {
			return &SchemaError{Element: "rsc_colocation", Reason: fmt.Sprintf("%s: unknown resource %s", col.ID, col.Rsc)}
		}
		primary := ws.FindResource(col.WithRsc)
		if primary == nil {
			return &SchemaError{Element: "rsc_colocation", Reason: fmt.Sprintf("%s: unknown resource %s", col.ID, col.WithRsc)}
		}
		sc, err := score.Parse(col.Score)
		if err != nil {
			return &SchemaError{Element: "rsc_colocation", Reason: fmt.Sprintf("%s: %v", col.ID, err)}
		}
		c := &types.Colocation{
			ID:            col.ID,
			Dependent:     dep,
			Primary:       primary,
			Score:         sc,
			DependentRole: parseRole(col.RscRole),
			PrimaryRole:   parseRole(col.WithRscRole),
			Influence:     col.Influence != "false",
		}
		dep.ThisWith = append(dep.ThisWith, c)
		primary.WithThis = append(primary.WithThis, c)
		ws.Colocations = append(ws.Colocations, c)
	}

	for _, ord := range cons.Orders {
		first := ws.FindResource(ord.First)
		if first == nil {
			return &SchemaError{Element: "rsc_order", Reason: fmt.Sprintf("%s: unknown resource %s", ord.ID, ord.First)}
		}
		then := ws.FindResource(ord.Then)
		if then == nil {
			return &SchemaError{Element: "rsc_order", Reason: fmt.Sprintf("%s: unknown resource %s", ord.ID, ord.Then)}
		}
		ot := orderKind(ord.Kind)
		if ord.Symmetrical == "false" {
			ot |= types.OrderAsymmetric
		}
		ws.Orderings = append(ws.Orderings, &types.Ordering{
			ID:        ord.ID,
			First:     first,
			FirstTask: taskOrDefault(ord.FirstAction),
			Then:      then,
			ThenTask:  taskOrDefault(ord.ThenAction),
			Type:      ot,
		})
	}

	for _, rt := range cons.Tickets {
		if ws.FindResource(rt.Rsc) == nil {
			return &SchemaError{Element: "rsc_ticket", Reason: fmt.Sprintf("%s: unknown resource %s", rt.ID, rt.Rsc)}
		}
		if _, ok := ws.Tickets[rt.Ticket]; !ok {
			ws.Tickets[rt.Ticket] = &types.Ticket{ID: rt.Ticket}
		}
	}
	return nil
}

func orderKind(kind string) types.OrderType {
	switch kind {
	case "", "Mandatory":
		return types.OrderImpliesThen | types.OrderRunnableLeft
	case "Optional":
		return types.OrderOptional
	case "Serialize":
		return types.OrderSerialize
	default:
		return types.OrderOptional
	}
}

func taskOrDefault(action string) types.Task {
	if action == "" {
		return types.TaskStart
	}
	return types.Task(action)
}

func parseRole(role string) types.Role {
	switch role {
	case "Promoted", "Master":
		return types.RolePromoted
	case "Unpromoted", "Slave":
		return types.RoleUnpromoted
	case "Started":
		return types.RoleStarted
	case "Stopped":
		return types.RoleStopped
	default:
		return types.RoleUnknown
	}
}

func flattenSets(sets []PropertySet) map[string]string {
	out := make(map[string]string)
	for _, set := range sets {
		for _, nv := range set.NVPairs {
			out[nv.Name] = nv.Value
		}
	}
	return out
}

func metaBool(meta map[string]string, name string, def bool) bool {
	v, ok := meta[name]
	if !ok {
		return def
	}
	return v == "true" || v == "yes" || v == "1" || v == "on"
}

// parseInterval reads an operation interval or timeout. Plain integers
// are milliseconds; suffixed values use Go duration syntax.
func parseInterval(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	hasUnit := strings.IndexFunc(s, unicode.IsLetter) >= 0
	if !hasUnit {
		if n, err := strconv.Atoi(s); err == nil {
			return time.Duration(n) * time.Millisecond
		}
		return 0
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return 0
}
