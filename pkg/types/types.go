package types

import (
	"sort"
	"time"

	"github.com/pacegrid/pacegrid/pkg/score"
)

// Membership represents a node's cluster membership state
type Membership string

const (
	MembershipMember  Membership = "member"
	MembershipLost    Membership = "lost"
	MembershipPending Membership = "pending"
)

// NodeRole defines what kind of node this is
type NodeRole string

const (
	NodeRoleCluster NodeRole = "cluster"
	NodeRoleRemote  NodeRole = "remote"
	NodeRoleGuest   NodeRole = "guest"
	NodeRoleBundle  NodeRole = "bundle"
)

// Node represents a cluster node in a scheduler snapshot
type Node struct {
	UUID       string
	Name       string
	Membership Membership
	Online     bool
	Role       NodeRole
	Attributes map[string]string

	// Count is a scratch field used during allocation: the number of
	// managed, non-orphan primitives (clone instances and plain resources
	// alike) assigned to this node in the current run. It is zero at the
	// start of every scheduler run.
	Count int
}

// Available reports whether the node can host resources.
func (n *Node) Available() bool {
	return n.Online && n.Membership == MembershipMember
}

// Variant identifies the resource kind
type Variant string

const (
	VariantPrimitive Variant = "primitive"
	VariantGroup     Variant = "group"
	VariantClone     Variant = "clone"
	VariantBundle    Variant = "bundle"
)

// Role represents a resource role
type Role string

const (
	RoleUnknown    Role = "Unknown"
	RoleStopped    Role = "Stopped"
	RoleStarted    Role = "Started"
	RoleUnpromoted Role = "Unpromoted"
	RolePromoted   Role = "Promoted"
)

// Resource represents one resource in a scheduler snapshot. Collective
// variants (group, clone, bundle) carry children; primitives carry the
// allocation payload.
type Resource struct {
	ID      string
	Variant Variant
	Parent  *Resource
	// Children is ordered: group members run in sequence, clone and
	// bundle instances are numbered by position.
	Children []*Resource
	Meta     map[string]string

	// Per-instance state flags
	Orphan      bool
	Managed     bool
	Provisional bool
	Allocating  bool
	Failed      bool
	Blocked     bool

	// Primitive payload
	Class    string
	Provider string
	Type     string

	// AllowedNodes maps node UUID to placement score. NegInfinity bans,
	// Infinity requires.
	AllowedNodes map[string]score.Score
	RunningOn    []*Node
	Role         Role
	NextRole     Role
	NextNode     *Node
	Stickiness   score.Score
	Priority     int

	// Recurring operations configured for this resource
	Operations []Operation

	// Colocation adjacency. ThisWith holds edges where this resource is
	// the dependent; WithThis holds edges where it is the primary.
	ThisWith []*Colocation
	WithThis []*Colocation
}

// Operation describes a configured recurring or one-shot agent operation
type Operation struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	OnFail   OnFailPolicy
}

// OnFailPolicy defines the reaction to a failed operation
type OnFailPolicy string

const (
	OnFailIgnore  OnFailPolicy = "ignore"
	OnFailBlock   OnFailPolicy = "block"
	OnFailStop    OnFailPolicy = "stop"
	OnFailRestart OnFailPolicy = "restart"
	OnFailFence   OnFailPolicy = "fence"
	OnFailStandby OnFailPolicy = "standby"
)

// IsCollective reports whether the resource has children by construction.
func (r *Resource) IsCollective() bool {
	return r.Variant != VariantPrimitive
}

// MetaBool reads a boolean meta attribute, defaulting when absent.
func (r *Resource) MetaBool(name string, def bool) bool {
	v, ok := r.Meta[name]
	if !ok {
		return def
	}
	return v == "true" || v == "yes" || v == "1" || v == "on"
}

// Primitives returns the primitive descendants of r in child order,
// including r itself when it is a primitive.
func (r *Resource) Primitives() []*Resource {
	if r.Variant == VariantPrimitive {
		return []*Resource{r}
	}
	var out []*Resource
	for _, child := range r.Children {
		out = append(out, child.Primitives()...)
	}
	return out
}

// Colocation is a placement preference between two resources. A score of
// Infinity makes the constraint mandatory, NegInfinity a mandatory
// anti-constraint.
type Colocation struct {
	ID            string
	Dependent     *Resource
	Primary       *Resource
	Score         score.Score
	DependentRole Role
	PrimaryRole   Role

	// Influence controls whether the dependent's preferences pull the
	// primary when the primary is being placed.
	Influence bool
}

// OrderType is a bit-set describing ordering edge semantics
type OrderType uint32

const (
	// OrderOptional orders without propagating runnability or necessity.
	OrderOptional OrderType = 1 << iota
	// OrderImpliesThen makes "then" mandatory when "first" is mandatory.
	OrderImpliesThen
	// OrderRunnableLeft clears "then" runnability when "first" is not runnable.
	OrderRunnableLeft
	// OrderSerialize forbids the two actions from overlapping in either order.
	OrderSerialize
	// OrderThenCancelsFirst cancels "first" when "then" is required.
	OrderThenCancelsFirst
	// OrderAsymmetric applies the constraint in one direction only.
	OrderAsymmetric
)

// Ordering is a configured ordering constraint between two resources.
// Action endpoints are late-bound by task name during action synthesis.
type Ordering struct {
	ID        string
	First     *Resource
	FirstTask Task
	Then      *Resource
	ThenTask  Task
	Type      OrderType
}

// Task names an action kind
type Task string

const (
	TaskStart    Task = "start"
	TaskStop     Task = "stop"
	TaskMonitor  Task = "monitor"
	TaskPromote  Task = "promote"
	TaskDemote   Task = "demote"
	TaskNotify   Task = "notify"
	TaskNotified Task = "notified"
	TaskRunning  Task = "running"
	TaskStopped  Task = "stopped"
	TaskCancel   Task = "cancel"
)

// ActionFlags is a bit-set of per-action attributes
type ActionFlags uint32

const (
	// ActionOptional marks an action the transition does not require.
	ActionOptional ActionFlags = 1 << iota
	// ActionRunnable marks an action that can actually execute.
	ActionRunnable
	// ActionPseudo marks a logical milestone never sent to an agent.
	ActionPseudo
	// ActionMigrateRunnable hints that a stop/start pair may be fused
	// into a live migration by the executor.
	ActionMigrateRunnable
)

// Action is one vertex of the pre-graph action set produced by the
// scheduler. UUID is "rsc_task_interval" (interval in milliseconds).
type Action struct {
	UUID     string
	Task     Task
	Resource *Resource
	Node     *Node
	Flags    ActionFlags
	Timeout  time.Duration
	Interval time.Duration
	Priority int

	// NotifyMeta carries the CRM_meta_notify_* attribute set when the
	// owning clone opted into notifications.
	NotifyMeta map[string]string
}

// Optional reports the ActionOptional flag.
func (a *Action) Optional() bool { return a.Flags&ActionOptional != 0 }

// Runnable reports the ActionRunnable flag.
func (a *Action) Runnable() bool { return a.Flags&ActionRunnable != 0 }

// Pseudo reports the ActionPseudo flag.
func (a *Action) Pseudo() bool { return a.Flags&ActionPseudo != 0 }

// ActionOrdering is an edge between two synthesized actions.
type ActionOrdering struct {
	First *Action
	Then  *Action
	Type  OrderType
}

// Ticket represents a cluster ticket grant
type Ticket struct {
	ID          string
	Granted     bool
	LastGranted time.Time
}

// WorkingSet is the immutable-at-ingest snapshot the scheduler consumes.
// The allocator mutates resource NextRole/NextNode and node Count while
// it runs; nothing survives across scheduler runs.
type WorkingSet struct {
	Now     time.Time
	DCUUID  string
	Options map[string]string

	Nodes       []*Node
	Resources   []*Resource // top-level, in configuration order
	Colocations []*Colocation
	Orderings   []*Ordering
	Tickets     map[string]*Ticket
}

// FindNode returns the node with the given UUID, or nil.
func (ws *WorkingSet) FindNode(uuid string) *Node {
	for _, n := range ws.Nodes {
		if n.UUID == uuid {
			return n
		}
	}
	return nil
}

// FindNodeByName returns the node with the given name, or nil.
func (ws *WorkingSet) FindNodeByName(name string) *Node {
	for _, n := range ws.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// FindResource returns the resource with the given ID, searching the
// whole tree, or nil.
func (ws *WorkingSet) FindResource(id string) *Resource {
	var walk func(r *Resource) *Resource
	walk = func(r *Resource) *Resource {
		if r.ID == id {
			return r
		}
		for _, child := range r.Children {
			if found := walk(child); found != nil {
				return found
			}
		}
		return nil
	}
	for _, r := range ws.Resources {
		if found := walk(r); found != nil {
			return found
		}
	}
	return nil
}

// AllPrimitives returns every primitive in the snapshot in tree order.
func (ws *WorkingSet) AllPrimitives() []*Resource {
	var out []*Resource
	for _, r := range ws.Resources {
		out = append(out, r.Primitives()...)
	}
	return out
}

// AvailableNodes returns the online member nodes sorted by UUID.
func (ws *WorkingSet) AvailableNodes() []*Node {
	var out []*Node
	for _, n := range ws.Nodes {
		if n.Available() {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}
