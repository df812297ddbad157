package graph

import (
	"sort"
)

// ActionKind selects the wire element used for a graph action
type ActionKind string

const (
	KindRscOp    ActionKind = "rsc_op"
	KindPseudo   ActionKind = "pseudo_event"
	KindCrmEvent ActionKind = "crm_event"
)

// Action is the single executable payload of a synapse
type Action struct {
	Kind         ActionKind
	ID           int
	Operation    string
	OperationKey string
	OnNode       string
	OnNodeUUID   string

	// Attrs carries the CRM_meta_* attribute set (timeout, interval,
	// name, notify metadata). Keys are stored without ordering; the
	// codec sorts them on output.
	Attrs map[string]string
}

// Trigger references another synapse's action as an input
type Trigger struct {
	Kind ActionKind
	ID   int
}

// Synapse is one vertex of the transition graph: a single action set
// plus the triggers that must complete before it may dispatch.
type Synapse struct {
	ID       int
	Priority int
	Action   *Action
	Inputs   []Trigger
}

// Graph is a typed DAG of synapses, serializable to the wire XML schema.
type Graph struct {
	TransitionID      int
	ClusterDelay      string
	StonithTimeout    string
	FailedStopOffset  string
	FailedStartOffset string
	Synapses          []*Synapse
}

// Synapse returns the synapse with the given id, or nil.
func (g *Graph) Synapse(id int) *Synapse {
	for _, s := range g.Synapses {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ByAction returns the synapse whose action has the given id, or nil.
func (g *Graph) ByAction(actionID int) *Synapse {
	for _, s := range g.Synapses {
		if s.Action != nil && s.Action.ID == actionID {
			return s
		}
	}
	return nil
}

// sortedAttrKeys returns the attribute keys in stable order.
func sortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
