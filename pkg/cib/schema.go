package cib

import "encoding/xml"

// Document is the parsed CIB XML document. Only the subtrees the
// controller consumes are modeled; unknown elements are ignored on
// input and never produced on output.
type Document struct {
	XMLName       xml.Name      `xml:"cib"`
	AdminEpoch    int           `xml:"admin_epoch,attr"`
	Epoch         int           `xml:"epoch,attr"`
	NumUpdates    int           `xml:"num_updates,attr"`
	DCUUID        string        `xml:"dc-uuid,attr,omitempty"`
	Configuration Configuration `xml:"configuration"`
	Status        Status        `xml:"status"`
}

// Epochs is the optimistic-concurrency triple guarding CIB writes.
type Epochs struct {
	AdminEpoch int
	Epoch      int
	NumUpdates int
}

// Epochs returns the document's version triple.
func (d *Document) Epochs() Epochs {
	return Epochs{AdminEpoch: d.AdminEpoch, Epoch: d.Epoch, NumUpdates: d.NumUpdates}
}

// Newer reports whether e supersedes other.
func (e Epochs) Newer(other Epochs) bool {
	if e.AdminEpoch != other.AdminEpoch {
		return e.AdminEpoch > other.AdminEpoch
	}
	if e.Epoch != other.Epoch {
		return e.Epoch > other.Epoch
	}
	return e.NumUpdates > other.NumUpdates
}

// Configuration models /cib/configuration.
type Configuration struct {
	CRMConfig   CRMConfig   `xml:"crm_config"`
	Nodes       NodesEl     `xml:"nodes"`
	Resources   ResourcesEl `xml:"resources"`
	Constraints Constraints `xml:"constraints"`
}

// CRMConfig holds cluster-wide option sets.
type CRMConfig struct {
	PropertySets []PropertySet `xml:"cluster_property_set"`
}

// PropertySet is a named nvpair bundle.
type PropertySet struct {
	ID      string   `xml:"id,attr"`
	NVPairs []NVPair `xml:"nvpair"`
}

// NVPair is a single name/value option.
type NVPair struct {
	ID    string `xml:"id,attr,omitempty"`
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// NodesEl models /cib/configuration/nodes.
type NodesEl struct {
	Nodes []NodeEl `xml:"node"`
}

// NodeEl is one configured cluster node.
type NodeEl struct {
	ID    string `xml:"id,attr"`
	Uname string `xml:"uname,attr"`
	Type  string `xml:"type,attr,omitempty"`

	InstanceAttributes []PropertySet `xml:"instance_attributes"`
}

// ResourcesEl models /cib/configuration/resources.
type ResourcesEl struct {
	Primitives []PrimitiveEl `xml:"primitive"`
	Groups     []GroupEl     `xml:"group"`
	Clones     []CloneEl     `xml:"clone"`
	Bundles    []BundleEl    `xml:"bundle"`
}

// PrimitiveEl is a primitive resource definition.
type PrimitiveEl struct {
	ID       string `xml:"id,attr"`
	Class    string `xml:"class,attr"`
	Provider string `xml:"provider,attr,omitempty"`
	Type     string `xml:"type,attr"`

	MetaAttributes []PropertySet `xml:"meta_attributes"`
	Operations     OperationsEl  `xml:"operations"`
}

// OperationsEl wraps configured agent operations.
type OperationsEl struct {
	Ops []OpEl `xml:"op"`
}

// OpEl is one configured operation.
type OpEl struct {
	ID       string `xml:"id,attr,omitempty"`
	Name     string `xml:"name,attr"`
	Interval string `xml:"interval,attr"`
	Timeout  string `xml:"timeout,attr,omitempty"`
	OnFail   string `xml:"on-fail,attr,omitempty"`
}

// GroupEl is an ordered resource group.
type GroupEl struct {
	ID             string        `xml:"id,attr"`
	MetaAttributes []PropertySet `xml:"meta_attributes"`
	Primitives     []PrimitiveEl `xml:"primitive"`
}

// CloneEl wraps a child template to be instantiated N times.
type CloneEl struct {
	ID             string        `xml:"id,attr"`
	MetaAttributes []PropertySet `xml:"meta_attributes"`
	Primitive      *PrimitiveEl  `xml:"primitive"`
	Group          *GroupEl      `xml:"group"`
}

// BundleEl is a container bundle wrapping one primitive; Build rejects a
// bundle without one.
type BundleEl struct {
	ID             string        `xml:"id,attr"`
	MetaAttributes []PropertySet `xml:"meta_attributes"`
	Replicas       string        `xml:"replicas,attr,omitempty"`
	Primitive      *PrimitiveEl  `xml:"primitive"`
}

// Constraints models /cib/configuration/constraints.
type Constraints struct {
	Locations   []RscLocation   `xml:"rsc_location"`
	Colocations []RscColocation `xml:"rsc_colocation"`
	Orders      []RscOrder      `xml:"rsc_order"`
	Tickets     []RscTicket     `xml:"rsc_ticket"`
}

// RscLocation pins or repels a resource from a node.
type RscLocation struct {
	ID    string `xml:"id,attr"`
	Rsc   string `xml:"rsc,attr"`
	Node  string `xml:"node,attr"`
	Score string `xml:"score,attr"`
}

// RscColocation places one resource relative to another.
type RscColocation struct {
	ID          string `xml:"id,attr"`
	Rsc         string `xml:"rsc,attr"`
	RscRole     string `xml:"rsc-role,attr,omitempty"`
	WithRsc     string `xml:"with-rsc,attr"`
	WithRscRole string `xml:"with-rsc-role,attr,omitempty"`
	Score       string `xml:"score,attr"`
	Influence   string `xml:"influence,attr,omitempty"`
}

// RscOrder orders actions of two resources.
type RscOrder struct {
	ID          string `xml:"id,attr"`
	First       string `xml:"first,attr"`
	FirstAction string `xml:"first-action,attr,omitempty"`
	Then        string `xml:"then,attr"`
	ThenAction  string `xml:"then-action,attr,omitempty"`
	Kind        string `xml:"kind,attr,omitempty"`
	Symmetrical string `xml:"symmetrical,attr,omitempty"`
}

// RscTicket ties a resource to a cluster ticket.
type RscTicket struct {
	ID     string `xml:"id,attr"`
	Rsc    string `xml:"rsc,attr"`
	Ticket string `xml:"ticket,attr"`
}

// Status models /cib/status.
type Status struct {
	NodeStates []NodeState `xml:"node_state"`
	Tickets    TicketsEl   `xml:"tickets"`
}

// TicketsEl wraps ticket state entries.
type TicketsEl struct {
	States []TicketState `xml:"ticket_state"`
}

// TicketState is one ticket's observed grant state.
type TicketState struct {
	ID          string `xml:"id,attr"`
	Granted     string `xml:"granted,attr"`
	LastGranted string `xml:"last-granted,attr,omitempty"`
}

// NodeState is a node's observed membership and operation history.
type NodeState struct {
	ID    string `xml:"id,attr"`
	Uname string `xml:"uname,attr"`
	InCCM string `xml:"in_ccm,attr"`
	CRMD  string `xml:"crmd,attr"`
	Join  string `xml:"join,attr,omitempty"`

	TransientAttributes *TransientAttributes `xml:"transient_attributes"`
	LRM                 *LRM                 `xml:"lrm"`
}

// TransientAttributes carries per-node scratch attributes (master
// scores, fail counts, election scratch).
type TransientAttributes struct {
	ID                 string        `xml:"id,attr,omitempty"`
	InstanceAttributes []PropertySet `xml:"instance_attributes"`
}

// LRM is the local resource manager history section.
type LRM struct {
	ID        string         `xml:"id,attr,omitempty"`
	Resources LRMResourcesEl `xml:"lrm_resources"`
}

// LRMResourcesEl wraps per-resource histories.
type LRMResourcesEl struct {
	Resources []LRMResource `xml:"lrm_resource"`
}

// LRMResource is the operation history of one resource on one node.
type LRMResource struct {
	ID  string     `xml:"id,attr"`
	Ops []LRMRscOp `xml:"lrm_rsc_op"`
}

// LRMRscOp is one recorded operation result.
type LRMRscOp struct {
	ID            string `xml:"id,attr"`
	Operation     string `xml:"operation,attr"`
	CallID        int    `xml:"call-id,attr"`
	RCCode        int    `xml:"rc-code,attr"`
	Interval      string `xml:"interval,attr,omitempty"`
	TransitionKey string `xml:"transition-key,attr,omitempty"`
	LastRun       string `xml:"last-run,attr,omitempty"`
}

// Parse decodes a CIB document from XML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, &SchemaError{Element: "cib", Reason: err.Error()}
	}
	return &doc, nil
}

// Marshal encodes a CIB document to XML.
func Marshal(doc *Document) ([]byte, error) {
	return xml.MarshalIndent(doc, "", "  ")
}
