/*
Package graph defines the transition graph: a DAG of synapses, each
holding one action and the triggers whose completion must precede it.

The XML codec produces and consumes the wire schema consumed by the
transition executor: a transition_graph root with per-synapse action_set
and inputs blocks, rsc_op/pseudo_event/crm_event action elements and
CRM_meta_* attribute sets. Output is canonical (synapses in id order,
attributes sorted) so equal graphs serialize byte-identically.
*/
package graph
