/*
Package scheduler is the policy engine: a pure function from a cluster
snapshot to a transition graph.

A run proceeds in phases. The allocator prunes each resource's allowed
nodes, applies stickiness and colocations, and picks a node with
deterministic tie-breaking (score, then current node, then lowest node
uuid). Clone and bundle instances go through a preferred pass that keeps
healthy instances where they run, then a free pass that places the rest
under the clone-node-max cap. Promotable clones rank their instances by
master score, colocation contribution and current role, and promote the
top promoted-max. Action synthesis translates every allocation outcome
into start/stop/promote/demote/monitor actions plus the collective
milestone pseudo-actions and, for clones that opted in, the
pre/post notification chains. The ordering propagator lowers configured
and structural orderings to action edges and normalizes flags to a
fixed point with a worklist; interleaved clones get per-instance edges
instead of the coarse parent edge. Emission assigns stable ids, reduces
transitive inputs and produces the wire graph.

Nothing is persisted across runs; equal snapshots produce byte-identical
graphs.
*/
package scheduler
