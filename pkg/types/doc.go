/*
Package types defines the snapshot state model shared by the policy
engine, executor and controller.

A WorkingSet is built from a CIB document plus the live membership and is
discarded after each scheduler run. Resources form a tree (group, clone
and bundle variants carry ordered children; primitives carry the
allocation payload), colocations and orderings are adjacency edges on
their endpoints, and actions are the vertices the ordering propagator and
graph emitter operate on.

Invariants:

  - A resource is in exactly one variant; only collective variants have
    children.
  - Provisional means no node has been chosen this run; it is flipped off
    exactly once per scheduler run.
  - Allocating is held only inside a single recursive assignment (cycle
    guard) and is cleared before the call returns.
  - Node.Count starts each run at zero and is incremented once per
    managed instance assigned to the node.
*/
package types
