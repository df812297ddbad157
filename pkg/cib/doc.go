/*
Package cib models the Cluster Information Base: the authoritative,
versioned XML document describing intended and observed cluster state.

The package has three layers. The schema structs mirror the subtrees the
controller consumes (/cib/configuration/resources, constraints, nodes
and /cib/status). Build ingests a document plus the live membership into
a scheduler WorkingSet, enforcing the ingest invariants and returning a
SchemaError on violation. The Store interface is the write surface:
optimistic concurrency over the admin_epoch/epoch/num_updates triple,
operation-history and transient-attribute writes, and asynchronous
change notification through the event broker. BoltStore is the local
disk-backed implementation.
*/
package cib
