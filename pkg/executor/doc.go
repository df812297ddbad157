/*
Package executor runs transition graphs.

A synapse is ready when every input is confirmed; ready synapses
dispatch in descending priority, ascending id. Concrete actions go to
the local resource-agent executor or to a peer controller depending on
their target node; pseudo-actions confirm instantly. Each in-flight
action carries an absolute deadline; expiry is treated as failure and
aborts the remainder of the graph. Aborting discards pending synapses
and drains in-flight ones, because individual actions cannot be
cancelled.
*/
package executor
