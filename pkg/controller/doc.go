/*
Package controller is the per-node daemon: a finite-state machine driven
by a single event loop.

Inputs arrive from cluster membership, CIB change notifications, the
election driver, peer messages and the transition executor. Each FSM
transition triggers exactly one action set, ordered by a fixed priority
table (the exit actions always run last). The DC path is

	S_ELECTION -> S_INTEGRATION -> S_FINALIZE_JOIN -> S_POLICY_ENGINE
	-> S_TRANSITION_ENGINE -> S_IDLE -> (CIB change) -> S_POLICY_ENGINE

Errors classify into S_RECOVERY; a failure during the transition state
aborts the current graph and re-enters the policy engine. A graph is
dispatched from exactly one state, so two overlapping graphs are
impossible by construction.
*/
package controller
