/*
Package metrics exposes Prometheus metrics for the controller daemon.

Collected: policy engine run durations and counts, transition outcomes
and abort sources, in-flight and completed actions, the controller FSM
state, DC status, peer membership counts and CIB write results.
*/
package metrics
