/*
Package election implements DC election and the join handshake.

Election is lowest-uuid-wins: a candidate announces to every online
peer and any peer with a strictly lower uuid vetoes; an unvetoed
candidate wins when the window closes. The join handshake brings each
node's authoritative state to the new DC: announce, offer (carrying the
expected CIB epoch), request (carrying local state), ack. A handshake
step that misses its deadline sends the controller back to election.
*/
package election
