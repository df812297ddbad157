/*
Package messaging frames and routes peer RPC between controllers.

An Envelope carries {from, to, type, subtype, reference, payload_xml}.
Delivery is best-effort with at-least-once retry; receivers drop
duplicates by reference. Two Transport implementations exist: an
in-process Hub/Loopback pair for tests and single-node operation, and a
gRPC bidirectional-stream transport for real deployments. The gRPC
service exchanges envelopes as JSON frames (the payload is already
opaque XML), so the service descriptor is registered by hand instead of
through protobuf codegen.
*/
package messaging
