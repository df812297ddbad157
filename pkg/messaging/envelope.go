package messaging

import (
	"github.com/google/uuid"
)

// Message types routed between daemons.
const (
	TypeController = "crmd"
	TypeExecutor   = "lrmd"
	TypeFencer     = "stonith-ng"
)

// Envelope is one framed peer message. Delivery is best-effort with
// at-least-once retry on reconnect; receivers dedupe by Reference.
type Envelope struct {
	From       string `json:"from"`
	To         string `json:"to"` // empty = broadcast
	Type       string `json:"type"`
	Subtype    string `json:"subtype"`
	Reference  string `json:"reference"`
	PayloadXML []byte `json:"payload_xml,omitempty"`
}

// NewEnvelope creates an envelope with a fresh reference.
func NewEnvelope(from, to, msgType, subtype string, payload []byte) *Envelope {
	return &Envelope{
		From:       from,
		To:         to,
		Type:       msgType,
		Subtype:    subtype,
		Reference:  uuid.New().String(),
		PayloadXML: payload,
	}
}

// Transport moves envelopes between controllers. Implementations:
// the in-process Loopback hub used by tests and single-node runs, and
// the gRPC transport used between daemons.
type Transport interface {
	// Send delivers an envelope to its target, or to every peer when
	// To is empty.
	Send(env *Envelope) error

	// Inbox is the stream of received envelopes, already deduped.
	Inbox() <-chan *Envelope

	// LocalUUID identifies this endpoint.
	LocalUUID() string

	Close() error
}
