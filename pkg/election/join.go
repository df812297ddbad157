package election

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/messaging"
	"github.com/rs/zerolog"
)

// JoinPhase tracks one peer through the join handshake.
type JoinPhase string

const (
	PhaseAnnounced JoinPhase = "announced"
	PhaseOffered   JoinPhase = "offered"
	PhaseRequested JoinPhase = "requested"
	PhaseAcked     JoinPhase = "acked"
)

// OfferPayload is the XML body of a join_offer: the CIB epoch the DC
// expects the joiner to converge on.
type OfferPayload struct {
	XMLName    xml.Name `xml:"join_offer"`
	AdminEpoch int      `xml:"admin_epoch,attr"`
	Epoch      int      `xml:"epoch,attr"`
	NumUpdates int      `xml:"num_updates,attr"`
}

// RequestPayload is the XML body of a join_request: the joiner's
// authoritative local state.
type RequestPayload struct {
	XMLName  xml.Name `xml:"join_request"`
	NodeUUID string   `xml:"node_uuid,attr"`
	Uname    string   `xml:"uname,attr"`
	StateXML []byte   `xml:",cdata"`
}

// Integrator receives each joiner's state on the DC.
type Integrator interface {
	IntegrateJoin(nodeUUID string, state []byte) error
}

// Join drives the DC side of the join handshake: offer out, request in,
// ack out. A step that misses its deadline reports a timeout and the
// controller re-enters election.
type Join struct {
	logger    zerolog.Logger
	transport messaging.Transport
	timeout   time.Duration

	phases   map[string]JoinPhase
	deadline time.Time
	active   bool
}

// NewJoin creates a join driver.
func NewJoin(transport messaging.Transport, timeout time.Duration) *Join {
	return &Join{
		logger:    log.WithComponent("join"),
		transport: transport,
		timeout:   timeout,
		phases:    make(map[string]JoinPhase),
	}
}

// Begin opens an integration round offering membership to the given
// peers at the given epoch.
func (j *Join) Begin(peers []string, offer OfferPayload, now time.Time) error {
	j.phases = make(map[string]JoinPhase, len(peers))
	j.active = true
	j.deadline = now.Add(j.timeout)

	body, err := xml.Marshal(offer)
	if err != nil {
		return fmt.Errorf("join: marshal offer: %w", err)
	}
	local := j.transport.LocalUUID()
	for _, peer := range peers {
		if peer == local {
			continue
		}
		j.phases[peer] = PhaseOffered
		env := messaging.NewEnvelope(local, peer, messaging.TypeController, SubtypeJoinOffer, body)
		if err := j.transport.Send(env); err != nil {
			j.logger.Warn().Err(err).Str("peer", peer).Msg("join offer send failed")
		}
	}
	return nil
}

// Active reports whether an integration round is open.
func (j *Join) Active() bool { return j.active }

// HandleAnnounce answers a node-initiated announce with an offer.
func (j *Join) HandleAnnounce(env *messaging.Envelope, offer OfferPayload, now time.Time) {
	body, err := xml.Marshal(offer)
	if err != nil {
		j.logger.Error().Err(err).Msg("marshal offer")
		return
	}
	if !j.active {
		j.active = true
		j.deadline = now.Add(j.timeout)
	}
	j.phases[env.From] = PhaseOffered
	reply := messaging.NewEnvelope(j.transport.LocalUUID(), env.From, messaging.TypeController, SubtypeJoinOffer, body)
	if err := j.transport.Send(reply); err != nil {
		j.logger.Warn().Err(err).Str("peer", env.From).Msg("join offer send failed")
	}
}

// HandleRequest integrates a joiner's state and acknowledges it.
func (j *Join) HandleRequest(env *messaging.Envelope, integrator Integrator) error {
	var req RequestPayload
	if err := xml.Unmarshal(env.PayloadXML, &req); err != nil {
		return fmt.Errorf("join: parse request from %s: %w", env.From, err)
	}
	if err := integrator.IntegrateJoin(req.NodeUUID, req.StateXML); err != nil {
		return fmt.Errorf("join: integrate %s: %w", req.NodeUUID, err)
	}
	j.phases[env.From] = PhaseAcked

	ack := messaging.NewEnvelope(j.transport.LocalUUID(), env.From, messaging.TypeController, SubtypeJoinAck, nil)
	if err := j.transport.Send(ack); err != nil {
		j.logger.Warn().Err(err).Str("peer", env.From).Msg("join ack send failed")
	}
	return nil
}

// Complete reports whether every offered peer has been acked.
func (j *Join) Complete() bool {
	if !j.active {
		return false
	}
	for _, phase := range j.phases {
		if phase != PhaseAcked {
			return false
		}
	}
	return true
}

// Finish closes the round.
func (j *Join) Finish() {
	j.active = false
}

// TimedOut reports whether the round blew its deadline with peers still
// unacked.
func (j *Join) TimedOut(now time.Time) bool {
	return j.active && !j.Complete() && !now.Before(j.deadline)
}

// Announce sends the non-DC side's join announcement to the DC.
func Announce(transport messaging.Transport, dcUUID string) error {
	env := messaging.NewEnvelope(transport.LocalUUID(), dcUUID, messaging.TypeController, SubtypeJoinAnnounce, nil)
	return transport.Send(env)
}

// Request sends the non-DC side's state to the DC in reply to an offer.
func Request(transport messaging.Transport, dcUUID, uname string, state []byte) error {
	body, err := xml.Marshal(RequestPayload{
		NodeUUID: transport.LocalUUID(),
		Uname:    uname,
		StateXML: state,
	})
	if err != nil {
		return fmt.Errorf("join: marshal request: %w", err)
	}
	env := messaging.NewEnvelope(transport.LocalUUID(), dcUUID, messaging.TypeController, SubtypeJoinRequest, body)
	return transport.Send(env)
}
