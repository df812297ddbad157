package election

import (
	"time"

	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/messaging"
	"github.com/rs/zerolog"
)

// Message subtypes used by the election and join protocol.
const (
	SubtypeVote         = "vote"
	SubtypeNoVote       = "no-vote"
	SubtypeJoinAnnounce = "join_announce"
	SubtypeJoinOffer    = "join_offer"
	SubtypeJoinRequest  = "join_request"
	SubtypeJoinAck      = "join_ack"
)

// Outcome is the result of an election round.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeWon
	OutcomeLost
)

// Election implements lowest-uuid-wins DC election. A node announces
// candidacy to every peer; any peer with a strictly lower uuid vetoes.
// If no veto arrives before the deadline, the candidate wins. Ties are
// impossible: uuids are unique by construction.
type Election struct {
	logger    zerolog.Logger
	transport messaging.Transport
	timeout   time.Duration

	inProgress bool
	vetoed     bool
	deadline   time.Time
}

// New creates an election driver for one node.
func New(transport messaging.Transport, timeout time.Duration) *Election {
	return &Election{
		logger:    log.WithComponent("election"),
		transport: transport,
		timeout:   timeout,
	}
}

// InProgress reports whether a round is open.
func (e *Election) InProgress() bool { return e.inProgress }

// Start opens a round: candidacy goes to every peer and the veto window
// begins.
func (e *Election) Start(now time.Time) {
	e.inProgress = true
	e.vetoed = false
	e.deadline = now.Add(e.timeout)
	e.logger.Info().Str("uuid", e.transport.LocalUUID()).Msg("announcing candidacy")

	env := messaging.NewEnvelope(e.transport.LocalUUID(), "", messaging.TypeController, SubtypeVote, nil)
	if err := e.transport.Send(env); err != nil {
		e.logger.Warn().Err(err).Msg("candidacy broadcast failed")
	}
}

// HandleMessage processes an election envelope. Vote handling is where
// lowest-uuid-wins lives: a candidacy from a higher uuid draws our
// veto, a candidacy from a lower uuid ends our own hopes.
func (e *Election) HandleMessage(env *messaging.Envelope, now time.Time) {
	local := e.transport.LocalUUID()
	switch env.Subtype {
	case SubtypeVote:
		if local < env.From {
			veto := messaging.NewEnvelope(local, env.From, messaging.TypeController, SubtypeNoVote, nil)
			if err := e.transport.Send(veto); err != nil {
				e.logger.Warn().Err(err).Str("peer", env.From).Msg("veto send failed")
			}
		} else if env.From < local && e.inProgress {
			e.vetoed = true
		}
	case SubtypeNoVote:
		if e.inProgress {
			e.vetoed = true
		}
	}
}

// Tick resolves the round once the veto window closes.
func (e *Election) Tick(now time.Time) Outcome {
	if !e.inProgress || now.Before(e.deadline) {
		return OutcomePending
	}
	e.inProgress = false
	if e.vetoed {
		e.logger.Info().Msg("election lost")
		return OutcomeLost
	}
	e.logger.Info().Msg("election won")
	return OutcomeWon
}
