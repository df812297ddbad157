package controller

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/pacegrid/pacegrid/pkg/cib"
	"github.com/pacegrid/pacegrid/pkg/election"
	"github.com/pacegrid/pacegrid/pkg/events"
	"github.com/pacegrid/pacegrid/pkg/executor"
	"github.com/pacegrid/pacegrid/pkg/exitcode"
	"github.com/pacegrid/pacegrid/pkg/graph"
	"github.com/pacegrid/pacegrid/pkg/log"
	"github.com/pacegrid/pacegrid/pkg/messaging"
	"github.com/pacegrid/pacegrid/pkg/metrics"
	"github.com/pacegrid/pacegrid/pkg/scheduler"
	"github.com/pacegrid/pacegrid/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes one controller daemon.
type Config struct {
	NodeUUID string
	NodeName string

	ElectionTimeout time.Duration
	JoinTimeout     time.Duration
	TickInterval    time.Duration
}

func (c *Config) withDefaults() {
	if c.ElectionTimeout <= 0 {
		c.ElectionTimeout = 2 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
}

type memberEvent struct {
	uuid   string
	joined bool
}

type actionResultEvent struct {
	actionID int
	rc       int
}

// Controller is the per-node daemon context: the FSM plus every
// collaborator, driven by a single event loop. No state is process
// global except the logger.
type Controller struct {
	cfg       Config
	logger    zerolog.Logger
	fsm       *FSM
	store     cib.Store
	transport messaging.Transport
	election  *election.Election
	join      *election.Join
	exec      *executor.Executor
	agent     executor.LocalRunner

	// inputQueue holds FSM inputs raised while processing; it keeps
	// the loop single-threaded with no hidden stack.
	inputQueue  []Input
	resultQueue []actionResultEvent

	memberCh chan memberEvent
	stopCh   chan struct{}

	dcUUID       string
	peers        map[string]bool // uuid -> online
	transitionID int
	pendingGraph *graph.Graph
	fatal        bool
	exitCode     int
	terminated   bool

	now func() time.Time
}

// New wires a controller. agent may be nil, in which case actions
// targeting this node complete successfully without an agent (useful
// for sanity runs and tests).
func New(cfg Config, store cib.Store, transport messaging.Transport, agent executor.LocalRunner) *Controller {
	cfg.withDefaults()
	c := &Controller{
		cfg:       cfg,
		logger:    log.WithComponent("controller"),
		fsm:       NewFSM(),
		store:     store,
		transport: transport,
		election:  election.New(transport, cfg.ElectionTimeout),
		join:      election.NewJoin(transport, cfg.JoinTimeout),
		memberCh:  make(chan memberEvent, 32),
		stopCh:    make(chan struct{}),
		peers:     make(map[string]bool),
		now:       time.Now,
	}
	if agent == nil {
		agent = &selfConfirmingRunner{c: c}
	}
	c.agent = agent
	c.exec = executor.New(cfg.NodeUUID, agent, &peerDispatcher{c: c}, &execDelegate{c: c})
	return c
}

// NodeJoined reports a peer appearing in the membership.
func (c *Controller) NodeJoined(uuid string) {
	c.memberCh <- memberEvent{uuid: uuid, joined: true}
}

// NodeLeft reports a peer dropping out of the membership.
func (c *Controller) NodeLeft(uuid string) {
	c.memberCh <- memberEvent{uuid: uuid, joined: false}
}

// Shutdown asks the loop to drain and exit.
func (c *Controller) Shutdown() {
	close(c.stopCh)
}

// IsDC reports whether this node currently holds the DC role.
func (c *Controller) IsDC() bool {
	return c.dcUUID != "" && c.dcUUID == c.cfg.NodeUUID
}

// State exposes the FSM state.
func (c *Controller) State() State { return c.fsm.State() }

// Run drives the event loop until termination and returns the process
// exit code. Events from one source are handled in arrival order;
// sources interleave at loop granularity.
func (c *Controller) Run() int {
	cibSub := c.store.Subscribe()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	c.feed(InputStartup)
	c.process()

	for !c.terminated {
		select {
		case env, ok := <-c.transport.Inbox():
			if ok {
				c.handleEnvelope(env)
			}
		case ev, ok := <-cibSub:
			if ok && ev.Type == events.EventCIBUpdated {
				c.feed(InputCIBUpdate)
			}
		case m := <-c.memberCh:
			c.handleMember(m)
		case <-ticker.C:
			c.tick()
		case <-c.stopCh:
			c.stopCh = nil
			c.feed(InputShutdown)
		}
		c.process()
	}
	return c.exitCode
}

// feed queues an FSM input for the current processing round.
func (c *Controller) feed(input Input) {
	c.inputQueue = append(c.inputQueue, input)
}

func (c *Controller) enqueueResult(actionID, rc int) {
	c.resultQueue = append(c.resultQueue, actionResultEvent{actionID: actionID, rc: rc})
}

// process drains queued inputs and action results until quiescent.
func (c *Controller) process() {
	for len(c.inputQueue) > 0 || len(c.resultQueue) > 0 {
		if len(c.resultQueue) > 0 {
			r := c.resultQueue[0]
			c.resultQueue = c.resultQueue[1:]
			c.exec.HandleResult(r.actionID, r.rc, c.now())
			continue
		}
		input := c.inputQueue[0]
		c.inputQueue = c.inputQueue[1:]
		c.apply(input)
	}
}

// apply fires one input through the FSM and runs its action set.
func (c *Controller) apply(input Input) {
	prev := c.fsm.State()
	t, err := c.fsm.Fire(input)
	if err != nil {
		c.logger.Error().Err(err).Str("input", string(input)).Msg("fsm error")
	}
	if prev != t.Next {
		c.logger.Info().
			Str("input", string(input)).
			Str("from", string(prev)).
			Str("to", string(t.Next)).
			Msg("state transition")
		metrics.SetFSMState(AllStates, string(t.Next))
	}
	for _, action := range t.ordered() {
		c.dispatchAction(action, input)
	}
}

// dispatchAction runs one side effect of a transition.
func (c *Controller) dispatchAction(action ActionID, input Input) {
	now := c.now()
	switch action {
	case ActionLog:
		// Transition logging happens in apply.

	case ActionStartup:
		c.feed(InputElection)

	case ActionElectionVote:
		c.election.Start(now)

	case ActionDCTakeover:
		c.dcUUID = c.cfg.NodeUUID
		metrics.IsDC.Set(1)
		c.logger.Info().Msg("taking over as DC")

	case ActionDCRelease:
		if c.IsDC() {
			c.dcUUID = ""
		}
		metrics.IsDC.Set(0)

	case ActionJoinOfferAll:
		c.offerJoins(now)

	case ActionJoinAnnounce:
		if c.dcUUID != "" && !c.IsDC() {
			if err := election.Announce(c.transport, c.dcUUID); err != nil {
				c.logger.Warn().Err(err).Msg("join announce failed")
			}
		}

	case ActionJoinResult:
		// The request itself was integrated in handleEnvelope.

	case ActionPEInvoke:
		c.invokePolicyEngine(now)

	case ActionTEInvoke:
		if c.pendingGraph == nil {
			c.feed(InputError)
			return
		}
		g := c.pendingGraph
		c.pendingGraph = nil
		c.exec.Begin(g, now)

	case ActionTECancel:
		c.exec.Abort(abortSource(input))

	case ActionShutdownReq:
		if c.dcUUID != "" && !c.IsDC() {
			env := messaging.NewEnvelope(c.cfg.NodeUUID, c.dcUUID, messaging.TypeController, "shutdown", nil)
			if err := c.transport.Send(env); err != nil {
				c.logger.Warn().Err(err).Msg("shutdown notice failed")
			}
		}

	case ActionRecover:
		c.pendingGraph = nil
		if c.IsDC() {
			c.dcUUID = ""
			metrics.IsDC.Set(0)
		}

	case ActionExit0:
		c.exitCode = exitcode.OK
		c.terminated = true

	case ActionExit1:
		c.exitCode = exitcode.Software
		c.terminated = true
	}
}

func abortSource(input Input) executor.AbortSource {
	switch input {
	case InputCIBUpdate:
		return executor.AbortCIBChange
	case InputNodeLeft:
		return executor.AbortMembership
	case InputFail:
		return executor.AbortActionFailed
	default:
		return executor.AbortOperator
	}
}

// offerJoins opens an integration round with every online peer at the
// current CIB epoch.
func (c *Controller) offerJoins(now time.Time) {
	doc, err := c.store.Load()
	if err != nil {
		c.logger.Error().Err(err).Msg("cib load for join offer")
		c.feed(InputError)
		return
	}
	ep := doc.Epochs()
	offer := election.OfferPayload{AdminEpoch: ep.AdminEpoch, Epoch: ep.Epoch, NumUpdates: ep.NumUpdates}

	var online []string
	for uuid, ok := range c.peers {
		if ok {
			online = append(online, uuid)
		}
	}
	if err := c.join.Begin(online, offer, now); err != nil {
		c.logger.Error().Err(err).Msg("join round failed to open")
		c.feed(InputError)
	}
}

// invokePolicyEngine runs the scheduler against the current CIB and
// live membership. DC only by construction: the FSM enters
// S_POLICY_ENGINE on no other path.
func (c *Controller) invokePolicyEngine(now time.Time) {
	doc, err := c.store.Load()
	if err != nil {
		c.logger.Error().Err(err).Msg("cib load failed")
		c.feed(InputError)
		return
	}

	ws, err := cib.BuildDocument(doc, c.liveNodes(), now)
	if err != nil {
		// Schema violations are fatal; surviving peers re-elect.
		c.logger.Error().Err(err).Str("kind", "schema-error").Msg("snapshot ingest failed")
		c.fatal = true
		c.feed(InputError)
		return
	}

	c.transitionID++
	g, err := scheduler.Schedule(ws, c.transitionID)
	if err != nil {
		c.logger.Error().Err(err).Msg("policy engine run failed")
		c.feed(InputError)
		return
	}
	c.pendingGraph = g
	c.feed(InputPESuccess)
}

// liveNodes derives the membership list handed to ingest. With no known
// peers the status section speaks for itself.
func (c *Controller) liveNodes() []cib.LiveNode {
	if len(c.peers) == 0 {
		return nil
	}
	live := []cib.LiveNode{{
		UUID:       c.cfg.NodeUUID,
		Name:       c.cfg.NodeName,
		Online:     true,
		Membership: types.MembershipMember,
	}}
	for uuid, online := range c.peers {
		membership := types.MembershipLost
		if online {
			membership = types.MembershipMember
		}
		live = append(live, cib.LiveNode{UUID: uuid, Online: online, Membership: membership})
	}
	return live
}

// tick advances every timer-driven collaborator.
func (c *Controller) tick() {
	now := c.now()

	switch c.election.Tick(now) {
	case election.OutcomeWon:
		c.feed(InputElectionDC)
	case election.OutcomeLost:
		c.feed(InputNotDC)
	}

	state := c.fsm.State()

	if c.IsDC() && c.join.TimedOut(now) {
		c.logger.Warn().Str("kind", "join-timeout").Msg("integration timed out, re-electing")
		c.join.Finish()
		c.feed(InputElection)
	} else if state == StateIntegration && c.join.Complete() {
		c.join.Finish()
		c.feed(InputJoinResult)
	}

	if state == StateFinalizeJoin {
		c.feed(InputPECalc)
	}

	if state == StateStopping && !c.exec.Active() {
		c.feed(InputStop)
	}

	if state == StateRecovery {
		if c.fatal {
			c.feed(InputStop)
		} else {
			c.feed(InputElection)
		}
	}

	c.exec.Tick(now)
}

func (c *Controller) handleMember(m memberEvent) {
	c.peers[m.uuid] = m.joined
	online := 0
	for _, ok := range c.peers {
		if ok {
			online++
		}
	}
	metrics.PeersTotal.WithLabelValues("member").Set(float64(online))
	metrics.PeersTotal.WithLabelValues("lost").Set(float64(len(c.peers) - online))

	if m.joined {
		c.feed(InputNodeJoin)
		return
	}
	c.exec.FailNode(m.uuid, c.now())
	if m.uuid == c.dcUUID {
		// The DC died; everyone re-elects.
		c.dcUUID = ""
		c.feed(InputElection)
		return
	}
	c.feed(InputNodeLeft)
}

// handleEnvelope routes one peer message.
func (c *Controller) handleEnvelope(env *messaging.Envelope) {
	if env.Type != messaging.TypeController {
		return
	}
	now := c.now()

	switch env.Subtype {
	case election.SubtypeVote, election.SubtypeNoVote:
		c.election.HandleMessage(env, now)

	case election.SubtypeJoinAnnounce:
		if !c.IsDC() {
			return
		}
		doc, err := c.store.Load()
		if err != nil {
			c.logger.Error().Err(err).Msg("cib load for announce")
			return
		}
		ep := doc.Epochs()
		c.join.HandleAnnounce(env, election.OfferPayload{
			AdminEpoch: ep.AdminEpoch, Epoch: ep.Epoch, NumUpdates: ep.NumUpdates,
		}, now)

	case election.SubtypeJoinOffer:
		c.dcUUID = env.From
		state, err := c.localStateXML()
		if err != nil {
			c.logger.Error().Err(err).Msg("local state for join request")
			return
		}
		if err := election.Request(c.transport, env.From, c.cfg.NodeName, state); err != nil {
			c.logger.Warn().Err(err).Msg("join request failed")
		}

	case election.SubtypeJoinRequest:
		if !c.IsDC() {
			return
		}
		if err := c.join.HandleRequest(env, c); err != nil {
			c.logger.Warn().Err(err).Msg("join integration failed")
			return
		}
		c.feed(InputJoinRequest)

	case election.SubtypeJoinAck:
		c.logger.Info().Str("dc", env.From).Msg("join acknowledged")

	case "shutdown":
		c.logger.Info().Str("peer", env.From).Msg("peer announced shutdown")

	case "action-request":
		c.handleActionRequest(env)

	case "action-result":
		var res actionResult
		if err := xml.Unmarshal(env.PayloadXML, &res); err != nil {
			c.logger.Warn().Err(err).Msg("malformed action result")
			return
		}
		c.enqueueResult(res.ID, res.RC)
	}
}

// IntegrateJoin records a joiner's authoritative state; part of the
// election.Integrator contract.
func (c *Controller) IntegrateJoin(nodeUUID string, state []byte) error {
	c.peers[nodeUUID] = true
	c.logger.Info().Str("peer", nodeUUID).Int("state_bytes", len(state)).Msg("peer state integrated")
	return nil
}

// localStateXML snapshots this node's status section for the join
// request.
func (c *Controller) localStateXML() ([]byte, error) {
	doc, err := c.store.Load()
	if err != nil {
		return nil, err
	}
	for i := range doc.Status.NodeStates {
		if doc.Status.NodeStates[i].ID == c.cfg.NodeUUID {
			return xml.Marshal(&doc.Status.NodeStates[i])
		}
	}
	return nil, nil
}

// actionRequest is the wire form of a remotely dispatched action.
type actionRequest struct {
	XMLName      xml.Name `xml:"rsc_op"`
	ID           int      `xml:"id,attr"`
	Operation    string   `xml:"operation,attr"`
	OperationKey string   `xml:"operation_key,attr"`
	OnNode       string   `xml:"on_node,attr"`
	OnNodeUUID   string   `xml:"on_node_uuid,attr"`
	TimeoutMS    int64    `xml:"timeout,attr"`
}

// actionResult is the wire form of a completion report.
type actionResult struct {
	XMLName xml.Name `xml:"rsc_op_result"`
	ID      int      `xml:"id,attr"`
	RC      int      `xml:"rc,attr"`
}

// handleActionRequest executes an action on behalf of the DC and
// reports the outcome.
func (c *Controller) handleActionRequest(env *messaging.Envelope) {
	var req actionRequest
	if err := xml.Unmarshal(env.PayloadXML, &req); err != nil {
		c.logger.Warn().Err(err).Msg("malformed action request")
		return
	}

	act := &graph.Action{
		Kind:         graph.KindRscOp,
		ID:           req.ID,
		Operation:    req.Operation,
		OperationKey: req.OperationKey,
		OnNode:       req.OnNode,
		OnNodeUUID:   req.OnNodeUUID,
		Attrs:        map[string]string{"CRM_meta_timeout": fmt.Sprintf("%d", req.TimeoutMS)},
	}
	c.agent.Run(act)

	// The self-confirming runner queues its result locally; forward
	// whatever lands there back to the requesting DC.
	for len(c.resultQueue) > 0 {
		r := c.resultQueue[0]
		c.resultQueue = c.resultQueue[1:]
		body, err := xml.Marshal(actionResult{ID: r.actionID, RC: r.rc})
		if err != nil {
			c.logger.Error().Err(err).Msg("marshal action result")
			continue
		}
		reply := messaging.NewEnvelope(c.cfg.NodeUUID, env.From, messaging.TypeController, "action-result", body)
		if err := c.transport.Send(reply); err != nil {
			c.logger.Warn().Err(err).Msg("action result send failed")
		}
	}
}

// peerDispatcher adapts the messaging transport to the executor's
// dispatch contract.
type peerDispatcher struct {
	c *Controller
}

func (p *peerDispatcher) Dispatch(nodeUUID string, act *graph.Action) error {
	timeout := int64(0)
	if v, ok := act.Attrs["CRM_meta_timeout"]; ok {
		fmt.Sscanf(v, "%d", &timeout)
	}
	body, err := xml.Marshal(actionRequest{
		ID:           act.ID,
		Operation:    act.Operation,
		OperationKey: act.OperationKey,
		OnNode:       act.OnNode,
		OnNodeUUID:   act.OnNodeUUID,
		TimeoutMS:    timeout,
	})
	if err != nil {
		return err
	}
	env := messaging.NewEnvelope(p.c.cfg.NodeUUID, nodeUUID, messaging.TypeController, "action-request", body)
	return p.c.transport.Send(env)
}

// execDelegate feeds executor outcomes back into the FSM. Outcomes
// arriving after the FSM already left the transition state are stale
// and dropped.
type execDelegate struct {
	c *Controller
}

func (d *execDelegate) TransitionDone(transitionID int, success bool) {
	if d.c.fsm.State() != StateTransitionEngine {
		return
	}
	if success {
		d.c.feed(InputTESuccess)
	} else {
		d.c.feed(InputFail)
	}
}

func (d *execDelegate) TransitionAborted(transitionID int, source executor.AbortSource) {
	d.c.logger.Warn().
		Int("transition_id", transitionID).
		Str("source", string(source)).
		Msg("transition aborted")
}

// selfConfirmingRunner completes local actions successfully without an
// agent. Sanity runs and tests use it; a real deployment wires the
// resource-agent executor proxy instead.
type selfConfirmingRunner struct {
	c *Controller
}

func (r *selfConfirmingRunner) Run(act *graph.Action) {
	r.c.enqueueResult(act.ID, 0)
}
