package twophasecommit

import (
	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/timeout"
)

// Coordinator drives a transaction originated at this site.
type Coordinator struct {
	*base

	participants []protocol.SiteID
	work         map[protocol.SiteID][]protocol.Operation
	start        func() bool

	// owned by the machine goroutine; snapshots read under base.mu
	state    protocol.CoordinatorState
	votes    map[protocol.SiteID]protocol.Vote
	acked    map[protocol.SiteID]bool
	attempts map[protocol.SiteID]int
	decision protocol.Decision

	outcome chan protocol.Decision
}

// NewCoordinator builds the machine for a fresh transaction. work holds the
// operations each participant must prepare.
func NewCoordinator(env *Env, txn protocol.TxnID, participants []protocol.SiteID, work map[protocol.SiteID][]protocol.Operation) *Coordinator {
	c := newCoordinator(env, txn, participants)
	c.work = work
	c.start = c.begin
	return c
}

// RecoveredCoordinator resumes a coordinator from the log. With a nil
// logged decision the transaction is aborted (nothing was promised yet).
// acked lists participants whose ACK is already on disk.
func RecoveredCoordinator(env *Env, txn protocol.TxnID, participants []protocol.SiteID, decision protocol.Decision, logged bool, acked []protocol.SiteID) *Coordinator {
	c := newCoordinator(env, txn, participants)
	for _, p := range acked {
		c.acked[p] = true
	}
	c.start = func() bool {
		c.logger.Info("Resuming coordinator",
			zap.String("decision", string(decision)),
			zap.Bool("logged", logged),
			zap.Int("acked", len(acked)))
		if !logged {
			return c.decide(decision)
		}
		c.decision = decision
		c.setState(decidedState(decision))
		c.markDecided()
		c.outcome <- decision
		return c.disseminate()
	}
	return c
}

func newCoordinator(env *Env, txn protocol.TxnID, participants []protocol.SiteID) *Coordinator {
	return &Coordinator{
		base:         newBase(env, txn, protocol.RoleCoordinator),
		participants: append([]protocol.SiteID(nil), participants...),
		state:        protocol.CoordinatorInit,
		votes:        make(map[protocol.SiteID]protocol.Vote),
		acked:        make(map[protocol.SiteID]bool),
		attempts:     make(map[protocol.SiteID]int),
		outcome:      make(chan protocol.Decision, 1),
	}
}

// Start launches the machine goroutine.
func (c *Coordinator) Start() {
	go c.loop(c.start, c.handle, c.expire, c.finished)
}

// Decided yields the decision once it is durable.
func (c *Coordinator) Decided() <-chan protocol.Decision {
	return c.outcome
}

func (c *Coordinator) Participants() []protocol.SiteID {
	return append([]protocol.SiteID(nil), c.participants...)
}

func (c *Coordinator) State() protocol.CoordinatorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status is a point-in-time view for operators.
func (c *Coordinator) Status() protocol.TransactionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pending []protocol.SiteID
	for _, p := range c.participants {
		switch c.state {
		case protocol.CoordinatorInit, protocol.CoordinatorWaitVotes:
			if _, voted := c.votes[p]; !voted {
				pending = append(pending, p)
			}
		default:
			if !c.acked[p] {
				pending = append(pending, p)
			}
		}
	}

	return protocol.TransactionStatus{
		TransactionID: c.txn,
		Role:          protocol.RoleCoordinator,
		State:         string(c.state),
		Coordinator:   c.env.Site,
		Participants:  c.Participants(),
		Pending:       pending,
		Created:       c.created,
		Decided:       c.decidedAt,
	}
}

func (c *Coordinator) setState(s protocol.CoordinatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Coordinator) finished() bool {
	return c.state == protocol.CoordinatorDone
}

// begin logs BEGIN durably, then sends PREPARE and arms one vote timer per
// participant. BEGIN must be on disk first so a crash after a partial
// PREPARE is resolved by recovery rather than forgotten.
func (c *Coordinator) begin() bool {
	if !c.append(decisionlog.Record{
		Kind:         decisionlog.KindBegin,
		Coordinator:  c.env.Site,
		Participants: c.participants,
	}) {
		return false
	}
	if !c.flush() {
		return false
	}

	c.setState(protocol.CoordinatorWaitVotes)
	c.logger.Debug("Sending PREPARE", zap.Int("participants", len(c.participants)))

	for _, p := range c.participants {
		c.send(p, protocol.Message{
			Type:         protocol.MsgPrepare,
			Participants: c.participants,
			Operations:   c.work[p],
		})
		c.timers.Arm(timeout.KindVote, p, c.cfg.VoteTimeout)
	}
	return true
}

func (c *Coordinator) handle(msg protocol.Message) {
	if msg.Type != protocol.MsgTerminationQuery && !contains(c.participants, msg.Sender) {
		c.logger.Warn("Message from non-participant ignored",
			zap.String("type", string(msg.Type)),
			zap.String("from", string(msg.Sender)))
		return
	}

	switch msg.Type {
	case protocol.MsgVoteCommit:
		c.onVote(msg.Sender, protocol.VoteCommit)
	case protocol.MsgVoteAbort:
		c.onVote(msg.Sender, protocol.VoteAbort)
	case protocol.MsgAck:
		c.onAck(msg.Sender)
	case protocol.MsgTerminationQuery:
		c.onTerminationQuery(msg.Sender)
	default:
		c.logger.Debug("Unexpected message", zap.String("type", string(msg.Type)))
	}
}

func (c *Coordinator) onVote(from protocol.SiteID, vote protocol.Vote) {
	if c.state != protocol.CoordinatorWaitVotes {
		// a late or repeated vote; the sender may have missed the decision
		if c.decision != "" && !c.acked[from] {
			c.sendDecision(from)
		}
		return
	}

	if _, seen := c.votes[from]; seen {
		return
	}

	c.mu.Lock()
	c.votes[from] = vote
	c.mu.Unlock()
	c.timers.Disarm(timeout.KindVote, from)

	c.logger.Debug("Vote received", zap.String("peer", string(from)), zap.String("vote", string(vote)))

	if vote == protocol.VoteAbort {
		c.decide(protocol.DecisionAbort)
		return
	}

	if len(c.votes) == len(c.participants) {
		c.decide(protocol.DecisionCommit)
	}
}

// decide makes d durable before anything announces it, then starts
// dissemination.
func (c *Coordinator) decide(d protocol.Decision) bool {
	if !c.append(decisionlog.Record{Kind: decisionlog.DecisionKind(d)}) {
		return false
	}
	if !c.flush() {
		return false
	}

	c.decision = d
	c.setState(decidedState(d))
	c.markDecided()
	c.timers.DisarmKind(timeout.KindVote)
	c.outcome <- d

	c.logger.Info("Decision logged", zap.String("decision", string(d)))
	return c.disseminate()
}

// disseminate sends the decision to every participant without an ACK and
// arms a retry timer for each. Only an ACK cancels the retries.
func (c *Coordinator) disseminate() bool {
	for _, p := range c.participants {
		if c.acked[p] {
			continue
		}
		c.sendDecision(p)
		c.timers.Arm(timeout.KindAck, p, c.backoff(c.cfg.AckTimeout).Next(0))
	}
	c.maybeDone()
	return true
}

func (c *Coordinator) sendDecision(p protocol.SiteID) {
	c.send(p, protocol.Message{Type: protocol.DecisionMessageType(c.decision)})
}

func (c *Coordinator) onAck(from protocol.SiteID) {
	if c.decision == "" || c.acked[from] {
		return
	}

	c.timers.Disarm(timeout.KindAck, from)
	if !c.append(decisionlog.Record{Kind: decisionlog.KindAck, Peer: from}) {
		return
	}

	c.mu.Lock()
	c.acked[from] = true
	c.mu.Unlock()

	c.logger.Debug("ACK received", zap.String("peer", string(from)))
	c.maybeDone()
}

func (c *Coordinator) maybeDone() {
	for _, p := range c.participants {
		if !c.acked[p] {
			return
		}
	}

	if !c.append(decisionlog.Record{Kind: decisionlog.KindEnd}) {
		return
	}

	c.setState(protocol.CoordinatorDone)
	c.logger.Info("Transaction finished", zap.String("decision", string(c.decision)))
	c.finish(c.decision, "")
}

func (c *Coordinator) onTerminationQuery(from protocol.SiteID) {
	d := c.decision
	if d == "" {
		d = protocol.DecisionUnknown
	}
	c.send(from, protocol.Message{Type: protocol.MsgTerminationReply, Decision: d})
}

func (c *Coordinator) expire(ev timeout.Event) {
	switch ev.Kind {
	case timeout.KindVote:
		if c.state != protocol.CoordinatorWaitVotes {
			return
		}
		c.env.Metrics.Timeout(string(ev.Kind))
		c.logger.Info("Vote timeout, aborting", zap.String("peer", string(ev.Peer)))
		c.decide(protocol.DecisionAbort)

	case timeout.KindAck:
		if c.acked[ev.Peer] {
			return
		}
		c.env.Metrics.Timeout(string(ev.Kind))
		c.attempts[ev.Peer]++
		delay := c.backoff(c.cfg.AckTimeout).Next(c.attempts[ev.Peer])

		c.logger.Debug("ACK timeout, resending decision",
			zap.String("peer", string(ev.Peer)),
			zap.Int("attempt", c.attempts[ev.Peer]),
			zap.Duration("next", delay))
		c.env.Metrics.Resend(string(protocol.DecisionMessageType(c.decision)))
		c.sendDecision(ev.Peer)
		c.timers.Arm(timeout.KindAck, ev.Peer, delay)
	}
}

func decidedState(d protocol.Decision) protocol.CoordinatorState {
	if d == protocol.DecisionCommit {
		return protocol.CoordinatorCommitted
	}
	return protocol.CoordinatorAborted
}
