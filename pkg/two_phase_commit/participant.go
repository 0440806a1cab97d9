package twophasecommit

import (
	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/timeout"
)

// Participant answers a PREPARE from a coordinator and applies its decision.
type Participant struct {
	*base

	coordinator  protocol.SiteID
	participants []protocol.SiteID
	statements   []string
	start        func() bool

	state    protocol.ParticipantState
	vote     protocol.Vote
	decision protocol.Decision
	queries  int
	inDoubt  bool
}

// NewParticipant builds the machine for a PREPARE received from the
// coordinator.
func NewParticipant(env *Env, prepare protocol.Message) *Participant {
	p := newParticipant(env, prepare.TxnID, prepare.Sender, prepare.Participants)
	for _, op := range prepare.Operations {
		if op.Site == "" || op.Site == env.Site {
			p.statements = append(p.statements, op.Statement)
		}
	}
	p.start = p.prepare
	return p
}

// RecoveredParticipant resumes a participant whose PREPARED and VOTE-COMMIT
// records are on disk but whose decision is not.
func RecoveredParticipant(env *Env, txn protocol.TxnID, coordinator protocol.SiteID, participants []protocol.SiteID) *Participant {
	p := newParticipant(env, txn, coordinator, participants)
	p.start = func() bool {
		p.logger.Info("Resuming prepared participant", zap.String("coordinator", string(coordinator)))
		p.vote = protocol.VoteCommit
		p.setState(protocol.ParticipantPrepared)
		// the vote may never have left before the crash
		p.send(p.coordinator, protocol.Message{Type: protocol.MsgVoteCommit})
		p.armUncertainty()
		return true
	}
	return p
}

func newParticipant(env *Env, txn protocol.TxnID, coordinator protocol.SiteID, participants []protocol.SiteID) *Participant {
	return &Participant{
		base:         newBase(env, txn, protocol.RoleParticipant),
		coordinator:  coordinator,
		participants: append([]protocol.SiteID(nil), participants...),
		state:        protocol.ParticipantInit,
	}
}

func (p *Participant) Start() {
	go p.loop(p.start, p.handle, p.expire, p.finished)
}

func (p *Participant) Coordinator() protocol.SiteID {
	return p.coordinator
}

func (p *Participant) State() protocol.ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Participant) Status() protocol.TransactionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pending []protocol.SiteID
	if p.state == protocol.ParticipantPrepared {
		pending = []protocol.SiteID{p.coordinator}
	}

	return protocol.TransactionStatus{
		TransactionID: p.txn,
		Role:          protocol.RoleParticipant,
		State:         string(p.state),
		Coordinator:   p.coordinator,
		Participants:  append([]protocol.SiteID(nil), p.participants...),
		Pending:       pending,
		Created:       p.created,
		Decided:       p.decidedAt,
	}
}

func (p *Participant) setState(s protocol.ParticipantState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Participant) finished() bool {
	return p.state == protocol.ParticipantDone
}

// prepare runs the local work and votes. A commit vote is sent only after
// PREPARED and VOTE-COMMIT are on disk.
func (p *Participant) prepare() bool {
	if !p.append(decisionlog.Record{
		Kind:         decisionlog.KindBegin,
		Coordinator:  p.coordinator,
		Participants: p.participants,
	}) {
		return false
	}

	if err := p.env.RM.Prepare(p.ctx, p.txn, p.statements); err != nil {
		p.logger.Info("Local prepare failed, voting abort", zap.Error(err))
		return p.voteAbort()
	}

	if !p.append(decisionlog.Record{
		Kind:         decisionlog.KindPrepared,
		Coordinator:  p.coordinator,
		Participants: p.participants,
	}) {
		return false
	}
	if !p.append(decisionlog.Record{Kind: decisionlog.KindVoteCommit}) {
		return false
	}
	if !p.flush() {
		return false
	}

	p.vote = protocol.VoteCommit
	p.setState(protocol.ParticipantPrepared)
	p.send(p.coordinator, protocol.Message{Type: protocol.MsgVoteCommit})
	p.armUncertainty()

	p.logger.Debug("Prepared, voted commit")
	return true
}

// voteAbort is the only unilateral exit: nothing was promised yet. The
// transaction is finished locally; a later ABORT is acknowledged by the site.
func (p *Participant) voteAbort() bool {
	if !p.append(decisionlog.Record{Kind: decisionlog.KindVoteAbort}) {
		return false
	}
	if !p.append(decisionlog.Record{Kind: decisionlog.KindDecisionAbort}) {
		return false
	}
	if !p.flush() {
		return false
	}

	p.vote = protocol.VoteAbort
	p.decision = protocol.DecisionAbort
	p.setState(protocol.ParticipantAborted)
	p.markDecided()
	p.send(p.coordinator, protocol.Message{Type: protocol.MsgVoteAbort})

	if err := p.env.RM.Rollback(p.ctx, p.txn); err != nil {
		p.logger.Warn("Rollback after failed prepare", zap.Error(err))
	}

	if !p.append(decisionlog.Record{Kind: decisionlog.KindEnd}) {
		return false
	}
	p.setState(protocol.ParticipantDone)
	p.finish(protocol.DecisionAbort, protocol.VoteAbort)
	return true
}

func (p *Participant) armUncertainty() {
	p.timers.Arm(timeout.KindTermination, "", p.cfg.TerminationQueryAfter)
	p.timers.Arm(timeout.KindInDoubt, "", p.cfg.InDoubtReportAfter)
}

func (p *Participant) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.MsgPrepare:
		// duplicate: repeat the vote already given, never re-execute
		if p.vote != "" {
			p.send(p.coordinator, protocol.Message{Type: protocol.VoteMessageType(p.vote)})
		}
	case protocol.MsgCommit:
		p.apply(protocol.DecisionCommit)
	case protocol.MsgAbort:
		p.apply(protocol.DecisionAbort)
	case protocol.MsgTerminationReply:
		if msg.Decision == protocol.DecisionCommit || msg.Decision == protocol.DecisionAbort {
			p.logger.Info("Decision learned from termination reply",
				zap.String("from", string(msg.Sender)),
				zap.String("decision", string(msg.Decision)))
			p.apply(msg.Decision)
		}
	case protocol.MsgTerminationQuery:
		// still uncertain, or we would not be running
		d := p.decision
		if d == "" {
			d = protocol.DecisionUnknown
		}
		p.send(msg.Sender, protocol.Message{Type: protocol.MsgTerminationReply, Decision: d})
	default:
		p.logger.Debug("Unexpected message", zap.String("type", string(msg.Type)))
	}
}

// apply finalizes the local transaction. The decision is flushed before the
// ACK so the coordinator never forgets a transaction this site could still
// consider undecided.
func (p *Participant) apply(d protocol.Decision) {
	if p.state != protocol.ParticipantPrepared {
		return
	}

	var err error
	if d == protocol.DecisionCommit {
		err = p.env.RM.Commit(p.ctx, p.txn)
	} else {
		err = p.env.RM.Rollback(p.ctx, p.txn)
	}
	if err != nil {
		// no ACK: the coordinator keeps resending until this succeeds
		p.logger.Warn("Applying decision failed, awaiting retry",
			zap.String("decision", string(d)),
			zap.Error(err))
		return
	}

	if !p.append(decisionlog.Record{Kind: decisionlog.DecisionKind(d)}) {
		return
	}
	if !p.append(decisionlog.Record{Kind: decisionlog.KindEnd}) {
		return
	}
	if !p.flush() {
		return
	}

	p.decision = d
	p.markDecided()
	if d == protocol.DecisionCommit {
		p.setState(protocol.ParticipantCommitted)
	} else {
		p.setState(protocol.ParticipantAborted)
	}

	if p.inDoubt {
		p.env.Metrics.InDoubtDec()
	}

	p.send(p.coordinator, protocol.Message{Type: protocol.MsgAck})
	p.setState(protocol.ParticipantDone)
	p.logger.Info("Transaction finished", zap.String("decision", string(d)))
	p.finish(d, p.vote)
}

func (p *Participant) expire(ev timeout.Event) {
	if p.state != protocol.ParticipantPrepared {
		return
	}

	switch ev.Kind {
	case timeout.KindTermination:
		p.env.Metrics.Timeout(string(ev.Kind))
		asked := 0
		for _, peer := range p.peers() {
			if !p.env.alive(peer) {
				continue
			}
			p.send(peer, protocol.Message{Type: protocol.MsgTerminationQuery})
			asked++
		}
		p.queries++
		delay := p.backoff(p.cfg.TerminationQueryAfter).Next(p.queries)
		p.logger.Debug("Still uncertain, sent termination queries",
			zap.Int("asked", asked),
			zap.Duration("next", delay))
		p.timers.Arm(timeout.KindTermination, "", delay)

	case timeout.KindInDoubt:
		p.env.Metrics.Timeout(string(ev.Kind))
		p.env.Metrics.InDoubtInc()
		p.inDoubt = true
		p.logger.Warn("Participant in doubt: prepared without a decision",
			zap.String("coordinator", string(p.coordinator)),
			zap.Duration("after", p.cfg.InDoubtReportAfter))
	}
}

// peers is the coordinator followed by the other participants.
func (p *Participant) peers() []protocol.SiteID {
	peers := []protocol.SiteID{p.coordinator}
	for _, s := range p.participants {
		if s != p.env.Site && s != p.coordinator {
			peers = append(peers, s)
		}
	}
	return peers
}
