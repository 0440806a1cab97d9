// Package recovery turns the records of a decision log into the actions a
// restarting site must take. It only reads what is on disk.
package recovery

import (
	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// CoordinatorAction resumes a coordinator that did not reach END.
type CoordinatorAction struct {
	TxnID        protocol.TxnID
	Participants []protocol.SiteID
	Decision     protocol.Decision
	// Logged is false when no decision reached the log; Decision is then
	// ABORT and must be logged before it is sent.
	Logged bool
	Acked  []protocol.SiteID
}

// ParticipantResume says how an unfinished participant continues.
type ParticipantResume int

const (
	// ResumePrepared: PREPARED and VOTE-COMMIT are durable, the decision is
	// not. The participant is uncertain and must wait.
	ResumePrepared ParticipantResume = iota
	// AbortUnprepared: no commit vote was durably promised.
	AbortUnprepared
	// FinishDecided: the decision is durable but END is not.
	FinishDecided
)

func (r ParticipantResume) String() string {
	switch r {
	case ResumePrepared:
		return "resume-prepared"
	case AbortUnprepared:
		return "abort-unprepared"
	case FinishDecided:
		return "finish-decided"
	}
	return "unknown"
}

// ParticipantAction resumes a participant that did not reach END.
type ParticipantAction struct {
	TxnID        protocol.TxnID
	Coordinator  protocol.SiteID
	Participants []protocol.SiteID
	Resume       ParticipantResume
	// Decision is set for FinishDecided (and ABORT for AbortUnprepared).
	Decision protocol.Decision
	// Vote is what the log says was sent to the coordinator.
	Vote protocol.Vote
}

// Finished is a transaction whose role reached END.
type Finished struct {
	TxnID    protocol.TxnID
	Role     protocol.Role
	Decision protocol.Decision
	Vote     protocol.Vote
}

// Plan is the outcome of Analyze.
type Plan struct {
	Coordinators []CoordinatorAction
	Participants []ParticipantAction
	Finished     []Finished
	// NextCounter is the first transaction counter this site may use.
	NextCounter uint64

	prepared map[protocol.TxnID]bool
}

type key struct {
	txn  protocol.TxnID
	role protocol.Role
}

// history is everything logged for one transaction in one role.
type history struct {
	begin      *decisionlog.Record
	prepared   *decisionlog.Record
	voteCommit bool
	voteAbort  bool
	decision   protocol.Decision
	acked      []protocol.SiteID
	end        bool
}

// Analyze computes the recovery plan of site from its log records. It is a
// pure function: the same records always give the same plan.
func Analyze(site protocol.SiteID, records []decisionlog.Record) Plan {
	var (
		order     []key
		histories = make(map[key]*history)
		maxSeen   uint64
	)

	for i := range records {
		rec := records[i]

		if origin, counter, err := protocol.ParseTxnID(rec.TxnID); err == nil && origin == site && counter > maxSeen {
			maxSeen = counter
		}

		k := key{txn: rec.TxnID, role: rec.Role}
		h, ok := histories[k]
		if !ok {
			h = &history{}
			histories[k] = h
			order = append(order, k)
		}
		// a history is closed by END; anything after it is a stray rerun
		if h.end {
			continue
		}

		switch rec.Kind {
		case decisionlog.KindBegin:
			h.begin = &rec
		case decisionlog.KindPrepared:
			h.prepared = &rec
		case decisionlog.KindVoteCommit:
			h.voteCommit = true
		case decisionlog.KindVoteAbort:
			h.voteAbort = true
		case decisionlog.KindDecisionCommit, decisionlog.KindDecisionAbort:
			h.decision, _ = rec.Kind.Decision()
		case decisionlog.KindAck:
			if !containsSite(h.acked, rec.Peer) {
				h.acked = append(h.acked, rec.Peer)
			}
		case decisionlog.KindEnd:
			h.end = true
		}
	}

	plan := Plan{
		NextCounter: maxSeen + 1,
		prepared:    make(map[protocol.TxnID]bool),
	}

	for _, k := range order {
		h := histories[k]
		switch k.role {
		case protocol.RoleCoordinator:
			plan.addCoordinator(k.txn, h)
		case protocol.RoleParticipant:
			plan.addParticipant(k.txn, h)
		}
	}

	return plan
}

func (p *Plan) addCoordinator(txn protocol.TxnID, h *history) {
	if h.end {
		p.Finished = append(p.Finished, Finished{TxnID: txn, Role: protocol.RoleCoordinator, Decision: h.decision})
		return
	}

	// without BEGIN nothing is known about the participants, so nothing
	// could have been sent
	if h.begin == nil {
		return
	}

	action := CoordinatorAction{
		TxnID:        txn,
		Participants: h.begin.Participants,
		Decision:     protocol.DecisionAbort,
	}
	if h.decision != "" {
		action.Decision = h.decision
		action.Logged = true
		action.Acked = h.acked
	}
	p.Coordinators = append(p.Coordinators, action)
}

func (p *Plan) addParticipant(txn protocol.TxnID, h *history) {
	vote := protocol.VoteAbort
	if h.voteCommit {
		vote = protocol.VoteCommit
	}

	if h.end {
		p.Finished = append(p.Finished, Finished{
			TxnID:    txn,
			Role:     protocol.RoleParticipant,
			Decision: h.decision,
			Vote:     vote,
		})
		return
	}

	// a finished history holds nothing in the engine, so only unfinished
	// ones protect a prepared transaction from orphan cleanup
	if h.prepared != nil {
		p.prepared[txn] = true
	}

	action := ParticipantAction{TxnID: txn, Vote: vote}
	switch src := h.prepared; {
	case src != nil:
		action.Coordinator = src.Coordinator
		action.Participants = src.Participants
	case h.begin != nil:
		action.Coordinator = h.begin.Coordinator
		action.Participants = h.begin.Participants
	}
	if action.Coordinator == "" {
		action.Coordinator = txn.Origin()
	}

	switch {
	case h.decision != "":
		action.Resume = FinishDecided
		action.Decision = h.decision
	case h.prepared != nil && h.voteCommit && !h.voteAbort:
		action.Resume = ResumePrepared
	default:
		action.Resume = AbortUnprepared
		action.Decision = protocol.DecisionAbort
	}
	p.Participants = append(p.Participants, action)
}

// Orphans returns the engine-prepared transactions the log never promised a
// vote for. They are safe to roll back. Ids that are not transaction ids of
// this system are left alone.
func (p Plan) Orphans(enginePrepared []protocol.TxnID) []protocol.TxnID {
	var orphans []protocol.TxnID
	for _, txn := range enginePrepared {
		if _, _, err := protocol.ParseTxnID(txn); err != nil {
			continue
		}
		if p.prepared[txn] {
			continue
		}
		orphans = append(orphans, txn)
	}
	return orphans
}

func containsSite(sites []protocol.SiteID, site protocol.SiteID) bool {
	for _, s := range sites {
		if s == site {
			return true
		}
	}
	return false
}
