// Package decisionlog is the per-site durable record of 2PC protocol events.
//
// Appends are buffered and made durable in batches (by record count or
// elapsed time). Callers that must not send a message before a record is on
// disk call Flush explicitly.
package decisionlog

import (
	"time"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// Kind is the protocol event a record captures
type Kind string

const (
	KindBegin          Kind = "BEGIN"
	KindPrepared       Kind = "PREPARED"
	KindVoteCommit     Kind = "VOTE-COMMIT"
	KindVoteAbort      Kind = "VOTE-ABORT"
	KindDecisionCommit Kind = "DECISION-COMMIT"
	KindDecisionAbort  Kind = "DECISION-ABORT"
	KindAck            Kind = "ACK"
	KindEnd            Kind = "END"
)

// DecisionKind returns the record kind that logs decision d.
func DecisionKind(d protocol.Decision) Kind {
	if d == protocol.DecisionCommit {
		return KindDecisionCommit
	}
	return KindDecisionAbort
}

// Decision reports the decision a DECISION-* record carries.
func (k Kind) Decision() (protocol.Decision, bool) {
	switch k {
	case KindDecisionCommit:
		return protocol.DecisionCommit, true
	case KindDecisionAbort:
		return protocol.DecisionAbort, true
	}
	return "", false
}

// Record is one log entry. Seq is assigned by Append.
type Record struct {
	Seq   uint64          `json:"seq"`
	TxnID protocol.TxnID  `json:"txn"`
	Kind  Kind            `json:"kind"`
	Site  protocol.SiteID `json:"site"`
	Role  protocol.Role   `json:"role"`

	// BEGIN and PREPARED carry the coordinator and the fixed participant set
	// so recovery knows whom to contact.
	Coordinator  protocol.SiteID   `json:"coordinator,omitempty"`
	Participants []protocol.SiteID `json:"participants,omitempty"`

	// Peer is the acknowledging participant of a coordinator ACK record.
	Peer protocol.SiteID `json:"peer,omitempty"`

	Time time.Time `json:"time"`
}

// Appender is the write side of the log used by the state machines
type Appender interface {
	Append(rec Record) (uint64, error)
	Flush() error
}
