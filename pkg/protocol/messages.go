package protocol

import "time"

// MessageType identifies a wire protocol message
type MessageType string

const (
	MsgPrepare          MessageType = "PREPARE"
	MsgVoteCommit       MessageType = "VOTE-COMMIT"
	MsgVoteAbort        MessageType = "VOTE-ABORT"
	MsgCommit           MessageType = "COMMIT"
	MsgAbort            MessageType = "ABORT"
	MsgAck              MessageType = "ACK"
	MsgTerminationQuery MessageType = "TERMINATION-QUERY"
	MsgTerminationReply MessageType = "TERMINATION-REPLY"
)

// Operation is one statement to run on a participant's local engine
type Operation struct {
	Site      SiteID `json:"site"`
	Statement string `json:"statement"`
}

// Message is the single envelope exchanged between daemons
type Message struct {
	ID     string      `json:"id"`
	Type   MessageType `json:"type"`
	TxnID  TxnID       `json:"txn_id"`
	Sender SiteID      `json:"sender"`

	// PREPARE payload: the fixed participant set and the receiver's operations.
	Participants []SiteID   `json:"participants,omitempty"`
	Operations   []Operation `json:"operations,omitempty"`

	// TERMINATION-REPLY payload.
	Decision Decision `json:"decision,omitempty"`
}

// VoteMessageType returns the message carrying vote v.
func VoteMessageType(v Vote) MessageType {
	if v == VoteCommit {
		return MsgVoteCommit
	}
	return MsgVoteAbort
}

// DecisionMessageType returns the message carrying decision d.
func DecisionMessageType(d Decision) MessageType {
	if d == DecisionCommit {
		return MsgCommit
	}
	return MsgAbort
}

// TransactionRequest is the workload submission: submit(operation_list, participant_set)
type TransactionRequest struct {
	Operations   []Operation `json:"operations"`
	Participants []SiteID    `json:"participants,omitempty"`
}

// TransactionResponse is the result of a submitted transaction
type TransactionResponse struct {
	TransactionID TxnID   `json:"transaction_id"`
	Outcome       Outcome `json:"outcome,omitempty"`
	Success       bool    `json:"success"`
	Error         string  `json:"error,omitempty"`
}

// HealthResponse is returned by health check endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Site    SiteID `json:"site"`
	Address string `json:"address"`
}

// TransactionStatus describes one in-flight state machine
type TransactionStatus struct {
	TransactionID TxnID     `json:"transaction_id"`
	Role          Role      `json:"role"`
	State         string    `json:"state"`
	Coordinator   SiteID    `json:"coordinator"`
	Participants  []SiteID  `json:"participants"`
	Pending       []SiteID  `json:"pending,omitempty"`
	Created       time.Time `json:"created_at"`
	Decided       time.Time `json:"decided_at,omitempty"`
}

// TransactionListResponse lists in-flight transactions of a site
type TransactionListResponse struct {
	Site         SiteID              `json:"site"`
	Transactions []TransactionStatus `json:"transactions"`
}
