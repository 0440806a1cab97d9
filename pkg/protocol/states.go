package protocol

// CoordinatorState represents the state of a transaction on its originating site
type CoordinatorState string

const (
	CoordinatorInit      CoordinatorState = "INIT"
	CoordinatorWaitVotes CoordinatorState = "WAIT-VOTES"
	CoordinatorCommitted CoordinatorState = "COMMITTED"
	CoordinatorAborted   CoordinatorState = "ABORTED"
	CoordinatorDone      CoordinatorState = "DONE"
)

// ParticipantState represents the state of a transaction on a participating site
type ParticipantState string

const (
	ParticipantInit      ParticipantState = "INIT"
	ParticipantPrepared  ParticipantState = "PREPARED"
	ParticipantCommitted ParticipantState = "COMMITTED"
	ParticipantAborted   ParticipantState = "ABORTED"
	ParticipantDone      ParticipantState = "DONE"
)

// Role is the part a site plays in one transaction
type Role string

const (
	RoleCoordinator Role = "COORDINATOR"
	RoleParticipant Role = "PARTICIPANT"
)

// Vote is a participant's answer to PREPARE
type Vote string

const (
	VoteCommit Vote = "VOTE-COMMIT"
	VoteAbort  Vote = "VOTE-ABORT"
)

// Decision is the global outcome of a transaction. DecisionUnknown is only
// used in termination replies.
type Decision string

const (
	DecisionCommit  Decision = "COMMIT"
	DecisionAbort   Decision = "ABORT"
	DecisionUnknown Decision = "UNKNOWN"
)

// Outcome is what Submit reports back to the workload
type Outcome string

const (
	OutcomeCommitted Outcome = "COMMITTED"
	OutcomeAborted   Outcome = "ABORTED"
)

// OutcomeOf maps a final decision to the submit outcome.
func OutcomeOf(d Decision) Outcome {
	if d == DecisionCommit {
		return OutcomeCommitted
	}
	return OutcomeAborted
}
