package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

const txn = protocol.TxnID("A-000000000007")

var participants = []protocol.SiteID{"B", "C"}

func coord(kind decisionlog.Kind) decisionlog.Record {
	rec := decisionlog.Record{TxnID: txn, Kind: kind, Site: "A", Role: protocol.RoleCoordinator}
	if kind == decisionlog.KindBegin {
		rec.Coordinator = "A"
		rec.Participants = participants
	}
	return rec
}

func ack(peer protocol.SiteID) decisionlog.Record {
	rec := coord(decisionlog.KindAck)
	rec.Peer = peer
	return rec
}

func part(kind decisionlog.Kind) decisionlog.Record {
	rec := decisionlog.Record{TxnID: txn, Kind: kind, Site: "B", Role: protocol.RoleParticipant}
	if kind == decisionlog.KindBegin || kind == decisionlog.KindPrepared {
		rec.Coordinator = "A"
		rec.Participants = participants
	}
	return rec
}

// The full coordinator history of a committed transaction; every prefix is
// a crash point.
var coordinatorHistory = []decisionlog.Record{
	coord(decisionlog.KindBegin),
	coord(decisionlog.KindDecisionCommit),
	ack("B"),
	ack("C"),
	coord(decisionlog.KindEnd),
}

func TestCoordinatorCrashPoints(t *testing.T) {
	tests := []struct {
		name     string
		prefix   int
		want     *CoordinatorAction
		finished bool
	}{
		{name: "empty log", prefix: 0},
		{
			name:   "BEGIN only: crashed around PREPARE",
			prefix: 1,
			want:   &CoordinatorAction{TxnID: txn, Participants: participants, Decision: protocol.DecisionAbort},
		},
		{
			name:   "decision logged, no ACK",
			prefix: 2,
			want:   &CoordinatorAction{TxnID: txn, Participants: participants, Decision: protocol.DecisionCommit, Logged: true},
		},
		{
			name:   "one ACK logged",
			prefix: 3,
			want: &CoordinatorAction{TxnID: txn, Participants: participants, Decision: protocol.DecisionCommit, Logged: true,
				Acked: []protocol.SiteID{"B"}},
		},
		{
			name:   "all ACKs, END lost",
			prefix: 4,
			want: &CoordinatorAction{TxnID: txn, Participants: participants, Decision: protocol.DecisionCommit, Logged: true,
				Acked: []protocol.SiteID{"B", "C"}},
		},
		{name: "END logged", prefix: 5, finished: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Analyze("A", coordinatorHistory[:tt.prefix])

			assert.Empty(t, plan.Participants)
			if tt.want == nil {
				assert.Empty(t, plan.Coordinators)
			} else {
				require.Len(t, plan.Coordinators, 1)
				assert.Equal(t, *tt.want, plan.Coordinators[0])
			}

			if tt.finished {
				require.Len(t, plan.Finished, 1)
				assert.Equal(t, protocol.DecisionCommit, plan.Finished[0].Decision)
			} else {
				assert.Empty(t, plan.Finished)
			}
		})
	}
}

func TestParticipantCrashPoints(t *testing.T) {
	tests := []struct {
		name     string
		records  []decisionlog.Record
		resume   ParticipantResume
		decision protocol.Decision
		finished bool
	}{
		{
			name:     "BEGIN only: crashed during local prepare",
			records:  []decisionlog.Record{part(decisionlog.KindBegin)},
			resume:   AbortUnprepared,
			decision: protocol.DecisionAbort,
		},
		{
			name:     "PREPARED without vote",
			records:  []decisionlog.Record{part(decisionlog.KindBegin), part(decisionlog.KindPrepared)},
			resume:   AbortUnprepared,
			decision: protocol.DecisionAbort,
		},
		{
			name: "voted commit, no decision",
			records: []decisionlog.Record{
				part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
			},
			resume: ResumePrepared,
		},
		{
			name: "decision logged, END lost",
			records: []decisionlog.Record{
				part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
				part(decisionlog.KindDecisionCommit),
			},
			resume:   FinishDecided,
			decision: protocol.DecisionCommit,
		},
		{
			name: "voted abort, END lost",
			records: []decisionlog.Record{
				part(decisionlog.KindBegin), part(decisionlog.KindVoteAbort), part(decisionlog.KindDecisionAbort),
			},
			resume:   FinishDecided,
			decision: protocol.DecisionAbort,
		},
		{
			name: "END logged",
			records: []decisionlog.Record{
				part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
				part(decisionlog.KindDecisionAbort), part(decisionlog.KindEnd),
			},
			finished: true,
			decision: protocol.DecisionAbort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Analyze("B", tt.records)
			assert.Empty(t, plan.Coordinators)

			if tt.finished {
				assert.Empty(t, plan.Participants)
				require.Len(t, plan.Finished, 1)
				assert.Equal(t, tt.decision, plan.Finished[0].Decision)
				assert.Equal(t, protocol.RoleParticipant, plan.Finished[0].Role)
				return
			}

			require.Len(t, plan.Participants, 1)
			got := plan.Participants[0]
			assert.Equal(t, tt.resume, got.Resume, got.Resume.String())
			assert.Equal(t, tt.decision, got.Decision)
			assert.Equal(t, protocol.SiteID("A"), got.Coordinator)
			assert.Equal(t, participants, got.Participants)
		})
	}
}

func TestFinishedVote(t *testing.T) {
	plan := Analyze("B", []decisionlog.Record{
		part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
		part(decisionlog.KindDecisionCommit), part(decisionlog.KindEnd),
	})
	require.Len(t, plan.Finished, 1)
	assert.Equal(t, protocol.VoteCommit, plan.Finished[0].Vote)
}

func TestDecidedParticipantKeepsVote(t *testing.T) {
	plan := Analyze("B", []decisionlog.Record{
		part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
		part(decisionlog.KindDecisionAbort),
	})
	require.Len(t, plan.Participants, 1)
	assert.Equal(t, FinishDecided, plan.Participants[0].Resume)
	assert.Equal(t, protocol.DecisionAbort, plan.Participants[0].Decision)
	assert.Equal(t, protocol.VoteCommit, plan.Participants[0].Vote)

	plan = Analyze("B", []decisionlog.Record{
		part(decisionlog.KindBegin), part(decisionlog.KindVoteAbort), part(decisionlog.KindDecisionAbort),
	})
	require.Len(t, plan.Participants, 1)
	assert.Equal(t, protocol.VoteAbort, plan.Participants[0].Vote)
}

// Records written after END belong to a second run of the same transaction
// and must not rewrite what the first run finished with.
func TestRecordsAfterEndIgnored(t *testing.T) {
	records := []decisionlog.Record{
		part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
		part(decisionlog.KindDecisionCommit), part(decisionlog.KindEnd),
		part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
		part(decisionlog.KindDecisionAbort), part(decisionlog.KindEnd),
	}

	plan := Analyze("B", records)
	assert.Empty(t, plan.Participants)
	require.Len(t, plan.Finished, 1)
	assert.Equal(t, protocol.DecisionCommit, plan.Finished[0].Decision)
	assert.Equal(t, protocol.VoteCommit, plan.Finished[0].Vote)

	// the engine may still hold the second run prepared
	assert.Equal(t, []protocol.TxnID{txn}, plan.Orphans([]protocol.TxnID{txn}))
}

// A site can coordinate a transaction and take part in it; the two roles
// recover independently.
func TestBothRolesOnOneSite(t *testing.T) {
	self := func(rec decisionlog.Record) decisionlog.Record {
		rec.Site = "A"
		return rec
	}

	records := []decisionlog.Record{
		coord(decisionlog.KindBegin),
		self(part(decisionlog.KindBegin)),
		self(part(decisionlog.KindPrepared)),
		self(part(decisionlog.KindVoteCommit)),
	}

	plan := Analyze("A", records)
	require.Len(t, plan.Coordinators, 1)
	require.Len(t, plan.Participants, 1)

	assert.False(t, plan.Coordinators[0].Logged)
	assert.Equal(t, protocol.DecisionAbort, plan.Coordinators[0].Decision)
	assert.Equal(t, ResumePrepared, plan.Participants[0].Resume)
}

func TestNextCounter(t *testing.T) {
	records := []decisionlog.Record{
		{TxnID: "A-000000000003", Kind: decisionlog.KindBegin, Role: protocol.RoleCoordinator},
		{TxnID: "A-000000000009", Kind: decisionlog.KindBegin, Role: protocol.RoleCoordinator},
		{TxnID: "B-000000000050", Kind: decisionlog.KindBegin, Role: protocol.RoleParticipant},
		{TxnID: "A-000000000004", Kind: decisionlog.KindEnd, Role: protocol.RoleCoordinator},
	}

	assert.Equal(t, uint64(10), Analyze("A", records).NextCounter)
	assert.Equal(t, uint64(1), Analyze("A", nil).NextCounter)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	records := append([]decisionlog.Record{}, coordinatorHistory[:3]...)
	records = append(records, part(decisionlog.KindBegin))

	assert.Equal(t, Analyze("A", records), Analyze("A", records))
}

func TestOrphans(t *testing.T) {
	plan := Analyze("B", []decisionlog.Record{
		part(decisionlog.KindBegin), part(decisionlog.KindPrepared), part(decisionlog.KindVoteCommit),
	})

	orphans := plan.Orphans([]protocol.TxnID{txn, "A-000000000008", "someone-elses-gid"})
	assert.Equal(t, []protocol.TxnID{"A-000000000008"}, orphans)
}
