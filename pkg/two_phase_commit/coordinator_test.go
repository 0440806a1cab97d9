package twophasecommit

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

const txnA1 = protocol.TxnID("A-000000000001")

func startCoordinator(h *harness, participants ...protocol.SiteID) *Coordinator {
	work := make(map[protocol.SiteID][]protocol.Operation)
	for _, p := range participants {
		work[p] = []protocol.Operation{{Site: p, Statement: "INSERT INTO readings VALUES ('" + string(p) + "')"}}
	}
	c := NewCoordinator(h.env, txnA1, participants, work)
	c.Start()
	return c
}

func decision(t *testing.T, c *Coordinator) protocol.Decision {
	t.Helper()
	select {
	case d := <-c.Decided():
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no decision")
		return ""
	}
}

// TestCoordinatorCommit covers the happy path: both participants vote
// commit, the decision is durable before COMMIT leaves, and END follows the
// last ACK.
func TestCoordinatorCommit(t *testing.T) {
	h := newHarness(t, "A", fastConfig())
	c := startCoordinator(h, "B", "C")

	prepares := h.expectSet(protocol.MsgPrepare, "B", "C")
	for _, s := range prepares {
		assert.Contains(t, s.durable, decisionlog.KindBegin, "BEGIN must be durable before PREPARE")
		assert.Equal(t, []protocol.SiteID{"B", "C"}, s.msg.Participants)
		require.Len(t, s.msg.Operations, 1)
		assert.Equal(t, s.to, s.msg.Operations[0].Site)
	}

	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B"))
	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "C"))

	assert.Equal(t, protocol.DecisionCommit, decision(t, c))
	for _, s := range h.expectSet(protocol.MsgCommit, "B", "C") {
		assert.Contains(t, s.durable, decisionlog.KindDecisionCommit, "decision must be durable before COMMIT")
	}

	c.Deliver(msg(protocol.MsgAck, txnA1, "B"))
	c.Deliver(msg(protocol.MsgAck, txnA1, "C"))

	res := h.result()
	assert.Equal(t, protocol.DecisionCommit, res.Decision)
	assert.Equal(t, protocol.RoleCoordinator, res.Role)
	<-c.Done()

	assert.Equal(t, protocol.CoordinatorDone, c.State())
	assert.Equal(t, []decisionlog.Kind{
		decisionlog.KindBegin,
		decisionlog.KindDecisionCommit,
		decisionlog.KindAck,
		decisionlog.KindAck,
		decisionlog.KindEnd,
	}, h.records(txnA1))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TransactionsFinished.WithLabelValues("COORDINATOR", "COMMITTED")))
}

func TestCoordinatorAbortVoteAbortsEveryone(t *testing.T) {
	h := newHarness(t, "A", fastConfig())
	c := startCoordinator(h, "B", "C")
	h.expectSet(protocol.MsgPrepare, "B", "C")

	c.Deliver(msg(protocol.MsgVoteAbort, txnA1, "C"))

	assert.Equal(t, protocol.DecisionAbort, decision(t, c))
	for _, s := range h.expectSet(protocol.MsgAbort, "B", "C") {
		assert.Contains(t, s.durable, decisionlog.KindDecisionAbort)
	}

	// B's commit vote arrives after the decision: it gets the decision again
	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B"))
	h.expect("B", protocol.MsgAbort)

	c.Deliver(msg(protocol.MsgAck, txnA1, "B"))
	c.Deliver(msg(protocol.MsgAck, txnA1, "C"))
	assert.Equal(t, protocol.DecisionAbort, h.result().Decision)
}

func TestCoordinatorVoteTimeoutAborts(t *testing.T) {
	cfg := fastConfig()
	cfg.VoteTimeout = 20 * time.Millisecond
	h := newHarness(t, "A", cfg)
	c := startCoordinator(h, "B", "C")
	h.expectSet(protocol.MsgPrepare, "B", "C")

	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B"))

	assert.Equal(t, protocol.DecisionAbort, decision(t, c))
	h.expectSet(protocol.MsgAbort, "B", "C")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Timeouts.WithLabelValues("vote")))
}

func TestCoordinatorResendsDecisionUntilAck(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	h := newHarness(t, "A", cfg)
	c := startCoordinator(h, "B", "C")
	h.expectSet(protocol.MsgPrepare, "B", "C")

	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B"))
	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "C"))
	decision(t, c)
	h.expectSet(protocol.MsgCommit, "B", "C")
	c.Deliver(msg(protocol.MsgAck, txnA1, "B"))

	// C stays silent: COMMIT keeps coming. B may see one resend if its
	// timer raced the ACK, never more.
	toB, toC := 0, 0
	for toC < 3 {
		s := h.next()
		require.Equal(t, protocol.MsgCommit, s.msg.Type)
		if s.to == "B" {
			toB++
			continue
		}
		toC++
	}
	assert.LessOrEqual(t, toB, 1)
	assert.Equal(t, protocol.CoordinatorCommitted, c.State())

	c.Deliver(msg(protocol.MsgAck, txnA1, "C"))
	h.result()
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.Resends.WithLabelValues("COMMIT")), 3.0)
}

func TestCoordinatorIgnoresStrangersAndDuplicates(t *testing.T) {
	h := newHarness(t, "A", fastConfig())
	c := startCoordinator(h, "B", "C")
	h.expectSet(protocol.MsgPrepare, "B", "C")

	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B"))
	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B"))
	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "Z"))
	h.expectQuiet(50 * time.Millisecond)
	assert.Equal(t, protocol.CoordinatorWaitVotes, c.State())

	status := c.Status()
	assert.Equal(t, []protocol.SiteID{"C"}, status.Pending)

	c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "C"))
	assert.Equal(t, protocol.DecisionCommit, decision(t, c))
}

func TestCoordinatorAnswersTerminationQuery(t *testing.T) {
	h := newHarness(t, "A", fastConfig())
	c := startCoordinator(h, "B", "C")
	h.expectSet(protocol.MsgPrepare, "B", "C")

	c.Deliver(msg(protocol.MsgTerminationQuery, txnA1, "B"))
	reply := h.expect("B", protocol.MsgTerminationReply)
	assert.Equal(t, protocol.DecisionUnknown, reply.msg.Decision)

	c.Deliver(msg(protocol.MsgVoteAbort, txnA1, "B"))
	decision(t, c)
	h.expectSet(protocol.MsgAbort, "B", "C")

	c.Deliver(msg(protocol.MsgTerminationQuery, txnA1, "C"))
	reply = h.expect("C", protocol.MsgTerminationReply)
	assert.Equal(t, protocol.DecisionAbort, reply.msg.Decision)
}

func TestRecoveredCoordinatorWithoutDecisionAborts(t *testing.T) {
	h := newHarness(t, "A", fastConfig())

	c := RecoveredCoordinator(h.env, txnA1, []protocol.SiteID{"B", "C"}, protocol.DecisionAbort, false, nil)
	c.Start()

	assert.Equal(t, protocol.DecisionAbort, decision(t, c))
	for _, s := range h.expectSet(protocol.MsgAbort, "B", "C") {
		assert.Contains(t, s.durable, decisionlog.KindDecisionAbort)
	}

	c.Deliver(msg(protocol.MsgAck, txnA1, "B"))
	c.Deliver(msg(protocol.MsgAck, txnA1, "C"))
	h.result()
}

func TestRecoveredCoordinatorResendsToUnacked(t *testing.T) {
	h := newHarness(t, "A", fastConfig())

	c := RecoveredCoordinator(h.env, txnA1, []protocol.SiteID{"B", "C"}, protocol.DecisionCommit, true, []protocol.SiteID{"B"})
	c.Start()

	assert.Equal(t, protocol.DecisionCommit, decision(t, c))
	h.expect("C", protocol.MsgCommit)
	h.expectQuiet(30 * time.Millisecond)

	c.Deliver(msg(protocol.MsgAck, txnA1, "C"))
	assert.Equal(t, protocol.DecisionCommit, h.result().Decision)
	assert.Equal(t, []decisionlog.Kind{decisionlog.KindAck, decisionlog.KindEnd}, h.records(txnA1))
}

func TestRecoveredCoordinatorAllAckedFinishes(t *testing.T) {
	h := newHarness(t, "A", fastConfig())

	c := RecoveredCoordinator(h.env, txnA1, []protocol.SiteID{"B"}, protocol.DecisionAbort, true, []protocol.SiteID{"B"})
	c.Start()

	assert.Equal(t, protocol.DecisionAbort, h.result().Decision)
	h.expectQuiet(20 * time.Millisecond)
}

func TestCoordinatorHaltsOnLogFailure(t *testing.T) {
	h := newHarness(t, "A", fastConfig())
	require.NoError(t, h.log.Close())

	c := startCoordinator(h, "B")
	<-c.Done()

	assert.Equal(t, 1, h.haltCount())
	h.expectQuiet(20 * time.Millisecond)
}

func TestCoordinatorStop(t *testing.T) {
	h := newHarness(t, "A", fastConfig())
	c := startCoordinator(h, "B")
	h.expect("B", protocol.MsgPrepare)

	c.Stop()
	assert.False(t, c.Deliver(msg(protocol.MsgVoteCommit, txnA1, "B")))
	assert.Equal(t, protocol.CoordinatorWaitVotes, c.State())
}
