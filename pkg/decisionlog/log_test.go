package decisionlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

func openTestLog(t *testing.T, path string, batch int) *FileLog {
	t.Helper()
	l, err := Open(path, Options{
		FlushBatch:    batch,
		FlushInterval: time.Hour,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return l
}

func beginRecord(txn protocol.TxnID) Record {
	return Record{
		TxnID:        txn,
		Kind:         KindBegin,
		Site:         "A",
		Role:         protocol.RoleCoordinator,
		Coordinator:  "A",
		Participants: []protocol.SiteID{"A", "B"},
	}
}

func TestAppendAssignsIncreasingSeq(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "decision.log"), 100)
	defer l.Close()

	s1, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)
	s2, err := l.Append(Record{TxnID: "A-000000000001", Kind: KindDecisionCommit, Site: "A", Role: protocol.RoleCoordinator})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(2), l.LastSeq())
	assert.Equal(t, uint64(0), l.FlushedSeq())
}

func TestFlushMakesRecordsDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l := openTestLog(t, path, 100)

	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)

	onDisk, err := ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, onDisk)

	require.NoError(t, l.Flush())
	assert.Equal(t, uint64(1), l.FlushedSeq())

	onDisk, err = ReadFile(path)
	require.NoError(t, err)
	require.Len(t, onDisk, 1)
	assert.Equal(t, KindBegin, onDisk[0].Kind)
	assert.Equal(t, []protocol.SiteID{"A", "B"}, onDisk[0].Participants)
	require.NoError(t, l.Close())
}

func TestBatchFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l := openTestLog(t, path, 2)
	defer l.Close()

	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), l.FlushedSeq())

	_, err = l.Append(beginRecord("A-000000000002"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), l.FlushedSeq())
}

func TestIntervalFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l, err := Open(path, Options{FlushBatch: 1000, FlushInterval: 5 * time.Millisecond, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return l.FlushedSeq() == 1 }, time.Second, 5*time.Millisecond)
}

func TestAbandonLosesUnflushedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l := openTestLog(t, path, 100)

	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	_, err = l.Append(Record{TxnID: "A-000000000001", Kind: KindDecisionCommit, Site: "A", Role: protocol.RoleCoordinator})
	require.NoError(t, err)
	l.Abandon()

	reopened := openTestLog(t, path, 100)
	defer reopened.Close()

	records, err := reopened.Replay(nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, KindBegin, records[0].Kind)
	assert.Equal(t, uint64(1), reopened.LastSeq())

	seq, err := reopened.Append(beginRecord("A-000000000002"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestReplayFilters(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "decision.log"), 1)
	defer l.Close()

	for _, id := range []protocol.TxnID{"A-000000000001", "A-000000000002", "A-000000000001"} {
		_, err := l.Append(beginRecord(id))
		require.NoError(t, err)
	}

	records, err := l.Replay(func(r Record) bool { return r.TxnID == "A-000000000001" })
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Seq)
	assert.Equal(t, uint64(3), records[1].Seq)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l := openTestLog(t, path, 1)
	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	good, err := os.Stat(path)
	require.NoError(t, err)

	frame, err := encodeFrame(beginRecord("A-000000000002"))
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write(frame[:len(frame)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openTestLog(t, path, 1)
	defer reopened.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good.Size(), info.Size())

	records, err := reopened.Replay(nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestOpenRejectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l := openTestLog(t, path, 1)
	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)
	_, err = l.Append(beginRecord("A-000000000002"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = Open(path, Options{Logger: zaptest.NewLogger(t)})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClosedLogRejectsAppends(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "decision.log"), 1)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append(beginRecord("A-000000000001"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Flush(), ErrClosed)
}

func TestFailureIsSticky(t *testing.T) {
	l := openTestLog(t, filepath.Join(t.TempDir(), "decision.log"), 100)
	defer l.Abandon()

	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)

	// closing the descriptor underneath forces the next sync to fail
	require.NoError(t, l.file.Close())

	assert.ErrorIs(t, l.Flush(), ErrFailed)
	_, err = l.Append(beginRecord("A-000000000002"))
	assert.ErrorIs(t, err, ErrFailed)
}

func TestOversizedRecordRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decision.log")
	l := openTestLog(t, path, 1)

	_, err := l.Append(beginRecord("A-000000000001"))
	require.NoError(t, err)

	huge := beginRecord("A-000000000002")
	huge.Participants = []protocol.SiteID{protocol.SiteID(strings.Repeat("x", maxFrameSize))}
	_, err = l.Append(huge)
	require.ErrorIs(t, err, ErrRecordTooLarge)
	assert.Equal(t, uint64(1), l.LastSeq())

	// the log stays usable and nothing unreadable reached the file
	seq, err := l.Append(beginRecord("A-000000000003"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	require.NoError(t, l.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, protocol.TxnID("A-000000000003"), records[1].TxnID)
}

func TestKindDecision(t *testing.T) {
	d, ok := KindDecisionCommit.Decision()
	assert.True(t, ok)
	assert.Equal(t, protocol.DecisionCommit, d)

	_, ok = KindPrepared.Decision()
	assert.False(t, ok)

	assert.Equal(t, KindDecisionAbort, DecisionKind(protocol.DecisionAbort))
}
