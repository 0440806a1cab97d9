package twophasecommit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baxromumarov/sensor-2pc/pkg/decisionlog"
	"github.com/baxromumarov/sensor-2pc/pkg/metrics"
	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
	"github.com/baxromumarov/sensor-2pc/pkg/resource"
)

// sent is one captured message with the log kinds on disk when it left.
type sent struct {
	to      protocol.SiteID
	msg     protocol.Message
	durable []decisionlog.Kind
}

type recorder struct {
	path string
	ch   chan sent
}

func (r *recorder) Send(_ context.Context, to protocol.SiteID, msg protocol.Message) error {
	records, _ := decisionlog.ReadFile(r.path)
	kinds := make([]decisionlog.Kind, 0, len(records))
	for _, rec := range records {
		kinds = append(kinds, rec.Kind)
	}
	r.ch <- sent{to: to, msg: msg, durable: kinds}
	return nil
}

type harness struct {
	t        *testing.T
	log      *decisionlog.FileLog
	rm       *resource.Memory
	rec      *recorder
	metrics  *metrics.Metrics
	env      *Env
	finished chan Result

	mu     sync.Mutex
	halted []error
	alive  map[protocol.SiteID]bool
}

func fastConfig() Config {
	return Config{
		VoteTimeout:           time.Second,
		AckTimeout:            time.Second,
		MaxBackoff:            time.Second,
		TerminationQueryAfter: time.Hour,
		InDoubtReportAfter:    time.Hour,
		MessageTimeout:        time.Second,
	}
}

func newHarness(t *testing.T, site protocol.SiteID, cfg Config) *harness {
	t.Helper()

	path := filepath.Join(t.TempDir(), "decision.log")
	l, err := decisionlog.Open(path, decisionlog.Options{
		FlushBatch:    1000,
		FlushInterval: time.Hour,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	h := &harness{
		t:        t,
		log:      l,
		rm:       resource.NewMemory(),
		rec:      &recorder{path: path, ch: make(chan sent, 256)},
		metrics:  metrics.New(),
		finished: make(chan Result, 8),
		alive:    make(map[protocol.SiteID]bool),
	}

	h.env = &Env{
		Site:    site,
		Log:     l,
		RM:      h.rm,
		Sender:  h.rec,
		Logger:  zaptest.NewLogger(t),
		Metrics: h.metrics,
		Config:  cfg,
		Halt: func(err error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.halted = append(h.halted, err)
		},
		Alive: func(s protocol.SiteID) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			alive, known := h.alive[s]
			return !known || alive
		},
		// sends run inline so captured log state is exact
		Go:       func(fn func()) { fn() },
		OnFinish: func(res Result) { h.finished <- res },
	}

	t.Cleanup(func() { l.Close() })
	return h
}

func (h *harness) setAlive(site protocol.SiteID, alive bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alive[site] = alive
}

func (h *harness) haltCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.halted)
}

// next returns the next captured message.
func (h *harness) next() sent {
	h.t.Helper()
	select {
	case s := <-h.rec.ch:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("no message sent")
		return sent{}
	}
}

// expect returns the next message and checks its destination and type.
func (h *harness) expect(to protocol.SiteID, typ protocol.MessageType) sent {
	h.t.Helper()
	s := h.next()
	require.Equal(h.t, to, s.to, "destination of %s", s.msg.Type)
	require.Equal(h.t, typ, s.msg.Type, "message to %s", s.to)
	return s
}

// expectSet reads len(to) messages of typ, in any destination order.
func (h *harness) expectSet(typ protocol.MessageType, to ...protocol.SiteID) []sent {
	h.t.Helper()
	want := make(map[protocol.SiteID]bool, len(to))
	for _, s := range to {
		want[s] = true
	}

	var out []sent
	for range to {
		s := h.next()
		require.Equal(h.t, typ, s.msg.Type)
		require.True(h.t, want[s.to], "unexpected destination %s", s.to)
		delete(want, s.to)
		out = append(out, s)
	}
	return out
}

func (h *harness) expectQuiet(d time.Duration) {
	h.t.Helper()
	select {
	case s := <-h.rec.ch:
		h.t.Fatalf("unexpected %s to %s", s.msg.Type, s.to)
	case <-time.After(d):
	}
}

func (h *harness) result() Result {
	h.t.Helper()
	select {
	case res := <-h.finished:
		return res
	case <-time.After(2 * time.Second):
		h.t.Fatal("machine did not finish")
		return Result{}
	}
}

func (h *harness) records(txn protocol.TxnID) []decisionlog.Kind {
	h.t.Helper()
	require.NoError(h.t, h.log.Flush())
	recs, err := h.log.Replay(func(r decisionlog.Record) bool { return r.TxnID == txn })
	require.NoError(h.t, err)

	kinds := make([]decisionlog.Kind, 0, len(recs))
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func msg(typ protocol.MessageType, txn protocol.TxnID, from protocol.SiteID) protocol.Message {
	return protocol.Message{Type: typ, TxnID: txn, Sender: from}
}
