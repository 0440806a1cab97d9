package workload

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// Target accepts transactions; transport.HTTPClient is one.
type Target interface {
	StartTransaction(ctx context.Context, addr string, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error)
}

// Stats counts what a run did.
type Stats struct {
	Submitted int64
	Committed int64
	Aborted   int64
	Failed    int64
	Elapsed   time.Duration
}

// Submitter sends transactions to a coordinator at a bounded rate.
type Submitter struct {
	target      Target
	addr        string
	sites       []protocol.SiteID
	limiter     *rate.Limiter
	concurrency int
	logger      *zap.Logger
}

// NewSubmitter creates a submitter for the coordinator at addr. A
// non-positive rps disables pacing.
func NewSubmitter(target Target, addr string, sites []protocol.SiteID, rps float64, concurrency int, logger *zap.Logger) *Submitter {
	limit := rate.Limit(rps)
	burst := int(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Submitter{
		target:      target,
		addr:        addr,
		sites:       sites,
		limiter:     rate.NewLimiter(limit, burst),
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "workload")),
	}
}

// Run submits every batch and waits for the answers. It stops early, with
// ctx's error, when ctx is cancelled.
func (s *Submitter) Run(ctx context.Context, batches []Transaction) (Stats, error) {
	var (
		stats Stats
		wg    sync.WaitGroup
		sem   = make(chan struct{}, s.concurrency)
		start = time.Now()
		err   error
	)

	for _, batch := range batches {
		if err = s.limiter.Wait(ctx); err != nil {
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}

		wg.Add(1)
		go func(t Transaction) {
			defer wg.Done()
			defer func() { <-sem }()
			s.submit(ctx, t, &stats)
		}(batch)
	}

	wg.Wait()
	stats.Elapsed = time.Since(start)

	s.logger.Info("Workload finished",
		zap.Int64("submitted", stats.Submitted),
		zap.Int64("committed", stats.Committed),
		zap.Int64("aborted", stats.Aborted),
		zap.Int64("failed", stats.Failed),
		zap.Duration("elapsed", stats.Elapsed))

	return stats, err
}

func (s *Submitter) submit(ctx context.Context, t Transaction, stats *Stats) {
	atomic.AddInt64(&stats.Submitted, 1)

	resp, err := s.target.StartTransaction(ctx, s.addr, t.Request(s.sites))
	if err != nil {
		atomic.AddInt64(&stats.Failed, 1)
		s.logger.Warn("Submit failed", zap.String("sensor", t.Sensor), zap.Error(err))
		return
	}

	switch resp.Outcome {
	case protocol.OutcomeCommitted:
		atomic.AddInt64(&stats.Committed, 1)
	case protocol.OutcomeAborted:
		atomic.AddInt64(&stats.Aborted, 1)
	default:
		atomic.AddInt64(&stats.Failed, 1)
	}

	s.logger.Debug("Transaction done",
		zap.String("txn", string(resp.TransactionID)),
		zap.String("sensor", t.Sensor),
		zap.Int("readings", len(t.Readings)),
		zap.String("outcome", string(resp.Outcome)))
}
