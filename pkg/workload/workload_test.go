package workload

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

const sample = `INSERT INTO THERMOMETEROBSERVATION VALUES ('a1', 58, '2017-11-08 00:00:00', 'sensor-1');
INSERT INTO THERMOMETEROBSERVATION VALUES ('a2', 61, '2017-11-08 00:00:20', 'sensor-2');
INSERT INTO THERMOMETEROBSERVATION VALUES ('a3', 59, '2017-11-08 00:00:40', 'sensor-1');

INSERT INTO THERMOMETEROBSERVATION VALUES ('a4', 60, '2017-11-08 00:01:10', 'sensor-1');
INSERT INTO THERMOMETEROBSERVATION VALUES ('a5', 62, '2017-11-08 00:05:00', 'sensor-2');
`

func TestParse(t *testing.T) {
	readings, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, readings, 5)

	first := readings[0]
	require.Equal(t, "sensor-1", first.Sensor)
	require.Equal(t, time.Date(2017, 11, 8, 0, 0, 0, 0, time.UTC), first.Time)
	require.True(t, strings.HasPrefix(first.Statement, "INSERT INTO THERMOMETEROBSERVATION"))
	require.Equal(t, "sensor-1|2017-11-08 00:00:00", first.Key())
}

func TestParseMalformed(t *testing.T) {
	_, err := ParseLine("INSERT nothing")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = ParseLine("INSERT INTO T VALUES ('a', 'yesterday', 'sensor-1');")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Parse(strings.NewReader(sample + "garbage\n"))
	require.ErrorContains(t, err, "line 7")
}

func TestBatch(t *testing.T) {
	readings, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	batches := Batch(readings, time.Minute)
	require.Len(t, batches, 4)

	// first window: sensor-1 twice, sensor-2 once
	require.Equal(t, "sensor-1", batches[0].Sensor)
	require.Len(t, batches[0].Readings, 2)
	require.Equal(t, "sensor-2", batches[1].Sensor)
	require.Len(t, batches[1].Readings, 1)

	require.Equal(t, "sensor-1", batches[2].Sensor)
	require.Equal(t, "sensor-2", batches[3].Sensor)
	require.True(t, batches[3].WindowEnd.After(batches[3].Readings[0].Time) || batches[3].WindowEnd.Equal(batches[3].Readings[0].Time))

	require.Nil(t, Batch(nil, time.Minute))
	require.Nil(t, Batch(readings, 0))
}

func TestRoute(t *testing.T) {
	sites := []protocol.SiteID{"site1", "site2", "site3"}
	readings, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	for _, r := range readings {
		site := Route(r, sites)
		require.Contains(t, sites, site)
		require.Equal(t, site, Route(r, sites))
	}
	require.Equal(t, protocol.SiteID(""), Route(readings[0], nil))

	req := Batch(readings, time.Minute)[0].Request(sites)
	require.Len(t, req.Operations, 2)
	for _, op := range req.Operations {
		require.NotEmpty(t, op.Site)
	}
}

type fakeTarget struct {
	mu       sync.Mutex
	requests []*protocol.TransactionRequest
	outcome  func(n int) (protocol.Outcome, error)
}

func (f *fakeTarget) StartTransaction(_ context.Context, addr string, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	n := len(f.requests)
	f.mu.Unlock()

	outcome, err := f.outcome(n)
	if err != nil {
		return nil, err
	}
	return &protocol.TransactionResponse{
		TransactionID: protocol.NewTxnID("site1", uint64(n)),
		Outcome:       outcome,
		Success:       outcome == protocol.OutcomeCommitted,
	}, nil
}

func TestSubmitterRun(t *testing.T) {
	readings, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	batches := Batch(readings, time.Minute)

	target := &fakeTarget{outcome: func(n int) (protocol.Outcome, error) {
		switch n {
		case 2:
			return protocol.OutcomeAborted, nil
		case 3:
			return "", errors.New("connection refused")
		}
		return protocol.OutcomeCommitted, nil
	}}

	s := NewSubmitter(target, "localhost:8081", []protocol.SiteID{"site1", "site2"}, 0, 1, zaptest.NewLogger(t))
	stats, err := s.Run(context.Background(), batches)
	require.NoError(t, err)

	require.Equal(t, int64(4), stats.Submitted)
	require.Equal(t, int64(2), stats.Committed)
	require.Equal(t, int64(1), stats.Aborted)
	require.Equal(t, int64(1), stats.Failed)
	require.Len(t, target.requests, 4)
}

func TestSubmitterRateAndCancel(t *testing.T) {
	batches := make([]Transaction, 50)
	for i := range batches {
		batches[i] = Transaction{Sensor: "s"}
	}

	target := &fakeTarget{outcome: func(int) (protocol.Outcome, error) {
		return protocol.OutcomeCommitted, nil
	}}

	// 20/s with a burst of 20: 50 batches cannot fit in 200ms
	s := NewSubmitter(target, "addr", nil, 20, 4, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	stats, err := s.Run(ctx, batches)
	require.Error(t, err)
	require.Less(t, stats.Submitted, int64(50))
	require.Equal(t, stats.Submitted, stats.Committed)
}
