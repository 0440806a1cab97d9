package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// Memory is an in-process resource manager. Its state outlives the site
// using it, the way a database outlives a crashed daemon.
type Memory struct {
	mu sync.Mutex

	pending   map[protocol.TxnID][]string
	committed map[protocol.TxnID][]string
	commits   map[protocol.TxnID]int
	rollbacks map[protocol.TxnID]int

	prepareFailure func(txn protocol.TxnID, statements []string) error
	commitFailure  error
}

func NewMemory() *Memory {
	return &Memory{
		pending:   make(map[protocol.TxnID][]string),
		committed: make(map[protocol.TxnID][]string),
		commits:   make(map[protocol.TxnID]int),
		rollbacks: make(map[protocol.TxnID]int),
	}
}

// FailPrepare makes Prepare fail whenever fn returns an error.
func (m *Memory) FailPrepare(fn func(txn protocol.TxnID, statements []string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareFailure = fn
}

// FailCommit makes every Commit return err until called again with nil.
func (m *Memory) FailCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitFailure = err
}

func (m *Memory) Prepare(_ context.Context, txn protocol.TxnID, statements []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[txn]; exists {
		return fmt.Errorf("%w: transaction %s already prepared", ErrPrepareFailed, txn)
	}
	if m.prepareFailure != nil {
		if err := m.prepareFailure(txn, statements); err != nil {
			return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
		}
	}

	m.pending[txn] = append([]string(nil), statements...)
	return nil
}

func (m *Memory) Commit(_ context.Context, txn protocol.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.commitFailure != nil {
		return m.commitFailure
	}

	m.commits[txn]++
	if stmts, exists := m.pending[txn]; exists {
		m.committed[txn] = stmts
		delete(m.pending, txn)
	}
	return nil
}

func (m *Memory) Rollback(_ context.Context, txn protocol.TxnID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollbacks[txn]++
	delete(m.pending, txn)
	return nil
}

func (m *Memory) Prepared(_ context.Context) ([]protocol.TxnID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]protocol.TxnID, 0, len(m.pending))
	for txn := range m.pending {
		ids = append(ids, txn)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// IsPrepared reports whether txn is prepared and not yet finished.
func (m *Memory) IsPrepared(txn protocol.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.pending[txn]
	return exists
}

// IsCommitted reports whether txn's work was made permanent.
func (m *Memory) IsCommitted(txn protocol.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.committed[txn]
	return exists
}

// Statements returns the committed work of txn.
func (m *Memory) Statements(txn protocol.TxnID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.committed[txn]...)
}

// Commits counts Commit calls for txn, including repeats.
func (m *Memory) Commits(txn protocol.TxnID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[txn]
}

func (m *Memory) Rollbacks(txn protocol.TxnID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks[txn]
}

// CommittedCount is the number of distinct committed transactions.
func (m *Memory) CommittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed)
}
