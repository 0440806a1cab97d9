// Package resource wraps the local database that executes transaction work.
//
// A transaction's work is executed and prepared in one call; afterwards the
// prepared transaction is only ever committed or rolled back. Commit and
// Rollback are idempotent: finishing an already-finished transaction succeeds.
package resource

import (
	"context"
	"errors"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// ErrPrepareFailed wraps any reason the local work could not be prepared.
var ErrPrepareFailed = errors.New("prepare failed")

// Manager is the resource manager contract the participant relies on.
type Manager interface {
	// Prepare executes statements inside a new local transaction and
	// prepares it under txn. On failure nothing remains prepared.
	Prepare(ctx context.Context, txn protocol.TxnID, statements []string) error
	Commit(ctx context.Context, txn protocol.TxnID) error
	Rollback(ctx context.Context, txn protocol.TxnID) error
	// Prepared lists every transaction currently prepared in the engine.
	Prepared(ctx context.Context) ([]protocol.TxnID, error)
}
