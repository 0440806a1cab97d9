package resource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// undefined_object: the prepared transaction no longer exists
const sqlStateUndefinedObject = "42704"

// Postgres drives PostgreSQL's PREPARE TRANSACTION. The server must run with
// max_prepared_transactions > 0.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenPostgres connects with the pgx driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgres(db, logger), nil
}

func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger}
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Prepare(ctx context.Context, txn protocol.TxnID, statements []string) error {
	// BEGIN and PREPARE TRANSACTION must run on the same session
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire connection: %v", ErrPrepareFailed, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN"); err != nil {
		return fmt.Errorf("%w: begin: %v", ErrPrepareFailed, err)
	}

	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			p.rollbackSession(conn, txn)
			return fmt.Errorf("%w: %v", ErrPrepareFailed, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "PREPARE TRANSACTION "+quoteGID(txn)); err != nil {
		p.rollbackSession(conn, txn)
		return fmt.Errorf("%w: prepare transaction: %v", ErrPrepareFailed, err)
	}

	p.logger.Debug("Prepared local transaction",
		zap.String("txn", string(txn)),
		zap.Int("statements", len(statements)))
	return nil
}

func (p *Postgres) Commit(ctx context.Context, txn protocol.TxnID) error {
	return p.finish(ctx, txn, "COMMIT PREPARED ")
}

func (p *Postgres) Rollback(ctx context.Context, txn protocol.TxnID) error {
	return p.finish(ctx, txn, "ROLLBACK PREPARED ")
}

func (p *Postgres) Prepared(ctx context.Context) ([]protocol.TxnID, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT gid FROM pg_prepared_xacts WHERE database = current_database() ORDER BY prepared")
	if err != nil {
		return nil, fmt.Errorf("failed to list prepared transactions: %w", err)
	}
	defer rows.Close()

	var ids []protocol.TxnID
	for rows.Next() {
		var gid string
		if err := rows.Scan(&gid); err != nil {
			return nil, fmt.Errorf("failed to scan prepared transaction: %w", err)
		}
		ids = append(ids, protocol.TxnID(gid))
	}
	return ids, rows.Err()
}

func (p *Postgres) finish(ctx context.Context, txn protocol.TxnID, command string) error {
	_, err := p.db.ExecContext(ctx, command+quoteGID(txn))
	if isUndefinedObject(err) {
		p.logger.Debug("Prepared transaction already finished",
			zap.String("txn", string(txn)),
			zap.String("command", strings.TrimSpace(command)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s%s: %w", command, txn, err)
	}
	return nil
}

// rollbackSession ends the open transaction on conn. A session whose
// ROLLBACK failed may still be inside it and is discarded instead of going
// back to the pool.
func (p *Postgres) rollbackSession(conn *sql.Conn, txn protocol.TxnID) {
	if _, err := conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		p.logger.Warn("Failed to roll back unprepared work, discarding session",
			zap.String("txn", string(txn)),
			zap.Error(err))
		conn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

func isUndefinedObject(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUndefinedObject
}

func quoteGID(txn protocol.TxnID) string {
	return "'" + strings.ReplaceAll(string(txn), "'", "''") + "'"
}
