package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

// TransactionManager opens postgres transactions and hands them to the
// repositories through the context.
type TransactionManager struct {
	db          *DB
	logger      *zap.Logger
	lockTimeout time.Duration
	seq         atomic.Uint64
}

// NewTransactionManager creates a manager with no lock wait bound
func NewTransactionManager(db *DB, logger *zap.Logger) *TransactionManager {
	return NewTransactionManagerWithLockTimeout(db, logger, 0)
}

// NewTransactionManagerWithLockTimeout creates a manager whose transactions
// give up on a row lock after lockTimeout. Zero waits forever.
func NewTransactionManagerWithLockTimeout(db *DB, logger *zap.Logger, lockTimeout time.Duration) *TransactionManager {
	return &TransactionManager{db: db, logger: logger, lockTimeout: lockTimeout}
}

// Begin starts a READ COMMITTED transaction. Escrow, balance and ledger tail
// rows are taken FOR UPDATE, which serializes the writers that matter.
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	sqlTx, err := tm.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	if tm.lockTimeout > 0 {
		// set_config with is_local=true behaves like SET LOCAL but takes a bind parameter
		ms := fmt.Sprintf("%dms", tm.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, "SELECT set_config('lock_timeout', $1, true)", ms); err != nil {
			_ = sqlTx.Rollback()
			return nil, mapError("set lock timeout", err)
		}
	}

	tx := &Transaction{
		id:      tm.seq.Add(1),
		tx:      sqlTx,
		logger:  tm.logger,
		started: time.Now(),
	}
	tx.ctx = repositories.ContextWithTransaction(ctx, tx)
	tm.logger.Debug("transaction started", zap.Uint64("tx", tx.id))
	return tx, nil
}

// InTransaction runs fn inside a new transaction, committing when it
// returns nil and rolling back otherwise
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}

	if fnErr := fn(tx.Context(), tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Error("rollback after failed unit of work",
				zap.Error(rbErr),
				zap.NamedError("cause", fnErr),
			)
		}
		return fnErr
	}
	return tx.Commit()
}

// Transaction wraps a *sql.Tx and the context that carries it
type Transaction struct {
	id      uint64
	tx      *sql.Tx
	ctx     context.Context
	logger  *zap.Logger
	started time.Time
}

func (t *Transaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return mapError("commit transaction", err)
	}
	t.logger.Debug("transaction committed",
		zap.Uint64("tx", t.id),
		zap.Duration("held", time.Since(t.started)))
	return nil
}

// Rollback is a no-op on a transaction that already finished
func (t *Transaction) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}
	t.logger.Debug("transaction rolled back", zap.Uint64("tx", t.id))
	return nil
}

func (t *Transaction) Context() context.Context {
	return t.ctx
}

// Executor is the query surface shared by *sql.DB and *sql.Tx
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// GetExecutor returns the postgres transaction carried by ctx, or the pool
func GetExecutor(ctx context.Context, db *DB) Executor {
	if tx, ok := repositories.TransactionFromContext(ctx); ok {
		if pgTx, ok := tx.(*Transaction); ok {
			return pgTx.tx
		}
	}
	return db.DB
}
