package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/consent-ledger/repositories"
)

// WithTransaction runs fn as one unit of work. A context that already
// carries a transaction is reused and the outermost caller owns commit.
// Lock waits that time out surface as ErrResourceBusy so clients can retry.
func WithTransaction(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	if ambient, ok := repositories.TransactionFromContext(ctx); ok {
		return fn(ctx, ambient)
	}
	return busyAsConflict(runOwned(ctx, txMgr, fn))
}

// WithTransactionResult is WithTransaction for units of work that produce a value
func WithTransactionResult[T any](ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) (T, error)) (T, error) {
	var out T
	err := WithTransaction(ctx, txMgr, func(ctx context.Context, tx repositories.Transaction) error {
		v, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func runOwned(ctx context.Context, txMgr repositories.TransactionManager, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := txMgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txContext(ctx, tx), tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func busyAsConflict(err error) error {
	if err == nil || !errors.Is(err, repositories.ErrLockTimeout) {
		return err
	}
	var de *DomainError
	if errors.As(err, &de) && de.Type == ErrorTypeConflict {
		return err
	}
	return Derive(ErrResourceBusy, err)
}

// txContext returns the context the transaction was opened with when it
// already carries the transaction, otherwise attaches tx to ctx.
func txContext(ctx context.Context, tx repositories.Transaction) context.Context {
	if txCtx := tx.Context(); txCtx != nil {
		if _, ok := repositories.TransactionFromContext(txCtx); ok {
			return txCtx
		}
	}
	return repositories.ContextWithTransaction(ctx, tx)
}
