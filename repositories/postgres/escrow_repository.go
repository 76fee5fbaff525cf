package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const escrowColumns = `id, requester_id, request_id, currency, funded_amount, locked_amount,
	released_amount, refunded_amount, status, anchor_reference, version, created_at, updated_at`

// EscrowRepository implements the repositories.EscrowRepository interface
type EscrowRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEscrowRepository creates a new escrow repository
func NewEscrowRepository(db *DB, logger *zap.Logger) repositories.EscrowRepository {
	return &EscrowRepository{db: db, logger: logger}
}

// Create inserts a new escrow
func (r *EscrowRepository) Create(ctx context.Context, escrow *models.EscrowAccount) error {
	query := `INSERT INTO escrow_accounts (` + escrowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		escrow.ID,
		escrow.RequesterID,
		escrow.RequestID,
		escrow.Currency,
		escrow.FundedAmount,
		escrow.LockedAmount,
		escrow.ReleasedAmount,
		escrow.RefundedAmount,
		escrow.Status,
		escrow.AnchorReference,
		escrow.Version,
		escrow.CreatedAt,
		escrow.UpdatedAt,
	)
	if err != nil {
		return mapError("insert escrow", err)
	}

	r.logger.Debug("escrow created", zap.String("id", escrow.ID.String()), zap.String("request_id", escrow.RequestID))
	return nil
}

// GetByID retrieves an escrow by ID
func (r *EscrowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_accounts WHERE id = $1`
	return r.queryOne(ctx, "get escrow", query, id)
}

// GetByIDForUpdate retrieves an escrow and holds its row lock
func (r *EscrowRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_accounts WHERE id = $1 FOR UPDATE`
	return r.queryOne(ctx, "lock escrow", query, id)
}

// GetByRequestID retrieves the escrow of a request
func (r *EscrowRepository) GetByRequestID(ctx context.Context, requestID string) (*models.EscrowAccount, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_accounts WHERE request_id = $1`
	return r.queryOne(ctx, "get escrow by request", query, requestID)
}

// Update writes counters, status and anchor reference
func (r *EscrowRepository) Update(ctx context.Context, escrow *models.EscrowAccount) error {
	query := `UPDATE escrow_accounts
		SET funded_amount = $1, locked_amount = $2, released_amount = $3, refunded_amount = $4,
		    status = $5, anchor_reference = $6, version = $7, updated_at = $8
		WHERE id = $9`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		escrow.FundedAmount,
		escrow.LockedAmount,
		escrow.ReleasedAmount,
		escrow.RefundedAmount,
		escrow.Status,
		escrow.AnchorReference,
		escrow.Version,
		escrow.UpdatedAt,
		escrow.ID,
	)
	if err != nil {
		return mapError("update escrow", err)
	}
	if err := expectOneRow("update escrow", res); err != nil {
		return err
	}

	r.logger.Debug("escrow updated", zap.String("id", escrow.ID.String()), zap.String("status", string(escrow.Status)))
	return nil
}

func (r *EscrowRepository) queryOne(ctx context.Context, op, query string, args ...interface{}) (*models.EscrowAccount, error) {
	var e models.EscrowAccount
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...).Scan(
		&e.ID,
		&e.RequesterID,
		&e.RequestID,
		&e.Currency,
		&e.FundedAmount,
		&e.LockedAmount,
		&e.ReleasedAmount,
		&e.RefundedAmount,
		&e.Status,
		&e.AnchorReference,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(op, err)
	}
	return &e, nil
}
