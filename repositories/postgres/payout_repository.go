package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const payoutColumns = `id, ds_id, amount, currency, method, destination_hash, status, idempotency_key,
	external_reference, failure_reason, created_at, processing_at, completed_at, updated_at`

// PayoutRepository implements the repositories.PayoutRepository interface
type PayoutRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *DB, logger *zap.Logger) repositories.PayoutRepository {
	return &PayoutRepository{db: db, logger: logger}
}

// Create inserts a new instruction
func (r *PayoutRepository) Create(ctx context.Context, p *models.PayoutInstruction) error {
	query := `INSERT INTO payout_instructions (` + payoutColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		p.ID,
		p.DSID,
		p.Amount,
		p.Currency,
		p.Method,
		p.DestinationHash,
		p.Status,
		p.IdempotencyKey,
		p.ExternalReference,
		p.FailureReason,
		p.CreatedAt,
		p.ProcessingAt,
		p.CompletedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return mapError("insert payout", err)
	}

	r.logger.Debug("payout created", zap.String("id", p.ID.String()), zap.String("ds_id", p.DSID))
	return nil
}

// GetByID retrieves an instruction by ID
func (r *PayoutRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_instructions WHERE id = $1`
	return r.queryOne(ctx, "get payout", query, id)
}

// GetByIDForUpdate retrieves an instruction and holds its row lock
func (r *PayoutRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_instructions WHERE id = $1 FOR UPDATE`
	return r.queryOne(ctx, "lock payout", query, id)
}

// GetByIdempotencyKey retrieves the instruction created under key
func (r *PayoutRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.PayoutInstruction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_instructions WHERE idempotency_key = $1`
	return r.queryOne(ctx, "get payout by key", query, key)
}

// Update writes status, references and timestamps
func (r *PayoutRepository) Update(ctx context.Context, p *models.PayoutInstruction) error {
	query := `UPDATE payout_instructions
		SET status = $1, external_reference = $2, failure_reason = $3,
		    processing_at = $4, completed_at = $5, updated_at = $6
		WHERE id = $7`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		p.Status, p.ExternalReference, p.FailureReason, p.ProcessingAt, p.CompletedAt, p.UpdatedAt, p.ID)
	if err != nil {
		return mapError("update payout", err)
	}
	if err := expectOneRow("update payout", res); err != nil {
		return err
	}

	r.logger.Debug("payout updated", zap.String("id", p.ID.String()), zap.String("status", string(p.Status)))
	return nil
}

// ListByDS retrieves instructions of a data sovereign, newest first
func (r *PayoutRepository) ListByDS(ctx context.Context, dsID string, limit, offset int) ([]*models.PayoutInstruction, error) {
	query := `SELECT ` + payoutColumns + `
		FROM payout_instructions
		WHERE ds_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	return r.queryMany(ctx, "list payouts", query, dsID, limitArg(limit), offset)
}

// WindowStats counts and sums live instructions created at or after since
func (r *PayoutRepository) WindowStats(ctx context.Context, dsID string, since time.Time) (int, decimal.Decimal, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM payout_instructions
		WHERE ds_id = $1 AND created_at >= $2 AND status NOT IN ('FAILED', 'CANCELLED')`

	var (
		count int
		total decimal.Decimal
	)
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, dsID, since).Scan(&count, &total); err != nil {
		return 0, decimal.Zero, mapError("payout window stats", err)
	}
	return count, total, nil
}

// ListStuck retrieves PROCESSING instructions that started before cutoff
func (r *PayoutRepository) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*models.PayoutInstruction, error) {
	query := `SELECT ` + payoutColumns + `
		FROM payout_instructions
		WHERE status = 'PROCESSING' AND processing_at < $1
		ORDER BY processing_at ASC
		LIMIT $2`
	return r.queryMany(ctx, "list stuck payouts", query, cutoff, limitArg(limit))
}

func scanPayout(row rowScanner) (*models.PayoutInstruction, error) {
	var p models.PayoutInstruction
	err := row.Scan(
		&p.ID,
		&p.DSID,
		&p.Amount,
		&p.Currency,
		&p.Method,
		&p.DestinationHash,
		&p.Status,
		&p.IdempotencyKey,
		&p.ExternalReference,
		&p.FailureReason,
		&p.CreatedAt,
		&p.ProcessingAt,
		&p.CompletedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepository) queryOne(ctx context.Context, op, query string, args ...interface{}) (*models.PayoutInstruction, error) {
	p, err := scanPayout(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(op, err)
	}
	return p, nil
}

func (r *PayoutRepository) queryMany(ctx context.Context, op, query string, args ...interface{}) ([]*models.PayoutInstruction, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var payouts []*models.PayoutInstruction
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payouts: %w", err)
	}
	return payouts, nil
}
