package postgres

import (
	"context"

	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const balanceColumns = `ds_id, currency, available, pending, total_earned, total_paid_out,
	last_settlement_at, last_payout_at, version, updated_at`

// BalanceRepository implements the repositories.BalanceRepository interface
type BalanceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *DB, logger *zap.Logger) repositories.BalanceRepository {
	return &BalanceRepository{db: db, logger: logger}
}

// Get retrieves the balance of a data sovereign
func (r *BalanceRepository) Get(ctx context.Context, dsID string) (*models.DataSovereignBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM ds_balances WHERE ds_id = $1`
	b, err := scanBalance(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, dsID))
	if err != nil {
		return nil, mapError("get balance", err)
	}
	return b, nil
}

// LockOrCreate inserts an empty row when missing, then locks it
func (r *BalanceRepository) LockOrCreate(ctx context.Context, dsID, currency string) (*models.DataSovereignBalance, error) {
	executor := GetExecutor(ctx, r.db)

	insert := `INSERT INTO ds_balances (ds_id, currency, updated_at) VALUES ($1, $2, $3) ON CONFLICT (ds_id) DO NOTHING`
	if _, err := executor.ExecContext(ctx, insert, dsID, currency, models.Now()); err != nil {
		return nil, mapError("create balance", err)
	}

	query := `SELECT ` + balanceColumns + ` FROM ds_balances WHERE ds_id = $1 FOR UPDATE`
	b, err := scanBalance(executor.QueryRowContext(ctx, query, dsID))
	if err != nil {
		return nil, mapError("lock balance", err)
	}
	return b, nil
}

// Update writes the balance counters
func (r *BalanceRepository) Update(ctx context.Context, b *models.DataSovereignBalance) error {
	query := `UPDATE ds_balances
		SET available = $1, pending = $2, total_earned = $3, total_paid_out = $4,
		    last_settlement_at = $5, last_payout_at = $6, version = $7, updated_at = $8
		WHERE ds_id = $9`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		b.Available,
		b.Pending,
		b.TotalEarned,
		b.TotalPaidOut,
		b.LastSettlementAt,
		b.LastPayoutAt,
		b.Version,
		b.UpdatedAt,
		b.DSID,
	)
	if err != nil {
		return mapError("update balance", err)
	}
	if err := expectOneRow("update balance", res); err != nil {
		return err
	}

	r.logger.Debug("balance updated", zap.String("ds_id", b.DSID), zap.String("available", b.Available.String()))
	return nil
}

func scanBalance(row rowScanner) (*models.DataSovereignBalance, error) {
	var b models.DataSovereignBalance
	err := row.Scan(
		&b.DSID,
		&b.Currency,
		&b.Available,
		&b.Pending,
		&b.TotalEarned,
		&b.TotalPaidOut,
		&b.LastSettlementAt,
		&b.LastPayoutAt,
		&b.Version,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
