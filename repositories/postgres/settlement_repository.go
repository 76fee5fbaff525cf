package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const settlementColumns = `id, idempotency_key, contract_id, ds_id, escrow_id, amount, currency, receipt_id, created_at`

const contractColumns = `id, status, ds_id, requester_id, request_id, escrow_id, unit_price, currency, updated_at`

// SettlementRepository implements the repositories.SettlementRepository interface
type SettlementRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSettlementRepository creates a new settlement repository
func NewSettlementRepository(db *DB, logger *zap.Logger) repositories.SettlementRepository {
	return &SettlementRepository{db: db, logger: logger}
}

// Create inserts a settlement record
func (r *SettlementRepository) Create(ctx context.Context, s *models.Settlement) error {
	query := `INSERT INTO settlements (` + settlementColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		s.ID, s.IdempotencyKey, s.ContractID, s.DSID, s.EscrowID, s.Amount, s.Currency, s.ReceiptID, s.CreatedAt)
	if err != nil {
		return mapError("insert settlement", err)
	}

	r.logger.Debug("settlement recorded", zap.String("id", s.ID.String()), zap.String("contract_id", s.ContractID))
	return nil
}

// GetByIdempotencyKey retrieves the settlement applied under key
func (r *SettlementRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE idempotency_key = $1`

	s, err := scanSettlement(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, mapError("get settlement", err)
	}
	return s, nil
}

// ListByDS retrieves settlements credited to a data sovereign, newest first
func (r *SettlementRepository) ListByDS(ctx context.Context, dsID string, limit, offset int) ([]*models.Settlement, error) {
	query := `SELECT ` + settlementColumns + `
		FROM settlements
		WHERE ds_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return r.queryMany(ctx, "list settlements by ds", query, dsID, limitArg(limit), offset)
}

// ListByContract retrieves settlements applied under a contract, newest first
func (r *SettlementRepository) ListByContract(ctx context.Context, contractID string, limit, offset int) ([]*models.Settlement, error) {
	query := `SELECT ` + settlementColumns + `
		FROM settlements
		WHERE contract_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return r.queryMany(ctx, "list settlements by contract", query, contractID, limitArg(limit), offset)
}

func (r *SettlementRepository) queryMany(ctx context.Context, op, query string, args ...interface{}) ([]*models.Settlement, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var out []*models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, mapError(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

func scanSettlement(row rowScanner) (*models.Settlement, error) {
	var s models.Settlement
	err := row.Scan(&s.ID, &s.IdempotencyKey, &s.ContractID, &s.DSID, &s.EscrowID, &s.Amount, &s.Currency, &s.ReceiptID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ContractRepository implements the repositories.ContractRepository interface
type ContractRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewContractRepository creates a new contract repository
func NewContractRepository(db *DB, logger *zap.Logger) repositories.ContractRepository {
	return &ContractRepository{db: db, logger: logger}
}

// GetByID retrieves a contract by ID
func (r *ContractRepository) GetByID(ctx context.Context, id string) (*models.ConsentContract, error) {
	query := `SELECT ` + contractColumns + ` FROM consent_contracts WHERE id = $1`

	var c models.ConsentContract
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.Status, &c.DSID, &c.RequesterID, &c.RequestID, &c.EscrowID, &c.UnitPrice, &c.Currency, &c.UpdatedAt)
	if err != nil {
		return nil, mapError("get consent contract", err)
	}
	return &c, nil
}

// Upsert stores the latest known state of a contract
func (r *ContractRepository) Upsert(ctx context.Context, c *models.ConsentContract) error {
	query := `INSERT INTO consent_contracts (` + contractColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			unit_price = EXCLUDED.unit_price,
			updated_at = EXCLUDED.updated_at`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		c.ID, c.Status, c.DSID, c.RequesterID, c.RequestID, c.EscrowID, c.UnitPrice, c.Currency, c.UpdatedAt)
	if err != nil {
		return mapError("upsert consent contract", err)
	}
	return nil
}

// ListByEscrow retrieves the contracts paid from an escrow
func (r *ContractRepository) ListByEscrow(ctx context.Context, escrowID uuid.UUID) ([]*models.ConsentContract, error) {
	query := `SELECT ` + contractColumns + ` FROM consent_contracts WHERE escrow_id = $1 ORDER BY id`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, escrowID)
	if err != nil {
		return nil, mapError("list consent contracts by escrow", err)
	}
	defer rows.Close()

	var out []*models.ConsentContract
	for rows.Next() {
		var c models.ConsentContract
		if err := rows.Scan(&c.ID, &c.Status, &c.DSID, &c.RequesterID, &c.RequestID, &c.EscrowID, &c.UnitPrice, &c.Currency, &c.UpdatedAt); err != nil {
			return nil, mapError("list consent contracts by escrow", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list consent contracts by escrow", err)
	}
	return out, nil
}
