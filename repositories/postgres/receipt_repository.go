package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const receiptColumns = `id, sequence, kind, timestamp, actor_id, actor_kind, resource_id, resource_kind,
	details_hash, previous_hash, receipt_hash, merkle_proof, merkle_batch_id`

// ReceiptRepository implements the repositories.ReceiptRepository interface
type ReceiptRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewReceiptRepository creates a new receipt repository
func NewReceiptRepository(db *DB, logger *zap.Logger) repositories.ReceiptRepository {
	return &ReceiptRepository{
		db:     db,
		logger: logger,
	}
}

// LockTail reads the tail row FOR UPDATE. Must run inside a transaction,
// otherwise the lock is released as soon as the statement ends.
func (r *ReceiptRepository) LockTail(ctx context.Context) (models.LedgerTail, error) {
	if _, ok := repositories.TransactionFromContext(ctx); !ok {
		return models.LedgerTail{}, fmt.Errorf("lock ledger tail: transaction required")
	}

	query := `SELECT last_hash, last_sequence, last_timestamp FROM ledger_tail WHERE id = 1 FOR UPDATE`

	var (
		tail models.LedgerTail
		ts   sql.NullTime
	)
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query).Scan(&tail.LastHash, &tail.LastSequence, &ts)
	if err != nil {
		return models.LedgerTail{}, mapError("lock ledger tail", err)
	}
	if ts.Valid {
		tail.LastTimestamp = ts.Time.UTC()
	}
	return tail, nil
}

// Append inserts the receipt and moves the tail to it
func (r *ReceiptRepository) Append(ctx context.Context, receipt *models.AuditReceipt) error {
	insert := `
		INSERT INTO audit_receipts (
			id, sequence, kind, timestamp, actor_id, actor_kind, resource_id, resource_kind,
			details_hash, previous_hash, receipt_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, insert,
		receipt.ID,
		receipt.Sequence,
		receipt.Kind,
		receipt.Timestamp,
		receipt.ActorID,
		receipt.ActorKind,
		receipt.ResourceID,
		receipt.ResourceKind,
		receipt.DetailsHash,
		receipt.PreviousHash,
		receipt.ReceiptHash,
	)
	if err != nil {
		return mapError("insert receipt", err)
	}

	advance := `UPDATE ledger_tail SET last_hash = $1, last_sequence = $2, last_timestamp = $3 WHERE id = 1`
	res, err := executor.ExecContext(ctx, advance, receipt.ReceiptHash, receipt.Sequence, receipt.Timestamp)
	if err != nil {
		return mapError("advance ledger tail", err)
	}
	if err := expectOneRow("advance ledger tail", res); err != nil {
		return err
	}

	r.logger.Debug("receipt appended",
		zap.String("id", receipt.ID.String()),
		zap.Int64("sequence", receipt.Sequence),
		zap.String("kind", string(receipt.Kind)))
	return nil
}

// GetByID retrieves a receipt by ID
func (r *ReceiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM audit_receipts WHERE id = $1`
	return r.queryOne(ctx, "get receipt", query, id)
}

// GetByHash retrieves a receipt by its receipt hash
func (r *ReceiptRepository) GetByHash(ctx context.Context, hash string) (*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM audit_receipts WHERE receipt_hash = $1`
	return r.queryOne(ctx, "get receipt by hash", query, hash)
}

// ListFromSequence retrieves receipts in chain order
func (r *ReceiptRepository) ListFromSequence(ctx context.Context, fromSeq int64, limit int) ([]*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM audit_receipts WHERE sequence >= $1 ORDER BY sequence ASC LIMIT $2`
	return r.queryMany(ctx, "list receipts", query, fromSeq, limitArg(limit))
}

// ListUnbatched retrieves receipts without a proof in chain order. Inside a
// transaction the rows stay locked, and rows locked by a concurrent batcher
// are skipped.
func (r *ReceiptRepository) ListUnbatched(ctx context.Context, limit int) ([]*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM audit_receipts WHERE merkle_proof IS NULL ORDER BY sequence ASC LIMIT $1`
	if _, ok := repositories.TransactionFromContext(ctx); ok {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	return r.queryMany(ctx, "list unbatched receipts", query, limitArg(limit))
}

// ListByResource retrieves receipts about one resource, newest first
func (r *ReceiptRepository) ListByResource(ctx context.Context, resourceKind, resourceID string, limit, offset int) ([]*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + `
		FROM audit_receipts
		WHERE resource_kind = $1 AND resource_id = $2
		ORDER BY sequence DESC
		LIMIT $3 OFFSET $4`
	return r.queryMany(ctx, "list receipts by resource", query, resourceKind, resourceID, limitArg(limit), offset)
}

// ListByActor retrieves receipts produced by one actor, newest first
func (r *ReceiptRepository) ListByActor(ctx context.Context, actorID string, limit, offset int) ([]*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + `
		FROM audit_receipts
		WHERE actor_id = $1
		ORDER BY sequence DESC
		LIMIT $2 OFFSET $3`
	return r.queryMany(ctx, "list receipts by actor", query, actorID, limitArg(limit), offset)
}

// ListByKind retrieves receipts of one kind, newest first
func (r *ReceiptRepository) ListByKind(ctx context.Context, kind models.ReceiptKind, limit, offset int) ([]*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + `
		FROM audit_receipts
		WHERE kind = $1
		ORDER BY sequence DESC
		LIMIT $2 OFFSET $3`
	return r.queryMany(ctx, "list receipts by kind", query, kind, limitArg(limit), offset)
}

// ListByTimeRange retrieves receipts stamped within [from, to], newest first
func (r *ReceiptRepository) ListByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.AuditReceipt, error) {
	query := `SELECT ` + receiptColumns + `
		FROM audit_receipts
		WHERE timestamp BETWEEN $1 AND $2
		ORDER BY sequence DESC
		LIMIT $3 OFFSET $4`
	return r.queryMany(ctx, "list receipts by time range", query, from, to, limitArg(limit), offset)
}

// CountByKindInRange counts receipts of one kind stamped within [from, to]
func (r *ReceiptRepository) CountByKindInRange(ctx context.Context, kind models.ReceiptKind, from, to time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM audit_receipts WHERE kind = $1 AND timestamp BETWEEN $2 AND $3`

	var n int64
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, kind, from, to).Scan(&n); err != nil {
		return 0, mapError("count receipts by kind", err)
	}
	return n, nil
}

// AttachProof stores a proof on a receipt that has none. The IS NULL guard
// makes a second attachment a no-op.
func (r *ReceiptRepository) AttachProof(ctx context.Context, id uuid.UUID, batchID uuid.UUID, proof *models.MerkleProof) (bool, error) {
	query := `UPDATE audit_receipts SET merkle_proof = $1, merkle_batch_id = $2 WHERE id = $3 AND merkle_proof IS NULL`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, *proof, batchID, id)
	if err != nil {
		return false, mapError("attach proof", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to attach proof: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row rowScanner) (*models.AuditReceipt, error) {
	var (
		rec     models.AuditReceipt
		proof   []byte
		batchID uuid.NullUUID
	)
	err := row.Scan(
		&rec.ID,
		&rec.Sequence,
		&rec.Kind,
		&rec.Timestamp,
		&rec.ActorID,
		&rec.ActorKind,
		&rec.ResourceID,
		&rec.ResourceKind,
		&rec.DetailsHash,
		&rec.PreviousHash,
		&rec.ReceiptHash,
		&proof,
		&batchID,
	)
	if err != nil {
		return nil, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if proof != nil {
		rec.MerkleProof = &models.MerkleProof{}
		if err := rec.MerkleProof.Scan(proof); err != nil {
			return nil, err
		}
	}
	if batchID.Valid {
		id := batchID.UUID
		rec.MerkleBatchID = &id
	}
	return &rec, nil
}

func (r *ReceiptRepository) queryOne(ctx context.Context, op, query string, args ...interface{}) (*models.AuditReceipt, error) {
	rec, err := scanReceipt(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapError(op, err)
	}
	return rec, nil
}

func (r *ReceiptRepository) queryMany(ctx context.Context, op, query string, args ...interface{}) ([]*models.AuditReceipt, error) {
	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	var receipts []*models.AuditReceipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating receipts: %w", err)
	}
	return receipts, nil
}
