package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"go.uber.org/zap"
)

const batchColumns = `id, root, leaf_count, first_sequence, last_sequence, metadata_hash,
	anchor_id, anchor_status, anchor_error, created_at, anchored_at`

// MerkleBatchRepository implements the repositories.MerkleBatchRepository interface
type MerkleBatchRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMerkleBatchRepository creates a new batch repository
func NewMerkleBatchRepository(db *DB, logger *zap.Logger) repositories.MerkleBatchRepository {
	return &MerkleBatchRepository{db: db, logger: logger}
}

// Create inserts a batch header
func (r *MerkleBatchRepository) Create(ctx context.Context, batch *models.MerkleBatch) error {
	query := `INSERT INTO merkle_batches (` + batchColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		batch.ID,
		batch.Root,
		batch.LeafCount,
		batch.FirstSequence,
		batch.LastSequence,
		batch.MetadataHash,
		batch.AnchorID,
		batch.AnchorStatus,
		batch.AnchorError,
		batch.CreatedAt,
		batch.AnchoredAt,
	)
	if err != nil {
		return mapError("insert merkle batch", err)
	}

	r.logger.Debug("merkle batch created",
		zap.String("id", batch.ID.String()),
		zap.String("root", batch.Root),
		zap.Int("leaves", batch.LeafCount))
	return nil
}

// GetByID retrieves a batch by ID
func (r *MerkleBatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MerkleBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM merkle_batches WHERE id = $1`
	b, err := scanBatch(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError("get merkle batch", err)
	}
	return b, nil
}

// GetByRoot retrieves the batch with the given root
func (r *MerkleBatchRepository) GetByRoot(ctx context.Context, root string) (*models.MerkleBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM merkle_batches WHERE root = $1`
	b, err := scanBatch(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, root))
	if err != nil {
		return nil, mapError("get merkle batch by root", err)
	}
	return b, nil
}

// ListByStatus retrieves batches in one anchor status, oldest first
func (r *MerkleBatchRepository) ListByStatus(ctx context.Context, status models.AnchorStatus, limit int) ([]*models.MerkleBatch, error) {
	query := `SELECT ` + batchColumns + `
		FROM merkle_batches
		WHERE anchor_status = $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, status, limitArg(limit))
	if err != nil {
		return nil, mapError("list merkle batches", err)
	}
	defer rows.Close()

	var batches []*models.MerkleBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan merkle batch: %w", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating merkle batches: %w", err)
	}
	return batches, nil
}

// UpdateAnchor persists the anchor outcome
func (r *MerkleBatchRepository) UpdateAnchor(ctx context.Context, batch *models.MerkleBatch) error {
	query := `UPDATE merkle_batches
		SET anchor_id = $1, anchor_status = $2, anchor_error = $3, anchored_at = $4
		WHERE id = $5`

	res, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		batch.AnchorID, batch.AnchorStatus, batch.AnchorError, batch.AnchoredAt, batch.ID)
	if err != nil {
		return mapError("update merkle batch anchor", err)
	}
	return expectOneRow("update merkle batch anchor", res)
}

func scanBatch(row rowScanner) (*models.MerkleBatch, error) {
	var b models.MerkleBatch
	err := row.Scan(
		&b.ID,
		&b.Root,
		&b.LeafCount,
		&b.FirstSequence,
		&b.LastSequence,
		&b.MetadataHash,
		&b.AnchorID,
		&b.AnchorStatus,
		&b.AnchorError,
		&b.CreatedAt,
		&b.AnchoredAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
