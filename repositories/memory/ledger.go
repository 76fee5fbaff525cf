package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
)

// ReceiptRepository implements repositories.ReceiptRepository
type ReceiptRepository struct {
	s *Store
}

func cloneReceipt(r *models.AuditReceipt) *models.AuditReceipt {
	c := *r
	if r.MerkleProof != nil {
		p := *r.MerkleProof
		p.Siblings = append([]models.ProofStep(nil), r.MerkleProof.Siblings...)
		c.MerkleProof = &p
	}
	if r.MerkleBatchID != nil {
		id := *r.MerkleBatchID
		c.MerkleBatchID = &id
	}
	return &c
}

// LockTail returns the chain tail. The writer lock held by the calling
// transaction already makes it exclusive.
func (r *ReceiptRepository) LockTail(ctx context.Context) (models.LedgerTail, error) {
	var tail models.LedgerTail
	r.s.read(func() { tail = r.s.tail })
	return tail, nil
}

// Append inserts the receipt and advances the tail
func (r *ReceiptRepository) Append(ctx context.Context, receipt *models.AuditReceipt) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.receiptByID[receipt.ID]; ok {
			return nil, fmt.Errorf("receipt %s: %w", receipt.ID, repositories.ErrDuplicate)
		}
		if _, ok := r.s.receiptByHash[receipt.ReceiptHash]; ok {
			return nil, fmt.Errorf("receipt hash %s: %w", receipt.ReceiptHash, repositories.ErrDuplicate)
		}
		if receipt.Sequence != r.s.tail.LastSequence+1 {
			return nil, fmt.Errorf("receipt sequence %d does not follow tail %d", receipt.Sequence, r.s.tail.LastSequence)
		}

		prevTail := r.s.tail
		idx := len(r.s.receipts)
		r.s.receipts = append(r.s.receipts, cloneReceipt(receipt))
		r.s.receiptByID[receipt.ID] = idx
		r.s.receiptByHash[receipt.ReceiptHash] = idx
		r.s.tail = models.LedgerTail{
			LastHash:      receipt.ReceiptHash,
			LastSequence:  receipt.Sequence,
			LastTimestamp: receipt.Timestamp,
		}

		return func() {
			r.s.receipts = r.s.receipts[:idx]
			delete(r.s.receiptByID, receipt.ID)
			delete(r.s.receiptByHash, receipt.ReceiptHash)
			r.s.tail = prevTail
		}, nil
	})
}

// GetByID retrieves a receipt by ID
func (r *ReceiptRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AuditReceipt, error) {
	var out *models.AuditReceipt
	r.s.read(func() {
		if idx, ok := r.s.receiptByID[id]; ok {
			out = cloneReceipt(r.s.receipts[idx])
		}
	})
	if out == nil {
		return nil, fmt.Errorf("receipt %s: %w", id, repositories.ErrNotFound)
	}
	return out, nil
}

// GetByHash retrieves a receipt by its receipt hash
func (r *ReceiptRepository) GetByHash(ctx context.Context, hash string) (*models.AuditReceipt, error) {
	var out *models.AuditReceipt
	r.s.read(func() {
		if idx, ok := r.s.receiptByHash[hash]; ok {
			out = cloneReceipt(r.s.receipts[idx])
		}
	})
	if out == nil {
		return nil, fmt.Errorf("receipt hash %s: %w", hash, repositories.ErrNotFound)
	}
	return out, nil
}

// ListFromSequence returns receipts in chain order starting at fromSeq
func (r *ReceiptRepository) ListFromSequence(ctx context.Context, fromSeq int64, limit int) ([]*models.AuditReceipt, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	var out []*models.AuditReceipt
	r.s.read(func() {
		// sequence n lives at index n-1
		for i := int(fromSeq - 1); i < len(r.s.receipts); i++ {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, cloneReceipt(r.s.receipts[i]))
		}
	})
	return out, nil
}

// ListUnbatched returns receipts without a proof in chain order
func (r *ReceiptRepository) ListUnbatched(ctx context.Context, limit int) ([]*models.AuditReceipt, error) {
	var out []*models.AuditReceipt
	r.s.read(func() {
		for _, rec := range r.s.receipts {
			if limit > 0 && len(out) >= limit {
				break
			}
			if rec.MerkleProof == nil {
				out = append(out, cloneReceipt(rec))
			}
		}
	})
	return out, nil
}

// ListByResource returns receipts about one resource, newest first
func (r *ReceiptRepository) ListByResource(ctx context.Context, resourceKind, resourceID string, limit, offset int) ([]*models.AuditReceipt, error) {
	return r.listNewestFirst(func(rec *models.AuditReceipt) bool {
		return rec.ResourceKind == resourceKind && rec.ResourceID == resourceID
	}, limit, offset), nil
}

// ListByActor returns receipts produced by one actor, newest first
func (r *ReceiptRepository) ListByActor(ctx context.Context, actorID string, limit, offset int) ([]*models.AuditReceipt, error) {
	return r.listNewestFirst(func(rec *models.AuditReceipt) bool {
		return rec.ActorID == actorID
	}, limit, offset), nil
}

// ListByKind returns receipts of one kind, newest first
func (r *ReceiptRepository) ListByKind(ctx context.Context, kind models.ReceiptKind, limit, offset int) ([]*models.AuditReceipt, error) {
	return r.listNewestFirst(func(rec *models.AuditReceipt) bool {
		return rec.Kind == kind
	}, limit, offset), nil
}

// ListByTimeRange returns receipts stamped within [from, to], newest first
func (r *ReceiptRepository) ListByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.AuditReceipt, error) {
	return r.listNewestFirst(func(rec *models.AuditReceipt) bool {
		return inTimeRange(rec.Timestamp, from, to)
	}, limit, offset), nil
}

// CountByKindInRange counts receipts of one kind stamped within [from, to]
func (r *ReceiptRepository) CountByKindInRange(ctx context.Context, kind models.ReceiptKind, from, to time.Time) (int64, error) {
	var n int64
	r.s.read(func() {
		for _, rec := range r.s.receipts {
			if rec.Kind == kind && inTimeRange(rec.Timestamp, from, to) {
				n++
			}
		}
	})
	return n, nil
}

func inTimeRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}

func (r *ReceiptRepository) listNewestFirst(match func(*models.AuditReceipt) bool, limit, offset int) []*models.AuditReceipt {
	var out []*models.AuditReceipt
	skipped := 0
	r.s.read(func() {
		for i := len(r.s.receipts) - 1; i >= 0; i-- {
			rec := r.s.receipts[i]
			if !match(rec) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, cloneReceipt(rec))
		}
	})
	return out
}

// AttachProof stores a proof on a receipt that has none
func (r *ReceiptRepository) AttachProof(ctx context.Context, id uuid.UUID, batchID uuid.UUID, proof *models.MerkleProof) (bool, error) {
	attached := false
	err := r.s.write(ctx, func() (func(), error) {
		idx, ok := r.s.receiptByID[id]
		if !ok {
			return nil, fmt.Errorf("receipt %s: %w", id, repositories.ErrNotFound)
		}
		rec := r.s.receipts[idx]
		if rec.MerkleProof != nil {
			return nil, nil
		}
		p := *proof
		bid := batchID
		rec.MerkleProof = &p
		rec.MerkleBatchID = &bid
		attached = true
		return func() {
			rec.MerkleProof = nil
			rec.MerkleBatchID = nil
		}, nil
	})
	return attached, err
}

// MerkleBatchRepository implements repositories.MerkleBatchRepository
type MerkleBatchRepository struct {
	s *Store
}

func cloneBatch(b *models.MerkleBatch) *models.MerkleBatch {
	c := *b
	return &c
}

// Create inserts a batch header
func (r *MerkleBatchRepository) Create(ctx context.Context, batch *models.MerkleBatch) error {
	return r.s.write(ctx, func() (func(), error) {
		if _, ok := r.s.batches[batch.ID]; ok {
			return nil, fmt.Errorf("merkle batch %s: %w", batch.ID, repositories.ErrDuplicate)
		}
		if _, ok := r.s.batchByRoot[batch.Root]; ok {
			return nil, fmt.Errorf("merkle root %s: %w", batch.Root, repositories.ErrDuplicate)
		}
		r.s.batches[batch.ID] = cloneBatch(batch)
		r.s.batchByRoot[batch.Root] = batch.ID
		r.s.batchOrder = append(r.s.batchOrder, batch.ID)
		n := len(r.s.batchOrder) - 1
		return func() {
			delete(r.s.batches, batch.ID)
			delete(r.s.batchByRoot, batch.Root)
			r.s.batchOrder = r.s.batchOrder[:n]
		}, nil
	})
}

// GetByID retrieves a batch header by ID
func (r *MerkleBatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MerkleBatch, error) {
	var out *models.MerkleBatch
	r.s.read(func() {
		if b, ok := r.s.batches[id]; ok {
			out = cloneBatch(b)
		}
	})
	if out == nil {
		return nil, fmt.Errorf("merkle batch %s: %w", id, repositories.ErrNotFound)
	}
	return out, nil
}

// GetByRoot retrieves the batch with the given root
func (r *MerkleBatchRepository) GetByRoot(ctx context.Context, root string) (*models.MerkleBatch, error) {
	var out *models.MerkleBatch
	r.s.read(func() {
		if id, ok := r.s.batchByRoot[root]; ok {
			out = cloneBatch(r.s.batches[id])
		}
	})
	if out == nil {
		return nil, fmt.Errorf("merkle root %s: %w", root, repositories.ErrNotFound)
	}
	return out, nil
}

// ListByStatus retrieves batches in one anchor status, oldest first
func (r *MerkleBatchRepository) ListByStatus(ctx context.Context, status models.AnchorStatus, limit int) ([]*models.MerkleBatch, error) {
	var out []*models.MerkleBatch
	r.s.read(func() {
		for _, id := range r.s.batchOrder {
			b := r.s.batches[id]
			if b.AnchorStatus != status {
				continue
			}
			out = append(out, cloneBatch(b))
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateAnchor persists the anchor outcome of a batch
func (r *MerkleBatchRepository) UpdateAnchor(ctx context.Context, batch *models.MerkleBatch) error {
	return r.s.write(ctx, func() (func(), error) {
		cur, ok := r.s.batches[batch.ID]
		if !ok {
			return nil, fmt.Errorf("merkle batch %s: %w", batch.ID, repositories.ErrNotFound)
		}
		prev := *cur
		cur.AnchorID = batch.AnchorID
		cur.AnchorStatus = batch.AnchorStatus
		cur.AnchorError = batch.AnchorError
		cur.AnchoredAt = batch.AnchoredAt
		return func() { *cur = prev }, nil
	})
}
