package merkle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/anchor"
	"github.com/upb/consent-ledger/services/ledger"
	"go.uber.org/zap"
)

// Submitter queues a root for anchoring without blocking
type Submitter interface {
	Submit(job anchor.Job) bool
}

// BatchResult describes one anchored batch. A zero result means nothing was pending.
type BatchResult struct {
	BatchID    uuid.UUID   `json:"batch_id"`
	Root       string      `json:"root"`
	Count      int         `json:"count"`
	ReceiptIDs []uuid.UUID `json:"receipt_ids"`
	Queued     bool        `json:"queued"`
}

// ProofCheck is the verification outcome of one proof
type ProofCheck struct {
	ReceiptID   uuid.UUID           `json:"receipt_id,omitempty"`
	Proof       *models.MerkleProof `json:"proof,omitempty"`
	Batched     bool                `json:"batched"`
	LeafMatches bool                `json:"leaf_matches"`
	ProofValid  bool                `json:"proof_valid"`
	BatchKnown  bool                `json:"batch_known"`
	Anchored    bool                `json:"anchored"`
	AnchorID    string              `json:"anchor_id,omitempty"`
}

// Batcher groups unproofed receipts into trees and hands their roots to the anchor dispatcher
type Batcher struct {
	receipts   repositories.ReceiptRepository
	batches    repositories.MerkleBatchRepository
	txMgr      repositories.TransactionManager
	anchors    Submitter
	logger     *zap.Logger
	retryEvery time.Duration
}

// NewBatcher creates a new batcher. Pending anchors older than retryEvery
// are resubmitted by the Start loop; zero disables that.
func NewBatcher(
	receipts repositories.ReceiptRepository,
	batches repositories.MerkleBatchRepository,
	txMgr repositories.TransactionManager,
	anchors Submitter,
	retryEvery time.Duration,
	logger *zap.Logger,
) *Batcher {
	return &Batcher{
		receipts:   receipts,
		batches:    batches,
		txMgr:      txMgr,
		anchors:    anchors,
		logger:     logger,
		retryEvery: retryEvery,
	}
}

type batchMetadata struct {
	FirstSequence int64     `json:"first_sequence"`
	LastSequence  int64     `json:"last_sequence"`
	LeafCount     int       `json:"leaf_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// AnchorBatch proofs up to maxBatchSize unproofed receipts in chain order
// and queues the root for anchoring once the proofs are committed.
func (b *Batcher) AnchorBatch(ctx context.Context, maxBatchSize int) (*BatchResult, error) {
	if maxBatchSize <= 0 {
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "max_batch_size")
	}

	var batch *models.MerkleBatch
	result, err := services.WithTransactionResult(ctx, b.txMgr, func(ctx context.Context, tx repositories.Transaction) (*BatchResult, error) {
		pending, err := b.receipts.ListUnbatched(ctx, maxBatchSize)
		if err != nil {
			return nil, services.WrapInternal("failed to list unbatched receipts", err)
		}
		if len(pending) == 0 {
			return &BatchResult{}, nil
		}

		leaves := make([]string, len(pending))
		for i, r := range pending {
			leaves[i] = r.ReceiptHash
		}
		tree, err := BuildTree(leaves)
		if err != nil {
			return nil, services.WrapInternal("failed to build merkle tree", err)
		}

		first, last := pending[0].Sequence, pending[len(pending)-1].Sequence
		metaHash, err := ledger.HashDetails(batchMetadata{
			FirstSequence: first,
			LastSequence:  last,
			LeafCount:     len(pending),
			CreatedAt:     models.Now(),
		})
		if err != nil {
			return nil, services.WrapInternal("failed to hash batch metadata", err)
		}

		batch = models.NewMerkleBatch(tree.Root, len(pending), first, last, metaHash)
		if err := b.batches.Create(ctx, batch); err != nil {
			return nil, services.WrapInternal("failed to store merkle batch", err)
		}

		res := &BatchResult{BatchID: batch.ID, Root: tree.Root}
		for i, r := range pending {
			proof, err := tree.Proof(i)
			if err != nil {
				return nil, services.WrapInternal("failed to build proof", err)
			}
			attached, err := b.receipts.AttachProof(ctx, r.ID, batch.ID, proof)
			if err != nil {
				return nil, services.WrapInternal("failed to attach proof", err)
			}
			// The tree already commits to this leaf, so a receipt proofed
			// elsewhere voids the whole batch. It is rebuilt next cycle.
			if !attached {
				b.logger.Warn("receipt proofed by another batch, rolling back",
					zap.String("receipt_id", r.ID.String()),
					zap.String("batch_id", batch.ID.String()))
				return nil, services.Derive(services.ErrResourceBusy, nil).
					WithDetail("receipt_id", r.ID.String())
			}
			res.ReceiptIDs = append(res.ReceiptIDs, r.ID)
		}
		res.Count = len(res.ReceiptIDs)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return result, nil
	}

	result.Queued = b.anchors.Submit(anchor.Job{
		BatchID:      batch.ID,
		Root:         batch.Root,
		Count:        batch.LeafCount,
		MetadataHash: batch.MetadataHash,
	})

	b.logger.Info("merkle batch created",
		zap.String("batch_id", batch.ID.String()),
		zap.String("root", batch.Root),
		zap.Int("count", result.Count),
		zap.Int64("first_sequence", batch.FirstSequence),
		zap.Int64("last_sequence", batch.LastSequence),
		zap.Bool("queued", result.Queued))
	return result, nil
}

// VerifyReceiptProof checks the stored proof of a receipt against its leaf and its batch
func (b *Batcher) VerifyReceiptProof(ctx context.Context, receiptID uuid.UUID) (*ProofCheck, error) {
	r, err := b.receipts.GetByID(ctx, receiptID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Derive(services.ErrReceiptNotFound, err)
		}
		return nil, services.WrapInternal("failed to get receipt", err)
	}

	check := &ProofCheck{ReceiptID: r.ID, Proof: r.MerkleProof, Batched: r.IsBatched()}
	if !check.Batched {
		return check, nil
	}

	check.LeafMatches = r.MerkleProof.LeafHash == r.ReceiptHash &&
		ledger.ComputeReceiptHash(r) == r.ReceiptHash
	check.ProofValid = VerifyProof(r.MerkleProof, r.MerkleProof.Root)

	if r.MerkleBatchID != nil {
		batch, err := b.batches.GetByID(ctx, *r.MerkleBatchID)
		switch {
		case err == nil:
			b.applyBatch(check, batch, r.MerkleProof.Root)
		case !errors.Is(err, repositories.ErrNotFound):
			return nil, services.WrapInternal("failed to get merkle batch", err)
		}
	}

	if !check.LeafMatches || !check.ProofValid || !check.BatchKnown {
		b.logger.Error("receipt proof failed verification",
			zap.String("security_event", "merkle_proof_invalid"),
			zap.String("receipt_id", r.ID.String()),
			zap.Bool("leaf_matches", check.LeafMatches),
			zap.Bool("proof_valid", check.ProofValid),
			zap.Bool("batch_known", check.BatchKnown))
	}
	return check, nil
}

// CheckProof verifies a proof presented from outside against expectedRoot
// and reports whether that root belongs to a known, anchored batch.
func (b *Batcher) CheckProof(ctx context.Context, proof *models.MerkleProof, expectedRoot string) (*ProofCheck, error) {
	check := &ProofCheck{Proof: proof, Batched: true, LeafMatches: true}
	check.ProofValid = VerifyProof(proof, expectedRoot)

	batch, err := b.batches.GetByRoot(ctx, expectedRoot)
	switch {
	case err == nil:
		b.applyBatch(check, batch, expectedRoot)
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, services.WrapInternal("failed to get merkle batch", err)
	}
	return check, nil
}

func (b *Batcher) applyBatch(check *ProofCheck, batch *models.MerkleBatch, root string) {
	check.BatchKnown = batch.Root == root
	check.Anchored = check.BatchKnown && batch.AnchorStatus == models.AnchorAnchored
	if check.Anchored && batch.AnchorID != nil {
		check.AnchorID = *batch.AnchorID
	}
}

// GetBatch retrieves a batch header
func (b *Batcher) GetBatch(ctx context.Context, id uuid.UUID) (*models.MerkleBatch, error) {
	batch, err := b.batches.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Derive(services.ErrBatchNotFound, err)
		}
		return nil, services.WrapInternal("failed to get merkle batch", err)
	}
	return batch, nil
}

// RetryPendingAnchors resubmits failed batches and pending ones created
// before olderThan ago. Returns how many were queued.
func (b *Batcher) RetryPendingAnchors(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := models.Now().Add(-olderThan)
	queued := 0

	for _, status := range []models.AnchorStatus{models.AnchorFailed, models.AnchorPending} {
		list, err := b.batches.ListByStatus(ctx, status, limit)
		if err != nil {
			return queued, services.WrapInternal("failed to list batches", err)
		}
		for _, batch := range list {
			if status == models.AnchorPending && batch.CreatedAt.After(cutoff) {
				continue
			}
			if !b.anchors.Submit(anchor.Job{
				BatchID:      batch.ID,
				Root:         batch.Root,
				Count:        batch.LeafCount,
				MetadataHash: batch.MetadataHash,
			}) {
				return queued, nil
			}
			queued++
		}
	}

	if queued > 0 {
		b.logger.Info("resubmitted anchor jobs", zap.Int("count", queued))
	}
	return queued, nil
}

// Start batches every interval until ctx is cancelled. A failed cycle is
// logged and the receipts stay eligible for the next one.
func (b *Batcher) Start(ctx context.Context, interval time.Duration, maxBatchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var retry <-chan time.Time
	if b.retryEvery > 0 {
		retryTicker := time.NewTicker(b.retryEvery)
		defer retryTicker.Stop()
		retry = retryTicker.C
	}

	b.logger.Info("merkle batcher started",
		zap.Duration("interval", interval),
		zap.Int("max_batch_size", maxBatchSize))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("merkle batcher stopped")
			return
		case <-ticker.C:
			if _, err := b.AnchorBatch(ctx, maxBatchSize); err != nil {
				b.logger.Error("merkle batch cycle failed", zap.Error(err))
			}
		case <-retry:
			if _, err := b.RetryPendingAnchors(ctx, b.retryEvery, maxBatchSize); err != nil {
				b.logger.Error("anchor retry cycle failed", zap.Error(err))
			}
		}
	}
}
