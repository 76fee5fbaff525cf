// Package ledger appends and verifies the hash-chained audit receipts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/services"
	"go.uber.org/zap"
)

const chainPageSize = 500

// AppendInput describes one consequential event
type AppendInput struct {
	Kind         models.ReceiptKind
	ActorID      string
	ActorKind    models.ActorKind
	ResourceID   string
	ResourceKind string
	DetailsHash  string
}

// IntegrityReport is the result of checking one receipt
type IntegrityReport struct {
	ReceiptID    uuid.UUID `json:"receipt_id"`
	Sequence     int64     `json:"sequence"`
	HashValid    bool      `json:"hash_valid"`
	ChainValid   bool      `json:"chain_valid"`
	ExpectedHash string    `json:"expected_hash"`
	StoredHash   string    `json:"stored_hash"`
}

// ChainReport summarizes a successful chain walk
type ChainReport struct {
	Checked       int    `json:"checked"`
	FirstSequence int64  `json:"first_sequence"`
	LastSequence  int64  `json:"last_sequence"`
	LastHash      string `json:"last_hash"`
}

// Service owns the receipt chain
type Service struct {
	receipts repositories.ReceiptRepository
	txMgr    repositories.TransactionManager
	logger   *zap.Logger
}

// NewService creates a new ledger service
func NewService(receipts repositories.ReceiptRepository, txMgr repositories.TransactionManager, logger *zap.Logger) *Service {
	return &Service{
		receipts: receipts,
		txMgr:    txMgr,
		logger:   logger,
	}
}

func (in AppendInput) validate() error {
	missing := ""
	switch {
	case !in.Kind.Valid():
		missing = "kind"
	case in.ActorID == "":
		missing = "actor_id"
	case !in.ActorKind.Valid():
		missing = "actor_kind"
	case in.ResourceID == "":
		missing = "resource_id"
	case in.ResourceKind == "":
		missing = "resource_kind"
	case in.DetailsHash == "":
		missing = "details_hash"
	}
	if missing != "" {
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", missing)
	}
	return nil
}

// AppendReceipt links a new receipt to the chain tail. When ctx carries a
// transaction the receipt commits or rolls back with it.
func (s *Service) AppendReceipt(ctx context.Context, in AppendInput) (*models.AuditReceipt, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.AuditReceipt, error) {
		tail, err := s.receipts.LockTail(ctx)
		if err != nil {
			return nil, services.WrapInternal("failed to lock ledger tail", err)
		}

		ts := models.Now()
		if ts.Before(tail.LastTimestamp) {
			ts = tail.LastTimestamp
		}

		prev := models.GenesisHash
		if !tail.Empty() {
			prev = tail.LastHash
		}

		receipt := &models.AuditReceipt{
			ID:           uuid.New(),
			Sequence:     tail.LastSequence + 1,
			Kind:         in.Kind,
			Timestamp:    ts,
			ActorID:      in.ActorID,
			ActorKind:    in.ActorKind,
			ResourceID:   in.ResourceID,
			ResourceKind: in.ResourceKind,
			DetailsHash:  in.DetailsHash,
			PreviousHash: prev,
		}
		receipt.ReceiptHash = ComputeReceiptHash(receipt)

		if err := s.receipts.Append(ctx, receipt); err != nil {
			return nil, services.WrapInternal("failed to append receipt", err)
		}

		s.logger.Debug("receipt appended",
			zap.String("receipt_id", receipt.ID.String()),
			zap.Int64("sequence", receipt.Sequence),
			zap.String("kind", string(receipt.Kind)))
		return receipt, nil
	})
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id uuid.UUID) (*models.AuditReceipt, error) {
	r, err := s.receipts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Derive(services.ErrReceiptNotFound, err)
		}
		return nil, services.WrapInternal("failed to get receipt", err)
	}
	return r, nil
}

// ListByResource returns receipts about one resource, newest first
func (s *Service) ListByResource(ctx context.Context, resourceKind, resourceID string, limit, offset int) ([]*models.AuditReceipt, error) {
	list, err := s.receipts.ListByResource(ctx, resourceKind, resourceID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list receipts", err)
	}
	return list, nil
}

// ListByActor returns receipts produced by one actor, newest first
func (s *Service) ListByActor(ctx context.Context, actorID string, limit, offset int) ([]*models.AuditReceipt, error) {
	list, err := s.receipts.ListByActor(ctx, actorID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list receipts", err)
	}
	return list, nil
}

// ListByKind returns receipts of one kind, newest first
func (s *Service) ListByKind(ctx context.Context, kind models.ReceiptKind, limit, offset int) ([]*models.AuditReceipt, error) {
	if !kind.Valid() {
		return nil, services.Derive(services.ErrUnknownReceiptKind, nil).WithDetail("kind", string(kind))
	}
	list, err := s.receipts.ListByKind(ctx, kind, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list receipts", err)
	}
	return list, nil
}

// ListByTimeRange returns receipts stamped within [from, to], newest first
func (s *Service) ListByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.AuditReceipt, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	list, err := s.receipts.ListByTimeRange(ctx, from.UTC(), to.UTC(), limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list receipts", err)
	}
	return list, nil
}

// CountByKindInRange counts receipts of one kind stamped within [from, to]
func (s *Service) CountByKindInRange(ctx context.Context, kind models.ReceiptKind, from, to time.Time) (int64, error) {
	if !kind.Valid() {
		return 0, services.Derive(services.ErrUnknownReceiptKind, nil).WithDetail("kind", string(kind))
	}
	if err := checkRange(from, to); err != nil {
		return 0, err
	}
	n, err := s.receipts.CountByKindInRange(ctx, kind, from.UTC(), to.UTC())
	if err != nil {
		return 0, services.WrapInternal("failed to count receipts", err)
	}
	return n, nil
}

func checkRange(from, to time.Time) error {
	if to.Before(from) {
		return services.Derive(services.ErrInvalidTimeRange, nil).
			WithDetail("from", from.Format(time.RFC3339)).
			WithDetail("to", to.Format(time.RFC3339))
	}
	return nil
}

// VerifyReceiptIntegrity recomputes the receipt hash and checks the link to its predecessor
func (s *Service) VerifyReceiptIntegrity(ctx context.Context, id uuid.UUID) (*IntegrityReport, error) {
	r, err := s.GetReceipt(ctx, id)
	if err != nil {
		return nil, err
	}

	expected := ComputeReceiptHash(r)
	report := &IntegrityReport{
		ReceiptID:    r.ID,
		Sequence:     r.Sequence,
		ExpectedHash: expected,
		StoredHash:   r.ReceiptHash,
		HashValid:    expected == r.ReceiptHash,
	}

	if r.PreviousHash == models.GenesisHash {
		report.ChainValid = r.Sequence == 1
	} else {
		prev, err := s.receipts.GetByHash(ctx, r.PreviousHash)
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			report.ChainValid = false
		case err != nil:
			return nil, services.WrapInternal("failed to load predecessor", err)
		default:
			report.ChainValid = prev.Sequence == r.Sequence-1 && !prev.Timestamp.After(r.Timestamp)
		}
	}

	if !report.HashValid || !report.ChainValid {
		s.logger.Error("receipt failed integrity check",
			zap.String("security_event", "ledger_integrity_violation"),
			zap.String("receipt_id", r.ID.String()),
			zap.Int64("sequence", r.Sequence),
			zap.Bool("hash_valid", report.HashValid),
			zap.Bool("chain_valid", report.ChainValid))
	}
	return report, nil
}

// VerifyChain walks up to limit receipts from fromSeq in order and returns
// an integrity violation at the first bad hash or broken link. A
// non-positive limit walks to the tail.
func (s *Service) VerifyChain(ctx context.Context, fromSeq int64, limit int) (*ChainReport, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}

	report := &ChainReport{FirstSequence: fromSeq}
	var prev *models.AuditReceipt
	if fromSeq > 1 {
		page, err := s.receipts.ListFromSequence(ctx, fromSeq-1, 1)
		if err != nil {
			return nil, services.WrapInternal("failed to read chain", err)
		}
		if len(page) == 1 {
			prev = page[0]
		}
	}

	next := fromSeq
	for limit <= 0 || report.Checked < limit {
		size := chainPageSize
		if limit > 0 && limit-report.Checked < size {
			size = limit - report.Checked
		}
		page, err := s.receipts.ListFromSequence(ctx, next, size)
		if err != nil {
			return nil, services.WrapInternal("failed to read chain", err)
		}
		for _, r := range page {
			if err := s.checkLink(prev, r); err != nil {
				return report, err
			}
			prev = r
			report.Checked++
			report.LastSequence = r.Sequence
			report.LastHash = r.ReceiptHash
		}
		if len(page) < size {
			break
		}
		next = prev.Sequence + 1
	}

	s.logger.Info("receipt chain verified",
		zap.Int64("from", report.FirstSequence),
		zap.Int64("to", report.LastSequence),
		zap.Int("checked", report.Checked))
	return report, nil
}

func (s *Service) checkLink(prev, r *models.AuditReceipt) error {
	var violation *services.DomainError
	switch {
	case ComputeReceiptHash(r) != r.ReceiptHash:
		violation = services.Derive(services.ErrHashMismatch, nil)
	case prev == nil && (r.Sequence != 1 || r.PreviousHash != models.GenesisHash):
		violation = services.Derive(services.ErrBrokenChain, nil).WithDetail("reason", "missing predecessor")
	case prev != nil && r.Sequence != prev.Sequence+1:
		violation = services.Derive(services.ErrBrokenChain, nil).WithDetail("reason", "sequence gap")
	case prev != nil && r.PreviousHash != prev.ReceiptHash:
		violation = services.Derive(services.ErrBrokenChain, nil).WithDetail("reason", "previous hash mismatch")
	case prev != nil && prev.Timestamp.After(r.Timestamp):
		violation = services.Derive(services.ErrBrokenChain, nil).WithDetail("reason", "timestamp before predecessor")
	}
	if violation == nil {
		return nil
	}

	violation.WithDetail("sequence", r.Sequence).WithDetail("receipt_id", r.ID.String())
	s.logger.Error("receipt chain broken",
		zap.String("security_event", "ledger_integrity_violation"),
		zap.Int64("sequence", r.Sequence),
		zap.String("receipt_id", r.ID.String()),
		zap.Error(violation))
	return fmt.Errorf("verify chain: %w", violation)
}
