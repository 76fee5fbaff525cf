// Package payout moves data sovereign earnings out through a payment rail.
//
// A payout is requested (Available -> Pending), processed (the rail is called
// outside any transaction) and then either completed (Pending -> paid out) or
// failed (Pending -> Available). Every step posts one journal entry.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/journal"
	"github.com/upb/consent-ledger/services/ledger"
	"go.uber.org/zap"
)

const (
	resourceKind    = "payout"
	systemActor     = "payout-service"
	stuckBatchLimit = 100
)

// Journal posts double-entry movements
type Journal interface {
	Record(ctx context.Context, p journal.Posting) (*models.JournalEntry, bool, error)
}

// ReceiptAppender appends audit receipts
type ReceiptAppender interface {
	AppendReceipt(ctx context.Context, in ledger.AppendInput) (*models.AuditReceipt, error)
}

// Config is the payout policy
type Config struct {
	MinAmount         decimal.Decimal
	DailyCap          decimal.Decimal
	VelocityThreshold int
	VelocityWindow    time.Duration
	TransferTimeout   time.Duration
}

// DefaultConfig returns the default payout policy
func DefaultConfig() Config {
	return Config{
		MinAmount:         decimal.NewFromInt(10),
		DailyCap:          decimal.NewFromInt(10000),
		VelocityThreshold: 5,
		VelocityWindow:    24 * time.Hour,
		TransferTimeout:   30 * time.Second,
	}
}

// Request asks for a payout of earned money
type Request struct {
	DSID            string              `json:"ds_id" validate:"required"`
	Amount          decimal.Decimal     `json:"amount" validate:"amount"`
	Currency        string              `json:"currency,omitempty"`
	Method          models.PayoutMethod `json:"method" validate:"required"`
	DestinationHash string              `json:"destination_hash" validate:"required"`
	IdempotencyKey  string              `json:"idempotency_key" validate:"required"`
}

// Service handles payout business logic
type Service struct {
	balances repositories.BalanceRepository
	payouts  repositories.PayoutRepository
	journal  Journal
	receipts ReceiptAppender
	velocity VelocitySource
	gate     *FraudGate
	rail     Rail
	txMgr    repositories.TransactionManager
	config   Config
	logger   *zap.Logger
}

// NewService creates a new payout service
func NewService(
	balances repositories.BalanceRepository,
	payouts repositories.PayoutRepository,
	journal Journal,
	receipts ReceiptAppender,
	velocity VelocitySource,
	rail Rail,
	txMgr repositories.TransactionManager,
	config Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		balances: balances,
		payouts:  payouts,
		journal:  journal,
		receipts: receipts,
		velocity: velocity,
		gate:     NewFraudGate(velocity, config.VelocityThreshold, config.DailyCap, config.VelocityWindow, logger),
		rail:     rail,
		txMgr:    txMgr,
		config:   config,
		logger:   logger,
	}
}

func (s *Service) validate(req Request) error {
	switch {
	case req.DSID == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "ds_id")
	case req.IdempotencyKey == "":
		return services.Derive(services.ErrMissingIdempotencyKey, nil)
	case req.DestinationHash == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "destination_hash")
	case !req.Method.Valid():
		return services.Derive(services.ErrUnknownPayoutMethod, nil).WithDetail("method", string(req.Method))
	case !req.Amount.IsPositive():
		return services.Derive(services.ErrInvalidAmount, nil).WithDetail("amount", req.Amount.String())
	case req.Amount.LessThan(s.config.MinAmount):
		return services.Derive(services.ErrBelowMinimumPayout, nil).
			WithDetail("amount", req.Amount.String()).
			WithDetail("minimum", s.config.MinAmount.String())
	}
	return nil
}

// RequestPayout holds amount of the data sovereign's available balance and
// creates a PENDING instruction. A known idempotency key returns the existing instruction.
func (s *Service) RequestPayout(ctx context.Context, req Request) (*models.PayoutInstruction, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	if prior, err := s.replay(ctx, req); prior != nil || err != nil {
		return prior, err
	}

	var recorded *models.PayoutInstruction
	p, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.PayoutInstruction, error) {
		balance, err := s.lockBalance(ctx, req.DSID)
		if err != nil {
			return nil, err
		}
		if req.Currency != "" && req.Currency != balance.Currency {
			return nil, services.Derive(services.ErrCurrencyMismatch, nil).
				WithDetail("balance_currency", balance.Currency).
				WithDetail("requested_currency", req.Currency)
		}

		if err := s.gate.Check(ctx, req.DSID, req.Amount, models.Now()); err != nil {
			return nil, err
		}

		if req.Amount.GreaterThan(balance.Available) {
			return nil, services.Derive(services.ErrInsufficientFunds, nil).
				WithDetail("requested", req.Amount.String()).
				WithDetail("available", balance.Available.String())
		}

		p := models.NewPayoutInstruction(req.DSID, req.Amount, balance.Currency, req.Method, req.DestinationHash, req.IdempotencyKey)
		if err := s.payouts.Create(ctx, p); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, services.Derive(services.ErrIdempotencyReused, err).
					WithDetail("idempotency_key", req.IdempotencyKey)
			}
			return nil, services.WrapInternal("failed to create payout", err)
		}

		balance.Hold(req.Amount)
		if err := s.balances.Update(ctx, balance); err != nil {
			return nil, services.WrapInternal("failed to update balance", err)
		}

		if err := s.post(ctx, p, "hold",
			models.AccountLabel(models.AccountDSBalance, p.DSID),
			models.AccountLabel(models.AccountDSPending, p.DSID)); err != nil {
			return nil, err
		}
		if err := s.appendReceipt(ctx, p, models.ReceiptPayoutRequested, p.DSID, models.ActorDS); err != nil {
			return nil, err
		}

		// The velocity entry is written while the balance row is still
		// locked, so the next request of this data sovereign counts it.
		if err := s.velocity.Record(ctx, p); err != nil {
			s.logger.Warn("payout rejected, velocity not recorded",
				zap.String("security_event", "payout_velocity_unavailable"),
				zap.String("ds_id", p.DSID),
				zap.Error(err))
			return nil, services.WrapExternal("payout velocity store unavailable", err)
		}
		recorded = p
		return p, nil
	})
	if err != nil {
		if recorded != nil {
			s.forget(context.WithoutCancel(ctx), recorded)
		}
		if services.IsConflictError(err) {
			if prior, replayErr := s.replay(ctx, req); prior != nil {
				return prior, nil
			} else if replayErr != nil {
				return nil, replayErr
			}
		}
		return nil, err
	}

	s.logger.Info("payout requested",
		zap.String("payout_id", p.ID.String()),
		zap.String("ds_id", p.DSID),
		zap.String("amount", p.Amount.String()),
		zap.String("method", string(p.Method)))
	return p, nil
}

// ProcessPayout sends a PENDING instruction through the rail. A rail failure
// or timeout is not an error of this call: the instruction comes back FAILED
// with its amount returned to the available balance.
func (s *Service) ProcessPayout(ctx context.Context, payoutID uuid.UUID) (*models.PayoutInstruction, error) {
	p, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.PayoutInstruction, error) {
		p, err := s.lockPayout(ctx, payoutID)
		if err != nil {
			return nil, err
		}
		if p.Status != models.PayoutPending {
			return nil, services.Derive(services.ErrInvalidStateChange, nil).
				WithDetail("operation", "process").
				WithDetail("status", string(p.Status))
		}
		p.MarkProcessing()
		if err := s.payouts.Update(ctx, p); err != nil {
			return nil, services.WrapInternal("failed to update payout", err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	// From here on the transfer and its bookkeeping outlive the caller.
	ctx = context.WithoutCancel(ctx)
	railCtx, cancel := context.WithTimeout(ctx, s.config.TransferTimeout)
	ref, railErr := s.rail.Transfer(railCtx, p)
	cancel()

	if railErr != nil {
		reason := railErr.Error()
		if errors.Is(railErr, context.DeadlineExceeded) {
			reason = fmt.Sprintf("transfer timed out after %s", s.config.TransferTimeout)
		}
		s.logger.Warn("payout transfer failed",
			zap.String("payout_id", p.ID.String()),
			zap.String("method", string(p.Method)),
			zap.Error(railErr))
		return s.fail(ctx, payoutID, reason)
	}
	return s.complete(ctx, payoutID, ref)
}

// CancelPayout withdraws a PENDING instruction. Only its data sovereign may cancel.
func (s *Service) CancelPayout(ctx context.Context, payoutID uuid.UUID, dsID string) (*models.PayoutInstruction, error) {
	p, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.PayoutInstruction, error) {
		p, err := s.lockPayout(ctx, payoutID)
		if err != nil {
			return nil, err
		}
		if p.DSID != dsID {
			s.logger.Warn("payout cancel by other party rejected",
				zap.String("security_event", "payout_unauthorized"),
				zap.String("payout_id", p.ID.String()),
				zap.String("actor_id", dsID))
			return nil, services.Derive(services.ErrNotDataSovereign, nil).WithDetail("payout_id", p.ID.String())
		}
		if p.Status != models.PayoutPending {
			return nil, services.Derive(services.ErrInvalidStateChange, nil).
				WithDetail("operation", "cancel").
				WithDetail("status", string(p.Status))
		}

		if err := s.returnHold(ctx, p, "cancel"); err != nil {
			return nil, err
		}
		p.MarkCancelled()
		if err := s.payouts.Update(ctx, p); err != nil {
			return nil, services.WrapInternal("failed to update payout", err)
		}
		if err := s.appendReceipt(ctx, p, models.ReceiptPayoutCancelled, dsID, models.ActorDS); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	s.forget(ctx, p)
	s.logger.Info("payout cancelled",
		zap.String("payout_id", p.ID.String()),
		zap.String("ds_id", p.DSID))
	return p, nil
}

// GetPayout retrieves an instruction by ID
func (s *Service) GetPayout(ctx context.Context, payoutID uuid.UUID) (*models.PayoutInstruction, error) {
	p, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, mapPayoutNotFound(err)
	}
	return p, nil
}

// ListPayouts returns the instructions of a data sovereign, newest first
func (s *Service) ListPayouts(ctx context.Context, dsID string, limit, offset int) ([]*models.PayoutInstruction, error) {
	list, err := s.payouts.ListByDS(ctx, dsID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list payouts", err)
	}
	return list, nil
}

// GetBalance retrieves the earnings of a data sovereign
func (s *Service) GetBalance(ctx context.Context, dsID string) (*models.DataSovereignBalance, error) {
	b, err := s.balances.Get(ctx, dsID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Derive(services.ErrBalanceNotFound, err).WithDetail("ds_id", dsID)
		}
		return nil, services.WrapInternal("failed to get balance", err)
	}
	return b, nil
}

// RecoverStuck fails PROCESSING instructions that started more than olderThan
// ago, returning their amount to the available balance.
func (s *Service) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := s.payouts.ListStuck(ctx, models.Now().Add(-olderThan), stuckBatchLimit)
	if err != nil {
		return 0, services.WrapInternal("failed to list stuck payouts", err)
	}

	recovered := 0
	for _, p := range stuck {
		if _, err := s.fail(ctx, p.ID, fmt.Sprintf("no rail outcome after %s", olderThan)); err != nil {
			if services.IsValidationError(err) {
				// resolved concurrently
				continue
			}
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Warn("stuck payouts recovered",
			zap.Int("count", recovered),
			zap.Duration("older_than", olderThan))
	}
	return recovered, nil
}

// StartRecoveryWorker runs RecoverStuck every interval until ctx is cancelled
func (s *Service) StartRecoveryWorker(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("payout recovery worker started",
		zap.Duration("interval", interval),
		zap.Duration("older_than", olderThan))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("payout recovery worker stopped")
			return
		case <-ticker.C:
			if _, err := s.RecoverStuck(ctx, olderThan); err != nil {
				s.logger.Error("payout recovery failed", zap.Error(err))
			}
		}
	}
}

func (s *Service) complete(ctx context.Context, payoutID uuid.UUID, ref string) (*models.PayoutInstruction, error) {
	p, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.PayoutInstruction, error) {
		p, err := s.lockProcessing(ctx, payoutID, "complete")
		if err != nil {
			return nil, err
		}
		balance, err := s.lockBalance(ctx, p.DSID)
		if err != nil {
			return nil, err
		}

		now := models.Now()
		balance.PayOut(p.Amount, now)
		if err := s.balances.Update(ctx, balance); err != nil {
			return nil, services.WrapInternal("failed to update balance", err)
		}
		if err := s.post(ctx, p, "complete",
			models.AccountLabel(models.AccountDSPending, p.DSID),
			models.AccountLabel(models.AccountPayoutRail, string(p.Method))); err != nil {
			return nil, err
		}

		p.MarkCompleted(ref)
		if err := s.payouts.Update(ctx, p); err != nil {
			return nil, services.WrapInternal("failed to update payout", err)
		}
		if err := s.appendReceipt(ctx, p, models.ReceiptPayoutCompleted, systemActor, models.ActorSystem); err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout completed",
		zap.String("payout_id", p.ID.String()),
		zap.String("ds_id", p.DSID),
		zap.String("amount", p.Amount.String()),
		zap.String("external_reference", ref))
	return p, nil
}

func (s *Service) fail(ctx context.Context, payoutID uuid.UUID, reason string) (*models.PayoutInstruction, error) {
	p, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.PayoutInstruction, error) {
		p, err := s.lockProcessing(ctx, payoutID, "fail")
		if err != nil {
			return nil, err
		}
		if err := s.returnHold(ctx, p, "fail"); err != nil {
			return nil, err
		}
		p.MarkFailed(reason)
		if err := s.payouts.Update(ctx, p); err != nil {
			return nil, services.WrapInternal("failed to update payout", err)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}

	s.forget(ctx, p)
	s.logger.Warn("payout failed",
		zap.String("payout_id", p.ID.String()),
		zap.String("ds_id", p.DSID),
		zap.String("reason", reason))
	return p, nil
}

// returnHold moves a held amount back from pending to available
func (s *Service) returnHold(ctx context.Context, p *models.PayoutInstruction, step string) error {
	balance, err := s.lockBalance(ctx, p.DSID)
	if err != nil {
		return err
	}
	balance.Release(p.Amount)
	if err := s.balances.Update(ctx, balance); err != nil {
		return services.WrapInternal("failed to update balance", err)
	}
	return s.post(ctx, p, step,
		models.AccountLabel(models.AccountDSPending, p.DSID),
		models.AccountLabel(models.AccountDSBalance, p.DSID))
}

func (s *Service) post(ctx context.Context, p *models.PayoutInstruction, step, debit, credit string) error {
	_, _, err := s.journal.Record(ctx, journal.Posting{
		DebitAccount:   debit,
		CreditAccount:  credit,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Memo:           "payout " + step,
		IdempotencyKey: "payout:" + p.ID.String() + ":" + step,
		ReferenceID:    p.ID.String(),
	})
	return err
}

func (s *Service) appendReceipt(ctx context.Context, p *models.PayoutInstruction, kind models.ReceiptKind, actorID string, actorKind models.ActorKind) error {
	details := map[string]interface{}{
		"payout_id":        p.ID.String(),
		"ds_id":            p.DSID,
		"amount":           p.Amount.String(),
		"currency":         p.Currency,
		"method":           string(p.Method),
		"destination_hash": p.DestinationHash,
		"status":           string(p.Status),
	}
	if p.ExternalReference != nil {
		details["external_reference"] = *p.ExternalReference
	}
	_, err := s.receipts.AppendReceipt(ctx, ledger.AppendInput{
		Kind:         kind,
		ActorID:      actorID,
		ActorKind:    actorKind,
		ResourceID:   p.ID.String(),
		ResourceKind: resourceKind,
		DetailsHash:  ledger.MustHashDetails(details),
	})
	return err
}

// replay returns the instruction of a known key, nil when the key is new
func (s *Service) replay(ctx context.Context, req Request) (*models.PayoutInstruction, error) {
	prior, err := s.payouts.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, services.WrapInternal("failed to look up payout", err)
	}
	if prior.DSID != req.DSID || !prior.Amount.Equal(req.Amount) ||
		prior.Method != req.Method || prior.DestinationHash != req.DestinationHash {
		return nil, services.Derive(services.ErrIdempotencyReused, nil).
			WithDetail("idempotency_key", req.IdempotencyKey)
	}
	return prior, nil
}

func (s *Service) forget(ctx context.Context, p *models.PayoutInstruction) {
	if err := s.velocity.Forget(ctx, p); err != nil {
		s.logger.Warn("failed to forget payout velocity",
			zap.String("payout_id", p.ID.String()),
			zap.Error(err))
	}
}

func (s *Service) lockBalance(ctx context.Context, dsID string) (*models.DataSovereignBalance, error) {
	existing, err := s.balances.Get(ctx, dsID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Derive(services.ErrBalanceNotFound, err).WithDetail("ds_id", dsID)
		}
		return nil, services.WrapInternal("failed to get balance", err)
	}
	b, err := s.balances.LockOrCreate(ctx, dsID, existing.Currency)
	if err != nil {
		return nil, services.WrapInternal("failed to lock balance", err)
	}
	return b, nil
}

func (s *Service) lockPayout(ctx context.Context, id uuid.UUID) (*models.PayoutInstruction, error) {
	p, err := s.payouts.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, mapPayoutNotFound(err)
	}
	return p, nil
}

func (s *Service) lockProcessing(ctx context.Context, id uuid.UUID, op string) (*models.PayoutInstruction, error) {
	p, err := s.lockPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PayoutProcessing {
		return nil, services.Derive(services.ErrInvalidStateChange, nil).
			WithDetail("operation", op).
			WithDetail("status", string(p.Status))
	}
	return p, nil
}

func mapPayoutNotFound(err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.Derive(services.ErrPayoutNotFound, err)
	}
	return services.WrapInternal("failed to get payout", err)
}
