// Package settlement turns delivered consent work into data sovereign earnings.
package settlement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/ledger"
	"go.uber.org/zap"
)

const resourceKind = "settlement"

// Escrow is the part of the escrow service a settlement drives
type Escrow interface {
	Get(ctx context.Context, escrowID uuid.UUID) (*models.EscrowAccount, error)
	Release(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, recipientDSID, key string) (*models.EscrowAccount, error)
}

// ReceiptAppender appends audit receipts
type ReceiptAppender interface {
	AppendReceipt(ctx context.Context, in ledger.AppendInput) (*models.AuditReceipt, error)
}

// Request asks for one settlement against a consent contract
type Request struct {
	ContractID     string          `json:"contract_id" validate:"required"`
	DSID           string          `json:"ds_id" validate:"required"`
	EscrowID       uuid.UUID       `json:"escrow_id" validate:"required"`
	Amount         decimal.Decimal `json:"amount" validate:"amount"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

// Result describes an applied settlement
type Result struct {
	SettlementID   uuid.UUID       `json:"settlement_id"`
	ContractID     string          `json:"contract_id"`
	DSID           string          `json:"ds_id"`
	EscrowID       uuid.UUID       `json:"escrow_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ReceiptID      uuid.UUID       `json:"receipt_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Replayed       bool            `json:"replayed"`
}

// BatchItem settles UnitCount units of a contract at its unit price
type BatchItem struct {
	ContractID     string `json:"contract_id" validate:"required"`
	UnitCount      int64  `json:"unit_count" validate:"gt=0"`
	IdempotencyKey string `json:"idempotency_key" validate:"required"`
}

// ItemResult is the outcome of one batch item. Failed items carry no amount.
type ItemResult struct {
	ContractID     string           `json:"contract_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Success        bool             `json:"success"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	ReceiptID      *uuid.UUID       `json:"receipt_id,omitempty"`
	Replayed       bool             `json:"replayed,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// Service coordinates escrow release, balance credit and the settlement receipt
type Service struct {
	escrow      Escrow
	receipts    ReceiptAppender
	contracts   repositories.ContractRepository
	balances    repositories.BalanceRepository
	settlements repositories.SettlementRepository
	txMgr       repositories.TransactionManager
	logger      *zap.Logger
}

// NewService creates a new settlement service
func NewService(
	escrow Escrow,
	receipts ReceiptAppender,
	contracts repositories.ContractRepository,
	balances repositories.BalanceRepository,
	settlements repositories.SettlementRepository,
	txMgr repositories.TransactionManager,
	logger *zap.Logger,
) *Service {
	return &Service{
		escrow:      escrow,
		receipts:    receipts,
		contracts:   contracts,
		balances:    balances,
		settlements: settlements,
		txMgr:       txMgr,
		logger:      logger,
	}
}

func (r Request) validate() error {
	switch {
	case r.ContractID == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "contract_id")
	case r.DSID == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "ds_id")
	case r.EscrowID == uuid.Nil:
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "escrow_id")
	case r.IdempotencyKey == "":
		return services.Derive(services.ErrMissingIdempotencyKey, nil)
	case !r.Amount.IsPositive():
		return services.Derive(services.ErrInvalidAmount, nil).WithDetail("amount", r.Amount.String())
	}
	return nil
}

// ProcessSettlement releases escrowed money to the data sovereign of an active
// contract. A known idempotency key returns the stored result and changes nothing.
func (s *Service) ProcessSettlement(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if prior, err := s.replay(ctx, req); prior != nil || err != nil {
		return prior, err
	}

	contract, err := s.loadContract(ctx, req.ContractID)
	if err != nil {
		return nil, err
	}
	if err := s.checkContract(contract, req); err != nil {
		return nil, err
	}

	result, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*Result, error) {
		// Lock order is balance, escrow, receipt tail. Payouts take the
		// balance before the tail too.
		current, err := s.escrow.Get(ctx, req.EscrowID)
		if err != nil {
			return nil, err
		}
		balance, err := s.balances.LockOrCreate(ctx, req.DSID, current.Currency)
		if err != nil {
			return nil, services.WrapInternal("failed to lock balance", err)
		}
		if balance.Currency != current.Currency {
			return nil, services.Derive(services.ErrCurrencyMismatch, nil).
				WithDetail("balance_currency", balance.Currency).
				WithDetail("escrow_currency", current.Currency)
		}

		e, err := s.escrow.Release(ctx, req.EscrowID, req.Amount, req.DSID, "settlement:"+req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		now := models.Now()
		balance.Credit(req.Amount, now)
		if err := s.balances.Update(ctx, balance); err != nil {
			return nil, services.WrapInternal("failed to update balance", err)
		}

		settlementID := uuid.New()
		receipt, err := s.receipts.AppendReceipt(ctx, ledger.AppendInput{
			Kind:         models.ReceiptSettlement,
			ActorID:      "settlement-service",
			ActorKind:    models.ActorSystem,
			ResourceID:   settlementID.String(),
			ResourceKind: resourceKind,
			DetailsHash: ledger.MustHashDetails(map[string]interface{}{
				"settlement_id":   settlementID.String(),
				"contract_id":     req.ContractID,
				"ds_id":           req.DSID,
				"escrow_id":       req.EscrowID.String(),
				"amount":          req.Amount.String(),
				"currency":        e.Currency,
				"idempotency_key": req.IdempotencyKey,
			}),
		})
		if err != nil {
			return nil, err
		}

		record := &models.Settlement{
			ID:             settlementID,
			IdempotencyKey: req.IdempotencyKey,
			ContractID:     req.ContractID,
			DSID:           req.DSID,
			EscrowID:       req.EscrowID,
			Amount:         req.Amount,
			Currency:       e.Currency,
			ReceiptID:      receipt.ID,
			CreatedAt:      now,
		}
		if err := s.settlements.Create(ctx, record); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, services.Derive(services.ErrIdempotencyReused, err).
					WithDetail("idempotency_key", req.IdempotencyKey)
			}
			return nil, services.WrapInternal("failed to record settlement", err)
		}

		return resultFrom(record, false), nil
	})
	if err != nil {
		if services.IsConflictError(err) {
			// a concurrent settlement with the same key committed first
			if prior, replayErr := s.replay(ctx, req); prior != nil {
				return prior, nil
			} else if replayErr != nil {
				return nil, replayErr
			}
		}
		return nil, err
	}

	s.logger.Info("settlement processed",
		zap.String("settlement_id", result.SettlementID.String()),
		zap.String("contract_id", result.ContractID),
		zap.String("ds_id", result.DSID),
		zap.String("amount", result.Amount.String()),
		zap.String("currency", result.Currency))
	return result, nil
}

// ProcessBatch settles every item independently. One item failing never
// affects the others.
func (s *Service) ProcessBatch(ctx context.Context, items []BatchItem) []ItemResult {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = s.processItem(ctx, item)
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	s.logger.Info("settlement batch processed",
		zap.Int("items", len(items)),
		zap.Int("failed", failed))
	return results
}

func (s *Service) processItem(ctx context.Context, item BatchItem) ItemResult {
	out := ItemResult{ContractID: item.ContractID, IdempotencyKey: item.IdempotencyKey}
	fail := func(err error) ItemResult {
		out.Error = err.Error()
		s.logger.Warn("settlement batch item failed",
			zap.String("contract_id", item.ContractID),
			zap.String("idempotency_key", item.IdempotencyKey),
			zap.Error(err))
		return out
	}

	if item.ContractID == "" {
		return fail(services.Derive(services.ErrMissingField, nil).WithDetail("field", "contract_id"))
	}
	if item.UnitCount <= 0 {
		return fail(services.NewDomainError(services.ErrorTypeValidation, "unit count must be positive", nil).
			WithDetail("unit_count", item.UnitCount))
	}

	contract, err := s.loadContract(ctx, item.ContractID)
	if err != nil {
		return fail(err)
	}

	res, err := s.ProcessSettlement(ctx, Request{
		ContractID:     contract.ID,
		DSID:           contract.DSID,
		EscrowID:       contract.EscrowID,
		Amount:         contract.UnitPrice.Mul(decimal.NewFromInt(item.UnitCount)),
		IdempotencyKey: item.IdempotencyKey,
	})
	if err != nil {
		return fail(err)
	}

	amount := res.Amount
	receiptID := res.ReceiptID
	out.Success = true
	out.Amount = &amount
	out.ReceiptID = &receiptID
	out.Replayed = res.Replayed
	return out
}

// SyncContract stores the latest state of a contract pushed by the consent service
func (s *Service) SyncContract(ctx context.Context, c *models.ConsentContract) error {
	switch {
	case c.ID == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "id")
	case c.DSID == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "ds_id")
	case c.EscrowID == uuid.Nil:
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "escrow_id")
	case c.Currency == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "currency")
	case c.UnitPrice.IsNegative():
		return services.Derive(services.ErrInvalidAmount, nil).WithDetail("unit_price", c.UnitPrice.String())
	}
	switch c.Status {
	case models.ContractPending, models.ContractActive, models.ContractRevoked, models.ContractExpired:
	default:
		return services.NewDomainError(services.ErrorTypeValidation, "unknown contract status", nil).
			WithDetail("status", string(c.Status))
	}

	c.UpdatedAt = models.Now()
	if err := s.contracts.Upsert(ctx, c); err != nil {
		return services.WrapInternal("failed to store contract", err)
	}
	s.logger.Debug("contract synced",
		zap.String("contract_id", c.ID),
		zap.String("status", string(c.Status)))
	return nil
}

// GetContract retrieves a contract by ID
func (s *Service) GetContract(ctx context.Context, id string) (*models.ConsentContract, error) {
	return s.loadContract(ctx, id)
}

// History returns the settlements credited to a data sovereign, newest first
func (s *Service) History(ctx context.Context, dsID string, limit, offset int) ([]*models.Settlement, error) {
	if dsID == "" {
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "ds_id")
	}
	list, err := s.settlements.ListByDS(ctx, dsID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list settlements", err)
	}
	return list, nil
}

// ContractSettlements returns the settlements applied under a known contract, newest first
func (s *Service) ContractSettlements(ctx context.Context, contractID string, limit, offset int) ([]*models.Settlement, error) {
	if _, err := s.loadContract(ctx, contractID); err != nil {
		return nil, err
	}
	list, err := s.settlements.ListByContract(ctx, contractID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list settlements", err)
	}
	return list, nil
}

// replay returns the stored result of a known key, nil when the key is new
func (s *Service) replay(ctx context.Context, req Request) (*Result, error) {
	prior, err := s.settlements.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, services.WrapInternal("failed to look up settlement", err)
	}

	if prior.ContractID != req.ContractID || prior.DSID != req.DSID ||
		prior.EscrowID != req.EscrowID || !prior.Amount.Equal(req.Amount) {
		s.logger.Warn("settlement idempotency key reused with different request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("settlement_id", prior.ID.String()))
		return nil, services.Derive(services.ErrIdempotencyReused, nil).
			WithDetail("idempotency_key", req.IdempotencyKey)
	}

	s.logger.Debug("settlement replayed",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("settlement_id", prior.ID.String()))
	return resultFrom(prior, true), nil
}

func (s *Service) loadContract(ctx context.Context, id string) (*models.ConsentContract, error) {
	c, err := s.contracts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.Derive(services.ErrContractNotFound, err).WithDetail("contract_id", id)
		}
		return nil, services.WrapInternal("failed to get contract", err)
	}
	return c, nil
}

func (s *Service) checkContract(c *models.ConsentContract, req Request) error {
	if !c.IsActive() {
		return services.Derive(services.ErrContractNotActive, nil).
			WithDetail("contract_id", c.ID).
			WithDetail("status", string(c.Status))
	}
	if c.DSID != req.DSID {
		s.logger.Warn("settlement for foreign data sovereign rejected",
			zap.String("security_event", "settlement_ds_mismatch"),
			zap.String("contract_id", c.ID),
			zap.String("ds_id", req.DSID))
		return services.Derive(services.ErrNotDataSovereign, nil).WithDetail("contract_id", c.ID)
	}
	if c.EscrowID != req.EscrowID {
		return services.NewDomainError(services.ErrorTypeValidation, "escrow does not belong to contract", nil).
			WithDetail("contract_id", c.ID).
			WithDetail("escrow_id", req.EscrowID.String())
	}
	return nil
}

func resultFrom(s *models.Settlement, replayed bool) *Result {
	return &Result{
		SettlementID:   s.ID,
		ContractID:     s.ContractID,
		DSID:           s.DSID,
		EscrowID:       s.EscrowID,
		Amount:         s.Amount,
		Currency:       s.Currency,
		ReceiptID:      s.ReceiptID,
		IdempotencyKey: s.IdempotencyKey,
		Replayed:       replayed,
	}
}
