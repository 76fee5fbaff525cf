// Package escrow runs the escrow account state machine. Every money
// movement locks the escrow row, posts one journal entry and appends one
// receipt inside a single transaction.
package escrow

import (
	"context"
	"errors"

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
	resourceKind = "escrow"
	systemActor  = "escrow-service"
)

// DisputeOutcome selects how a dispute is settled
type DisputeOutcome string

const (
	OutcomeRelease DisputeOutcome = "RELEASE"
	OutcomeRefund  DisputeOutcome = "REFUND"
)

// ReceiptAppender appends audit receipts
type ReceiptAppender interface {
	AppendReceipt(ctx context.Context, in ledger.AppendInput) (*models.AuditReceipt, error)
}

// Journal posts and reads double-entry movements
type Journal interface {
	Record(ctx context.Context, p journal.Posting) (*models.JournalEntry, bool, error)
	Lookup(ctx context.Context, key string) (*models.JournalEntry, error)
	ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error)
}

// Service handles escrow business logic
type Service struct {
	escrows   repositories.EscrowRepository
	contracts repositories.ContractRepository
	journal   Journal
	receipts  ReceiptAppender
	txMgr     repositories.TransactionManager
	logger    *zap.Logger
}

// NewService creates a new escrow service
func NewService(
	escrows repositories.EscrowRepository,
	contracts repositories.ContractRepository,
	journal Journal,
	receipts ReceiptAppender,
	txMgr repositories.TransactionManager,
	logger *zap.Logger,
) *Service {
	return &Service{
		escrows:   escrows,
		contracts: contracts,
		journal:   journal,
		receipts:  receipts,
		txMgr:     txMgr,
		logger:    logger,
	}
}

// movement describes one money-moving mutation
type movement struct {
	name      string
	escrowID  uuid.UUID
	key       string
	amount    decimal.Decimal
	kind      models.ReceiptKind
	actorID   string
	actorKind models.ActorKind
	debit     func(e *models.EscrowAccount) string
	credit    func(e *models.EscrowAccount) string
	authorize func(e *models.EscrowAccount) error
	check     func(e *models.EscrowAccount) error
	apply     func(e *models.EscrowAccount)
	extra     map[string]interface{}
}

// CreateEscrow opens the escrow of a request. One escrow per request.
func (s *Service) CreateEscrow(ctx context.Context, requesterID, requestID, currency string) (*models.EscrowAccount, error) {
	switch {
	case requesterID == "":
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "requester_id")
	case requestID == "":
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "request_id")
	case currency == "":
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "currency")
	}

	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.EscrowAccount, error) {
		e := models.NewEscrowAccount(requesterID, requestID, currency)
		if err := s.escrows.Create(ctx, e); err != nil {
			if errors.Is(err, repositories.ErrDuplicate) {
				return nil, services.Derive(services.ErrEscrowExists, err).WithDetail("request_id", requestID)
			}
			return nil, services.WrapInternal("failed to create escrow", err)
		}

		if _, err := s.receipts.AppendReceipt(ctx, ledger.AppendInput{
			Kind:         models.ReceiptEscrowCreated,
			ActorID:      requesterID,
			ActorKind:    models.ActorRequester,
			ResourceID:   e.ID.String(),
			ResourceKind: resourceKind,
			DetailsHash: ledger.MustHashDetails(map[string]interface{}{
				"escrow_id":  e.ID.String(),
				"request_id": requestID,
				"currency":   currency,
			}),
		}); err != nil {
			return nil, err
		}

		s.logger.Info("escrow created",
			zap.String("escrow_id", e.ID.String()),
			zap.String("request_id", requestID),
			zap.String("requester_id", requesterID))
		return e, nil
	})
}

// Fund adds requester money to the escrow
func (s *Service) Fund(ctx context.Context, escrowID uuid.UUID, requesterID string, amount decimal.Decimal, key string) (*models.EscrowAccount, error) {
	return s.move(ctx, movement{
		name:      "fund",
		escrowID:  escrowID,
		key:       key,
		amount:    amount,
		kind:      models.ReceiptEscrowFunded,
		actorID:   requesterID,
		actorKind: models.ActorRequester,
		debit: func(e *models.EscrowAccount) string {
			return models.AccountLabel(models.AccountRequesterFunds, e.RequesterID)
		},
		credit:    func(e *models.EscrowAccount) string { return models.AccountLabel(models.AccountEscrow, e.ID.String()) },
		authorize: s.requireRequester("fund", requesterID),
		check:     requireStatus("fund", models.EscrowPending, models.EscrowFunded),
		apply: func(e *models.EscrowAccount) {
			e.FundedAmount = e.FundedAmount.Add(amount)
		},
	})
}

// Lock reserves part of the available balance for release
func (s *Service) Lock(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, key string) (*models.EscrowAccount, error) {
	return s.move(ctx, movement{
		name:      "lock",
		escrowID:  escrowID,
		key:       key,
		amount:    amount,
		kind:      models.ReceiptEscrowLocked,
		actorID:   systemActor,
		actorKind: models.ActorSystem,
		debit:     func(e *models.EscrowAccount) string { return models.AccountLabel(models.AccountEscrow, e.ID.String()) },
		credit: func(e *models.EscrowAccount) string {
			return models.AccountLabel(models.AccountEscrowLocked, e.ID.String())
		},
		check: all(
			requireStatus("lock", models.EscrowFunded, models.EscrowLocked),
			requireAvailable(amount),
		),
		apply: func(e *models.EscrowAccount) {
			e.LockedAmount = e.LockedAmount.Add(amount)
		},
	})
}

// Release pays part of the locked balance to a data sovereign
func (s *Service) Release(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, recipientDSID, key string) (*models.EscrowAccount, error) {
	return s.release(ctx, escrowID, amount, recipientDSID, key, models.EscrowLocked)
}

func (s *Service) release(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, recipientDSID, key string, from ...models.EscrowStatus) (*models.EscrowAccount, error) {
	if recipientDSID == "" {
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "recipient_ds_id")
	}
	return s.move(ctx, movement{
		name:      "release",
		escrowID:  escrowID,
		key:       key,
		amount:    amount,
		kind:      models.ReceiptEscrowReleased,
		actorID:   systemActor,
		actorKind: models.ActorSystem,
		debit: func(e *models.EscrowAccount) string {
			return models.AccountLabel(models.AccountEscrowLocked, e.ID.String())
		},
		credit: func(e *models.EscrowAccount) string {
			return models.AccountLabel(models.AccountDSBalance, recipientDSID)
		},
		check: all(
			requireStatus("release", from...),
			requireLocked(amount),
		),
		apply: func(e *models.EscrowAccount) {
			e.LockedAmount = e.LockedAmount.Sub(amount)
			e.ReleasedAmount = e.ReleasedAmount.Add(amount)
		},
		extra: map[string]interface{}{"recipient_ds_id": recipientDSID},
	})
}

// Refund returns unlocked money to the requester. Only the requester may ask.
func (s *Service) Refund(ctx context.Context, escrowID uuid.UUID, requesterID string, amount decimal.Decimal, key string) (*models.EscrowAccount, error) {
	return s.move(ctx, movement{
		name:      "refund",
		escrowID:  escrowID,
		key:       key,
		amount:    amount,
		kind:      models.ReceiptEscrowRefunded,
		actorID:   requesterID,
		actorKind: models.ActorRequester,
		debit:     func(e *models.EscrowAccount) string { return models.AccountLabel(models.AccountEscrow, e.ID.String()) },
		credit: func(e *models.EscrowAccount) string {
			return models.AccountLabel(models.AccountRequesterFunds, e.RequesterID)
		},
		authorize: s.requireRequester("refund", requesterID),
		check: all(
			requireStatus("refund", models.EscrowFunded, models.EscrowLocked),
			requireAvailable(amount),
		),
		apply: func(e *models.EscrowAccount) {
			e.RefundedAmount = e.RefundedAmount.Add(amount)
		},
	})
}

// Dispute freezes an escrow until ResolveDispute. No money moves.
func (s *Service) Dispute(ctx context.Context, escrowID uuid.UUID, actorID, reason string) (*models.EscrowAccount, error) {
	if actorID == "" {
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "actor_id")
	}

	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.EscrowAccount, error) {
		e, err := s.lockEscrow(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		actorKind, err := s.disputant(ctx, e, actorID)
		if err != nil {
			return nil, err
		}
		if err := requireStatus("dispute", models.EscrowFunded, models.EscrowLocked)(e); err != nil {
			return nil, err
		}

		e.Status = models.EscrowDisputed
		e.Touch()

		if _, err := s.receipts.AppendReceipt(ctx, ledger.AppendInput{
			Kind:         models.ReceiptEscrowDisputed,
			ActorID:      actorID,
			ActorKind:    actorKind,
			ResourceID:   e.ID.String(),
			ResourceKind: resourceKind,
			DetailsHash: ledger.MustHashDetails(map[string]interface{}{
				"escrow_id": e.ID.String(),
				"reason":    reason,
			}),
		}); err != nil {
			return nil, err
		}
		if err := s.escrows.Update(ctx, e); err != nil {
			return nil, services.WrapInternal("failed to update escrow", err)
		}

		s.logger.Warn("escrow disputed",
			zap.String("escrow_id", e.ID.String()),
			zap.String("actor_id", actorID),
			zap.String("reason", reason))
		return e, nil
	})
}

// ResolveDispute releases locked money to dsID or refunds it to the requester
func (s *Service) ResolveDispute(ctx context.Context, escrowID uuid.UUID, outcome DisputeOutcome, amount decimal.Decimal, dsID, key string) (*models.EscrowAccount, error) {
	switch outcome {
	case OutcomeRelease:
		return s.release(ctx, escrowID, amount, dsID, key, models.EscrowDisputed)
	case OutcomeRefund:
		return s.move(ctx, movement{
			name:      "resolve_refund",
			escrowID:  escrowID,
			key:       key,
			amount:    amount,
			kind:      models.ReceiptEscrowRefunded,
			actorID:   systemActor,
			actorKind: models.ActorSystem,
			debit: func(e *models.EscrowAccount) string {
				return models.AccountLabel(models.AccountEscrowLocked, e.ID.String())
			},
			credit: func(e *models.EscrowAccount) string {
				return models.AccountLabel(models.AccountRequesterFunds, e.RequesterID)
			},
			check: all(
				requireStatus("resolve_refund", models.EscrowDisputed),
				requireLocked(amount),
			),
			apply: func(e *models.EscrowAccount) {
				e.LockedAmount = e.LockedAmount.Sub(amount)
				e.RefundedAmount = e.RefundedAmount.Add(amount)
			},
		})
	default:
		return nil, services.NewDomainError(services.ErrorTypeValidation, "unknown dispute outcome", nil).
			WithDetail("outcome", string(outcome))
	}
}

// IsSufficientlyFunded is the delivery gate. It always reads the stored row.
func (s *Service) IsSufficientlyFunded(ctx context.Context, requestID string, required decimal.Decimal) (bool, error) {
	e, err := s.GetByRequest(ctx, requestID)
	if err != nil {
		if services.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}
	return e.IsSufficientlyFunded(required), nil
}

// Get retrieves an escrow by ID
func (s *Service) Get(ctx context.Context, escrowID uuid.UUID) (*models.EscrowAccount, error) {
	e, err := s.escrows.GetByID(ctx, escrowID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return e, nil
}

// GetByRequest retrieves the escrow of a request
func (s *Service) GetByRequest(ctx context.Context, requestID string) (*models.EscrowAccount, error) {
	e, err := s.escrows.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return e, nil
}

// SetAnchorReference records the external anchor transaction of an escrow
func (s *Service) SetAnchorReference(ctx context.Context, escrowID uuid.UUID, ref string) (*models.EscrowAccount, error) {
	if ref == "" {
		return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "anchor_reference")
	}
	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.EscrowAccount, error) {
		e, err := s.lockEscrow(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		e.AnchorReference = &ref
		e.Touch()
		if err := s.escrows.Update(ctx, e); err != nil {
			return nil, services.WrapInternal("failed to update escrow", err)
		}
		return e, nil
	})
}

func (s *Service) move(ctx context.Context, m movement) (*models.EscrowAccount, error) {
	if !m.amount.IsPositive() {
		return nil, services.Derive(services.ErrInvalidAmount, nil).WithDetail("amount", m.amount.String())
	}
	if m.key == "" {
		return nil, services.Derive(services.ErrMissingIdempotencyKey, nil)
	}

	return services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.EscrowAccount, error) {
		e, err := s.lockEscrow(ctx, m.escrowID)
		if err != nil {
			return nil, err
		}
		if m.authorize != nil {
			if err := m.authorize(e); err != nil {
				return nil, err
			}
		}

		posting := journal.Posting{
			DebitAccount:   m.debit(e),
			CreditAccount:  m.credit(e),
			Amount:         m.amount,
			Currency:       e.Currency,
			Memo:           "escrow " + m.name,
			IdempotencyKey: m.key,
			ReferenceID:    e.ID.String(),
		}

		prior, err := s.journal.Lookup(ctx, m.key)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			if prior.SamePosting(&models.JournalEntry{
				DebitAccount:  posting.DebitAccount,
				CreditAccount: posting.CreditAccount,
				Amount:        posting.Amount,
				Currency:      posting.Currency,
			}) {
				s.logger.Debug("escrow operation replayed",
					zap.String("escrow_id", e.ID.String()),
					zap.String("operation", m.name),
					zap.String("idempotency_key", m.key))
				return e, nil
			}
			return nil, services.Derive(services.ErrIdempotencyReused, nil).WithDetail("idempotency_key", m.key)
		}

		if err := m.check(e); err != nil {
			return nil, err
		}

		m.apply(e)
		settleStatus(e)
		e.Touch()

		if _, _, err := s.journal.Record(ctx, posting); err != nil {
			return nil, err
		}

		details := map[string]interface{}{
			"escrow_id":       e.ID.String(),
			"operation":       m.name,
			"amount":          m.amount.String(),
			"currency":        e.Currency,
			"idempotency_key": m.key,
			"funded":          e.FundedAmount.String(),
			"locked":          e.LockedAmount.String(),
			"released":        e.ReleasedAmount.String(),
			"refunded":        e.RefundedAmount.String(),
			"status":          string(e.Status),
		}
		for k, v := range m.extra {
			details[k] = v
		}
		if _, err := s.receipts.AppendReceipt(ctx, ledger.AppendInput{
			Kind:         m.kind,
			ActorID:      m.actorID,
			ActorKind:    m.actorKind,
			ResourceID:   e.ID.String(),
			ResourceKind: resourceKind,
			DetailsHash:  ledger.MustHashDetails(details),
		}); err != nil {
			return nil, err
		}

		if err := s.escrows.Update(ctx, e); err != nil {
			return nil, services.WrapInternal("failed to update escrow", err)
		}

		s.logger.Info("escrow "+m.name,
			zap.String("escrow_id", e.ID.String()),
			zap.String("amount", m.amount.String()),
			zap.String("status", string(e.Status)),
			zap.String("available", e.Available().String()))
		return e, nil
	})
}

func (s *Service) lockEscrow(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error) {
	e, err := s.escrows.GetByIDForUpdate(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return e, nil
}

// disputant resolves who may dispute e: its requester, or a data sovereign
// holding a consent contract paid from it
func (s *Service) disputant(ctx context.Context, e *models.EscrowAccount, actorID string) (models.ActorKind, error) {
	if actorID == e.RequesterID {
		return models.ActorRequester, nil
	}
	contracts, err := s.contracts.ListByEscrow(ctx, e.ID)
	if err != nil {
		return "", services.WrapInternal("failed to load escrow contracts", err)
	}
	for _, c := range contracts {
		if c.DSID == actorID {
			return models.ActorDS, nil
		}
	}
	s.logger.Warn("escrow dispute by unrelated actor rejected",
		zap.String("security_event", "escrow_unauthorized"),
		zap.String("operation", "dispute"),
		zap.String("escrow_id", e.ID.String()),
		zap.String("actor_id", actorID))
	return "", services.Derive(services.ErrUnauthorized, nil).WithDetail("escrow_id", e.ID.String())
}

func (s *Service) requireRequester(op, requesterID string) func(e *models.EscrowAccount) error {
	return func(e *models.EscrowAccount) error {
		if e.RequesterID == requesterID {
			return nil
		}
		s.logger.Warn("escrow operation by non-requester rejected",
			zap.String("security_event", "escrow_unauthorized"),
			zap.String("operation", op),
			zap.String("escrow_id", e.ID.String()),
			zap.String("actor_id", requesterID))
		return services.Derive(services.ErrNotRequester, nil).WithDetail("escrow_id", e.ID.String())
	}
}

// settleStatus derives the status after a money movement. A locked escrow
// stays LOCKED until it settles or refunds, even once its locked amount is
// fully released.
func settleStatus(e *models.EscrowAccount) {
	e.SettleStatus()
	if e.IsTerminal() {
		return
	}
	switch {
	case e.LockedAmount.IsPositive(), e.Status == models.EscrowLocked:
		e.Status = models.EscrowLocked
	case e.FundedAmount.IsPositive():
		e.Status = models.EscrowFunded
	}
}

func all(checks ...func(e *models.EscrowAccount) error) func(e *models.EscrowAccount) error {
	return func(e *models.EscrowAccount) error {
		for _, c := range checks {
			if err := c(e); err != nil {
				return err
			}
		}
		return nil
	}
}

func requireStatus(op string, allowed ...models.EscrowStatus) func(e *models.EscrowAccount) error {
	return func(e *models.EscrowAccount) error {
		for _, st := range allowed {
			if e.Status == st {
				return nil
			}
		}
		return services.Derive(services.ErrInvalidStateChange, nil).
			WithDetail("operation", op).
			WithDetail("status", string(e.Status))
	}
}

func requireAvailable(amount decimal.Decimal) func(e *models.EscrowAccount) error {
	return func(e *models.EscrowAccount) error {
		if amount.GreaterThan(e.Available()) {
			return services.Derive(services.ErrInsufficientFunds, nil).
				WithDetail("requested", amount.String()).
				WithDetail("available", e.Available().String())
		}
		return nil
	}
}

func requireLocked(amount decimal.Decimal) func(e *models.EscrowAccount) error {
	return func(e *models.EscrowAccount) error {
		if amount.GreaterThan(e.LockedAmount) {
			return services.Derive(services.ErrInsufficientLocked, nil).
				WithDetail("requested", amount.String()).
				WithDetail("locked", e.LockedAmount.String())
		}
		return nil
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.Derive(services.ErrEscrowNotFound, err)
	}
	return services.WrapInternal("failed to get escrow", err)
}
