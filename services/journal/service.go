// Package journal posts double-entry movements and checks that they net to zero.
package journal

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/services"
	"go.uber.org/zap"
)

// Posting is one debit/credit pair to record
type Posting struct {
	DebitAccount   string
	CreditAccount  string
	Amount         decimal.Decimal
	Currency       string
	Memo           string
	IdempotencyKey string
	ReferenceID    string
}

// TrialBalance is the state of every account with its per-currency total
type TrialBalance struct {
	ByCurrency map[string]decimal.Decimal `json:"by_currency"`
	Accounts   []models.AccountBalance    `json:"accounts"`
}

// Balanced reports whether every currency nets to zero
func (tb *TrialBalance) Balanced() bool {
	for _, total := range tb.ByCurrency {
		if !total.IsZero() {
			return false
		}
	}
	return true
}

// Service records journal entries
type Service struct {
	entries repositories.JournalRepository
	logger  *zap.Logger
}

// NewService creates a new journal service
func NewService(entries repositories.JournalRepository, logger *zap.Logger) *Service {
	return &Service{entries: entries, logger: logger}
}

func (p Posting) validate() error {
	switch {
	case !p.Amount.IsPositive():
		return services.Derive(services.ErrInvalidAmount, nil).WithDetail("amount", p.Amount.String())
	case p.DebitAccount == "" || p.CreditAccount == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "account")
	case p.DebitAccount == p.CreditAccount:
		return services.NewDomainError(services.ErrorTypeValidation, "debit and credit accounts must differ", nil).
			WithDetail("account", p.DebitAccount)
	case p.Currency == "":
		return services.Derive(services.ErrMissingField, nil).WithDetail("field", "currency")
	case p.IdempotencyKey == "":
		return services.Derive(services.ErrMissingIdempotencyKey, nil)
	}
	return nil
}

// Record posts p. A key already posted with the same movement returns the
// stored entry and replayed=true; with a different movement it is a conflict.
// Call it with a transactional context to make the entry part of a larger unit.
func (s *Service) Record(ctx context.Context, p Posting) (entry *models.JournalEntry, replayed bool, err error) {
	if err := p.validate(); err != nil {
		return nil, false, err
	}

	entry = &models.JournalEntry{
		ID:             uuid.New(),
		DebitAccount:   p.DebitAccount,
		CreditAccount:  p.CreditAccount,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Memo:           p.Memo,
		IdempotencyKey: p.IdempotencyKey,
		ReferenceID:    p.ReferenceID,
		CreatedAt:      models.Now(),
	}

	existing, err := s.entries.GetByIdempotencyKey(ctx, p.IdempotencyKey)
	switch {
	case err == nil:
		if !existing.SamePosting(entry) {
			s.logger.Warn("journal idempotency key reused with different posting",
				zap.String("idempotency_key", p.IdempotencyKey),
				zap.String("existing_debit", existing.DebitAccount),
				zap.String("requested_debit", p.DebitAccount))
			return nil, false, services.Derive(services.ErrIdempotencyReused, nil).
				WithDetail("idempotency_key", p.IdempotencyKey)
		}
		return existing, true, nil
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, false, services.WrapInternal("failed to look up journal entry", err)
	}

	if err := s.entries.Insert(ctx, entry); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, false, services.Derive(services.ErrIdempotencyReused, err).
				WithDetail("idempotency_key", p.IdempotencyKey)
		}
		return nil, false, services.WrapInternal("failed to insert journal entry", err)
	}

	s.logger.Debug("journal entry recorded",
		zap.String("entry_id", entry.ID.String()),
		zap.String("debit", entry.DebitAccount),
		zap.String("credit", entry.CreditAccount),
		zap.String("amount", entry.Amount.String()),
		zap.String("currency", entry.Currency))
	return entry, false, nil
}

// Lookup returns the entry posted under key, or nil when there is none
func (s *Service) Lookup(ctx context.Context, key string) (*models.JournalEntry, error) {
	entry, err := s.entries.GetByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, services.WrapInternal("failed to look up journal entry", err)
	}
	return entry, nil
}

// TrialBalance returns every account balance with per-currency totals
func (s *Service) TrialBalance(ctx context.Context) (*TrialBalance, error) {
	accounts, err := s.entries.AccountBalances(ctx)
	if err != nil {
		return nil, services.WrapInternal("failed to compute account balances", err)
	}

	tb := &TrialBalance{
		ByCurrency: make(map[string]decimal.Decimal),
		Accounts:   accounts,
	}
	for _, a := range accounts {
		tb.ByCurrency[a.Currency] = tb.ByCurrency[a.Currency].Add(a.Balance)
	}
	return tb, nil
}

// VerifyZeroSum fails with an integrity violation when any currency does not net to zero
func (s *Service) VerifyZeroSum(ctx context.Context) (*TrialBalance, error) {
	tb, err := s.TrialBalance(ctx)
	if err != nil {
		return nil, err
	}

	for currency, total := range tb.ByCurrency {
		if total.IsZero() {
			continue
		}
		s.logger.Error("journal does not net to zero",
			zap.String("security_event", "journal_imbalance"),
			zap.String("currency", currency),
			zap.String("total", total.String()))
		return tb, services.Derive(services.ErrJournalImbalance, nil).
			WithDetail("currency", currency).
			WithDetail("total", total.String())
	}
	return tb, nil
}

// ListByReference returns the entries of one escrow or payout in posting order
func (s *Service) ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error) {
	entries, err := s.entries.ListByReference(ctx, referenceID)
	if err != nil {
		return nil, services.WrapInternal("failed to list journal entries", err)
	}
	return entries, nil
}
