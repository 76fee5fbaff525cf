package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/repositories/memory"
	"github.com/upb/consent-ledger/services"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// MockJournalRepository is a mock implementation of JournalRepository
type MockJournalRepository struct {
	mock.Mock
}

func (m *MockJournalRepository) Insert(ctx context.Context, entry *models.JournalEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockJournalRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.JournalEntry, error) {
	args := m.Called(ctx, key)
	if e := args.Get(0); e != nil {
		return e.(*models.JournalEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournalRepository) ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error) {
	args := m.Called(ctx, referenceID)
	if e := args.Get(0); e != nil {
		return e.([]*models.JournalEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJournalRepository) AccountBalances(ctx context.Context) ([]models.AccountBalance, error) {
	args := m.Called(ctx)
	if b := args.Get(0); b != nil {
		return b.([]models.AccountBalance), args.Error(1)
	}
	return nil, args.Error(1)
}

func newMemoryService(t *testing.T) *Service {
	repos := memory.NewStore(zaptest.NewLogger(t)).Repositories()
	return NewService(repos.Journal, zaptest.NewLogger(t))
}

func posting(key string, amount int64) Posting {
	return Posting{
		DebitAccount:   models.AccountLabel(models.AccountRequesterFunds, "req-1"),
		CreditAccount:  models.AccountLabel(models.AccountEscrow, "esc-1"),
		Amount:         decimal.NewFromInt(amount),
		Currency:       "USD",
		Memo:           "fund",
		IdempotencyKey: key,
		ReferenceID:    "esc-1",
	}
}

func TestRecord_Validation(t *testing.T) {
	svc := newMemoryService(t)

	tests := []struct {
		name   string
		mutate func(*Posting)
	}{
		{"zero amount", func(p *Posting) { p.Amount = decimal.Zero }},
		{"negative amount", func(p *Posting) { p.Amount = decimal.NewFromInt(-5) }},
		{"missing debit", func(p *Posting) { p.DebitAccount = "" }},
		{"same accounts", func(p *Posting) { p.CreditAccount = p.DebitAccount }},
		{"missing currency", func(p *Posting) { p.Currency = "" }},
		{"missing key", func(p *Posting) { p.IdempotencyKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := posting("k", 10)
			tt.mutate(&p)
			_, _, err := svc.Record(context.Background(), p)
			require.Error(t, err)
			assert.True(t, services.IsValidationError(err))
		})
	}
}

func TestRecord_Replay(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	first, replayed, err := svc.Record(ctx, posting("fund-1", 100))
	require.NoError(t, err)
	assert.False(t, replayed)

	again, replayed, err := svc.Record(ctx, posting("fund-1", 100))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = svc.Record(ctx, posting("fund-1", 99))
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))

	entries, err := svc.ListByReference(ctx, "esc-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecord_ZeroSumAfterEveryEntry(t *testing.T) {
	svc := newMemoryService(t)
	ctx := context.Background()

	steps := []Posting{
		posting("fund", 100),
		{
			DebitAccount:   models.AccountLabel(models.AccountEscrow, "esc-1"),
			CreditAccount:  models.AccountLabel(models.AccountEscrowLocked, "esc-1"),
			Amount:         decimal.NewFromInt(100),
			Currency:       "USD",
			IdempotencyKey: "lock",
		},
		{
			DebitAccount:   models.AccountLabel(models.AccountEscrowLocked, "esc-1"),
			CreditAccount:  models.AccountLabel(models.AccountDSBalance, "ds-1"),
			Amount:         decimal.RequireFromString("60.25"),
			Currency:       "USD",
			IdempotencyKey: "release",
		},
		{
			DebitAccount:   models.AccountLabel(models.AccountRequesterFunds, "req-2"),
			CreditAccount:  models.AccountLabel(models.AccountEscrow, "esc-2"),
			Amount:         decimal.NewFromInt(7),
			Currency:       "EUR",
			IdempotencyKey: "fund-eur",
		},
	}

	for _, p := range steps {
		_, _, err := svc.Record(ctx, p)
		require.NoError(t, err)

		tb, err := svc.VerifyZeroSum(ctx)
		require.NoError(t, err)
		assert.True(t, tb.Balanced())
	}

	tb, err := svc.TrialBalance(ctx)
	require.NoError(t, err)
	assert.Len(t, tb.ByCurrency, 2)

	balances := make(map[string]string)
	for _, a := range tb.Accounts {
		balances[a.Account] = a.Balance.String()
	}
	assert.Equal(t, "60.25", balances["DS_BALANCE:ds-1"])
	assert.Equal(t, "39.75", balances["ESCROW_LOCKED:esc-1"])
	assert.Equal(t, "-100", balances["REQUESTER_FUNDS:req-1"])
}

func TestVerifyZeroSum_Imbalance(t *testing.T) {
	repo := new(MockJournalRepository)
	repo.On("AccountBalances", mock.Anything).Return([]models.AccountBalance{
		{Account: "ESCROW:e", Currency: "USD", Balance: decimal.NewFromInt(10)},
		{Account: "REQUESTER_FUNDS:r", Currency: "USD", Balance: decimal.NewFromInt(-9)},
	}, nil)

	svc := NewService(repo, zap.NewNop())
	tb, err := svc.VerifyZeroSum(context.Background())
	require.Error(t, err)
	assert.True(t, services.IsIntegrityViolationError(err))
	assert.Equal(t, "USD", services.GetErrorDetails(err)["currency"])
	assert.False(t, tb.Balanced())
}

func TestRecord_RepositoryErrors(t *testing.T) {
	t.Run("lookup failure", func(t *testing.T) {
		repo := new(MockJournalRepository)
		repo.On("GetByIdempotencyKey", mock.Anything, "k").Return(nil, errors.New("db down"))

		_, _, err := NewService(repo, zap.NewNop()).Record(context.Background(), posting("k", 1))
		assert.True(t, services.IsInternalError(err))
	})

	t.Run("concurrent duplicate", func(t *testing.T) {
		repo := new(MockJournalRepository)
		repo.On("GetByIdempotencyKey", mock.Anything, "k").Return(nil, repositories.ErrNotFound)
		repo.On("Insert", mock.Anything, mock.Anything).Return(repositories.ErrDuplicate)

		_, _, err := NewService(repo, zap.NewNop()).Record(context.Background(), posting("k", 1))
		assert.True(t, services.IsConflictError(err))
		repo.AssertExpectations(t)
	})
}
