package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/repositories/memory"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/escrow"
	"github.com/upb/consent-ledger/services/journal"
	"github.com/upb/consent-ledger/services/ledger"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	repos   *repositories.Repositories
	journal *journal.Service
	escrow  *escrow.Service
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	logger := zaptest.NewLogger(t)
	repos := memory.NewStore(logger).Repositories()
	led := ledger.NewService(repos.Receipts, repos.Transactions, logger)
	jr := journal.NewService(repos.Journal, logger)
	esc := escrow.NewService(repos.Escrows, repos.Contracts, jr, led, repos.Transactions, logger)
	return &fixture{
		repos:   repos,
		journal: jr,
		escrow:  esc,
		svc:     NewService(esc, led, repos.Contracts, repos.Balances, repos.Settlements, repos.Transactions, logger),
	}
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// lockedContract funds and locks an escrow and registers an active contract on it
func (f *fixture) lockedContract(t *testing.T, contractID, dsID, locked, unitPrice string) *models.ConsentContract {
	ctx := context.Background()
	e, err := f.escrow.CreateEscrow(ctx, "req-1", "request-"+contractID, "USD")
	require.NoError(t, err)
	_, err = f.escrow.Fund(ctx, e.ID, "req-1", d(locked), "fund-"+contractID)
	require.NoError(t, err)
	_, err = f.escrow.Lock(ctx, e.ID, d(locked), "lock-"+contractID)
	require.NoError(t, err)

	c := &models.ConsentContract{
		ID:          contractID,
		Status:      models.ContractActive,
		DSID:        dsID,
		RequesterID: "req-1",
		RequestID:   e.RequestID,
		EscrowID:    e.ID,
		UnitPrice:   d(unitPrice),
		Currency:    "USD",
	}
	require.NoError(t, f.svc.SyncContract(ctx, c))
	return c
}

func (f *fixture) chainKinds(t *testing.T) []models.ReceiptKind {
	list, err := f.repos.Receipts.ListFromSequence(context.Background(), 1, 0)
	require.NoError(t, err)
	kinds := make([]models.ReceiptKind, len(list))
	for i, r := range list {
		kinds[i] = r.Kind
	}
	return kinds
}

func request(c *models.ConsentContract, amount, key string) Request {
	return Request{
		ContractID:     c.ID,
		DSID:           c.DSID,
		EscrowID:       c.EscrowID,
		Amount:         d(amount),
		IdempotencyKey: key,
	}
}

func TestProcessSettlement_FundLockSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lockedContract(t, "c-1", "ds-1", "100", "1")

	res, err := f.svc.ProcessSettlement(ctx, request(c, "60", "settle-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "60", res.Amount.String())
	assert.Equal(t, "USD", res.Currency)

	balance, err := f.repos.Balances.Get(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "60", balance.Available.String())
	assert.Equal(t, "60", balance.TotalEarned.String())
	assert.NotNil(t, balance.LastSettlementAt)
	assert.True(t, balance.Balanced())

	e, err := f.escrow.Get(ctx, c.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, "60", e.ReleasedAmount.String())
	assert.Equal(t, "40", e.LockedAmount.String())

	assert.Equal(t, []models.ReceiptKind{
		models.ReceiptEscrowCreated,
		models.ReceiptEscrowFunded,
		models.ReceiptEscrowLocked,
		models.ReceiptEscrowReleased,
		models.ReceiptSettlement,
	}, f.chainKinds(t))

	receipt, err := f.repos.Receipts.GetByID(ctx, res.ReceiptID)
	require.NoError(t, err)
	assert.Equal(t, models.ReceiptSettlement, receipt.Kind)
	assert.Equal(t, res.SettlementID.String(), receipt.ResourceID)

	_, err = f.journal.VerifyZeroSum(ctx)
	require.NoError(t, err)
}

func TestProcessSettlement_ReplayDoesNotDoubleCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lockedContract(t, "c-1", "ds-1", "100", "1")

	first, err := f.svc.ProcessSettlement(ctx, request(c, "25", "settle-1"))
	require.NoError(t, err)
	receipts := len(f.chainKinds(t))

	for i := 0; i < 3; i++ {
		again, err := f.svc.ProcessSettlement(ctx, request(c, "25", "settle-1"))
		require.NoError(t, err)
		assert.True(t, again.Replayed)
		assert.Equal(t, first.SettlementID, again.SettlementID)
		assert.Equal(t, first.ReceiptID, again.ReceiptID)
	}

	balance, err := f.repos.Balances.Get(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "25", balance.Available.String())
	assert.Len(t, f.chainKinds(t), receipts)

	_, err = f.svc.ProcessSettlement(ctx, request(c, "26", "settle-1"))
	require.Error(t, err)
	assert.True(t, services.IsConflictError(err))
}

func TestProcessSettlement_ConcurrentSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lockedContract(t, "c-1", "ds-1", "100", "1")

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ProcessSettlement(ctx, request(c, "30", "settle-race"))
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	balance, err := f.repos.Balances.Get(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "30", balance.Available.String())
}

func TestProcessSettlement_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lockedContract(t, "c-1", "ds-1", "50", "1")

	revoked := *c
	revoked.ID = "c-revoked"
	revoked.Status = models.ContractRevoked
	require.NoError(t, f.svc.SyncContract(ctx, &revoked))

	tests := []struct {
		name  string
		req   Request
		check func(error) bool
	}{
		{"missing key", request(c, "10", ""), services.IsValidationError},
		{"zero amount", request(c, "0", "k1"), services.IsValidationError},
		{"unknown contract", Request{ContractID: "nope", DSID: "ds-1", EscrowID: c.EscrowID, Amount: d("1"), IdempotencyKey: "k2"}, services.IsNotFoundError},
		{"inactive contract", request(&revoked, "10", "k3"), services.IsValidationError},
		{"other data sovereign", Request{ContractID: c.ID, DSID: "ds-2", EscrowID: c.EscrowID, Amount: d("1"), IdempotencyKey: "k4"}, services.IsUnauthorizedError},
		{"other escrow", Request{ContractID: c.ID, DSID: c.DSID, EscrowID: uuid.New(), Amount: d("1"), IdempotencyKey: "k5"}, services.IsValidationError},
		{"above locked", request(c, "50.01", "k6"), services.IsInsufficientFundsError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.ProcessSettlement(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error %v", err)
		})
	}

	_, err := f.repos.Balances.Get(ctx, "ds-1")
	assert.True(t, errors.Is(err, repositories.ErrNotFound), "no rejected settlement credits the balance")
	assert.Len(t, f.chainKinds(t), 3)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.lockedContract(t, "c-1", "ds-1", "20", "2.5")

	results := f.svc.ProcessBatch(ctx, []BatchItem{
		{ContractID: c.ID, UnitCount: 4, IdempotencyKey: "item-1"},
		{ContractID: "missing", UnitCount: 1, IdempotencyKey: "item-2"},
		{ContractID: c.ID, UnitCount: 0, IdempotencyKey: "item-3"},
		{ContractID: c.ID, UnitCount: 100, IdempotencyKey: "item-4"},
		{ContractID: c.ID, UnitCount: 2, IdempotencyKey: "item-5"},
	})
	require.Len(t, results, 5)

	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].Amount)
	assert.Equal(t, "10", results[0].Amount.String())
	assert.NotNil(t, results[0].ReceiptID)

	for _, i := range []int{1, 2, 3} {
		assert.False(t, results[i].Success, "item %d", i)
		assert.Nil(t, results[i].Amount)
		assert.Nil(t, results[i].ReceiptID)
		assert.NotEmpty(t, results[i].Error)
	}

	assert.True(t, results[4].Success)
	assert.Equal(t, "5", results[4].Amount.String())

	balance, err := f.repos.Balances.Get(ctx, "ds-1")
	require.NoError(t, err)
	assert.Equal(t, "15", balance.Available.String())

	replay := f.svc.ProcessBatch(ctx, []BatchItem{{ContractID: c.ID, UnitCount: 4, IdempotencyKey: "item-1"}})
	assert.True(t, replay[0].Success)
	assert.True(t, replay[0].Replayed)
}

func TestSyncContract_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := func() *models.ConsentContract {
		return &models.ConsentContract{
			ID: "c-1", Status: models.ContractActive, DSID: "ds-1",
			EscrowID: uuid.New(), UnitPrice: d("1"), Currency: "USD",
		}
	}

	tests := []struct {
		name   string
		mutate func(*models.ConsentContract)
	}{
		{"missing id", func(c *models.ConsentContract) { c.ID = "" }},
		{"missing ds", func(c *models.ConsentContract) { c.DSID = "" }},
		{"missing escrow", func(c *models.ConsentContract) { c.EscrowID = uuid.Nil }},
		{"missing currency", func(c *models.ConsentContract) { c.Currency = "" }},
		{"negative price", func(c *models.ConsentContract) { c.UnitPrice = d("-1") }},
		{"unknown status", func(c *models.ConsentContract) { c.Status = "PAUSED" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.True(t, services.IsValidationError(f.svc.SyncContract(ctx, c)))
		})
	}

	c := valid()
	require.NoError(t, f.svc.SyncContract(ctx, c))
	got, err := f.svc.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, got.IsActive())
	assert.False(t, got.UpdatedAt.IsZero())
}

type orderedEscrow struct {
	Escrow
	calls *[]string
}

func (o orderedEscrow) Release(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, recipientDSID, key string) (*models.EscrowAccount, error) {
	*o.calls = append(*o.calls, "release escrow")
	return o.Escrow.Release(ctx, escrowID, amount, recipientDSID, key)
}

type orderedBalances struct {
	repositories.BalanceRepository
	calls *[]string
}

func (o orderedBalances) LockOrCreate(ctx context.Context, dsID, currency string) (*models.DataSovereignBalance, error) {
	*o.calls = append(*o.calls, "lock balance")
	return o.BalanceRepository.LockOrCreate(ctx, dsID, currency)
}

func TestProcessSettlement_LocksBalanceBeforeEscrow(t *testing.T) {
	f := newFixture(t)
	c := f.lockedContract(t, "c-1", "ds-1", "100", "1")

	var calls []string
	logger := zaptest.NewLogger(t)
	led := ledger.NewService(f.repos.Receipts, f.repos.Transactions, logger)
	svc := NewService(orderedEscrow{Escrow: f.escrow, calls: &calls}, led, f.repos.Contracts,
		orderedBalances{BalanceRepository: f.repos.Balances, calls: &calls},
		f.repos.Settlements, f.repos.Transactions, logger)

	_, err := svc.ProcessSettlement(context.Background(), request(c, "10", "settle-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"lock balance", "release escrow"}, calls)
}

func TestHistoryAndContractSettlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c1 := f.lockedContract(t, "c-1", "ds-1", "100", "1")
	c2 := f.lockedContract(t, "c-2", "ds-2", "100", "1")
	c3 := f.lockedContract(t, "c-3", "ds-1", "100", "1")

	for _, req := range []Request{
		request(c1, "10", "s-1"),
		request(c2, "20", "s-2"),
		request(c3, "30", "s-3"),
		request(c1, "5", "s-4"),
	} {
		_, err := f.svc.ProcessSettlement(ctx, req)
		require.NoError(t, err)
	}

	history, err := f.svc.History(ctx, "ds-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "s-4", history[0].IdempotencyKey)
	assert.Equal(t, "s-1", history[2].IdempotencyKey)

	page, err := f.svc.History(ctx, "ds-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c-3", page[0].ContractID)

	empty, err := f.svc.History(ctx, "ds-9", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = f.svc.History(ctx, "", 10, 0)
	assert.True(t, services.IsValidationError(err))

	byContract, err := f.svc.ContractSettlements(ctx, "c-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, byContract, 2)
	assert.Equal(t, "5", byContract[0].Amount.String())
	assert.Equal(t, "10", byContract[1].Amount.String())

	_, err = f.svc.ContractSettlements(ctx, "c-404", 0, 0)
	assert.ErrorIs(t, err, services.ErrContractNotFound)
}
