package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/journal"
)

func TestJournalHandler_TrialBalance(t *testing.T) {
	env := newTestEnv(t)
	acct := env.createFundedEscrow(t, "req-1", "dr-1", "80")
	_, code := env.escrowCall(t, env.escrowHandler().HandleLock, "lock", acct.ID,
		MoveRequest{Amount: amount("30"), IdempotencyKey: "lock-1"}, system())
	require.Equal(t, http.StatusOK, code)

	h := NewJournalHandler(env.journal, env.logger)

	w := serve(t, "/journal/trial-balance", h.HandleTrialBalance, http.MethodGet, "/journal/trial-balance", nil, operator())
	require.Equal(t, http.StatusOK, w.Code)
	var tb TrialBalanceResponse
	data(t, w, &tb)
	assert.True(t, tb.Balanced)
	assert.True(t, tb.ByCurrency["USD"].IsZero())
	assert.NotEmpty(t, tb.Accounts)

	w = serve(t, "/journal/entries/{referenceId}", h.HandleEntries, http.MethodGet, "/journal/entries/"+acct.ID.String(), nil, operator())
	require.Equal(t, http.StatusOK, w.Code)
	var entries []*models.JournalEntry
	data(t, w, &entries)
	assert.Len(t, entries, 2)
}

// skewedJournal reports a journal that does not net to zero
type skewedJournal struct {
	*journal.Service
}

func (skewedJournal) VerifyZeroSum(ctx context.Context) (*journal.TrialBalance, error) {
	return &journal.TrialBalance{ByCurrency: map[string]decimal.Decimal{"USD": decimal.NewFromInt(3)}},
		services.Derive(services.ErrJournalImbalance, nil).WithDetail("currency", "USD")
}

func TestJournalHandler_TrialBalance_Imbalanced(t *testing.T) {
	env := newTestEnv(t)
	h := NewJournalHandler(skewedJournal{env.journal}, env.logger)

	w := serve(t, "/journal/trial-balance", h.HandleTrialBalance, http.MethodGet, "/journal/trial-balance", nil, operator())
	require.Equal(t, http.StatusOK, w.Code)
	var tb TrialBalanceResponse
	data(t, w, &tb)
	assert.False(t, tb.Balanced)
	assert.True(t, tb.ByCurrency["USD"].Equal(decimal.NewFromInt(3)))
}
