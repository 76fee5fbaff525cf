package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services/payout"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func (e *testEnv) payoutHandler() *PayoutHandler {
	return NewPayoutHandler(e.payout, e.logger)
}

// earn credits a data sovereign the way a settlement does
func (e *testEnv) earn(t *testing.T, dsID, amt string) {
	t.Helper()
	ctx := context.Background()
	b, err := e.repos.Balances.LockOrCreate(ctx, dsID, "USD")
	require.NoError(t, err)
	b.Credit(amount(amt), models.Now())
	require.NoError(t, e.repos.Balances.Update(ctx, b))
}

func (e *testEnv) requestPayout(t *testing.T, dsID, amt, key string) *models.PayoutInstruction {
	t.Helper()
	w := serve(t, "/payouts", e.payoutHandler().HandleRequest, http.MethodPost, "/payouts", PayoutRequest{
		Amount:          amount(amt),
		Method:          models.PayoutMobileMoney,
		DestinationHash: "sha256:wallet",
		IdempotencyKey:  key,
	}, sovereign(dsID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var p models.PayoutInstruction
	data(t, w, &p)
	return &p
}

func TestPayoutHandler_Request(t *testing.T) {
	env := newTestEnv(t)
	h := env.payoutHandler()
	env.earn(t, "ds-1", "100")

	p := env.requestPayout(t, "ds-1", "40", "po-1")
	assert.Equal(t, "ds-1", p.DSID, "the data sovereign comes from the token")
	assert.Equal(t, models.PayoutPending, p.Status)
	assert.Equal(t, "USD", p.Currency)

	w := serve(t, "/balances/{dsId}", h.HandleBalance, http.MethodGet, "/balances/ds-1", nil, sovereign("ds-1"))
	require.Equal(t, http.StatusOK, w.Code)
	var b models.DataSovereignBalance
	data(t, w, &b)
	assert.True(t, b.Available.Equal(amount("60")))
	assert.True(t, b.Pending.Equal(amount("40")))

	valid := PayoutRequest{Amount: amount("20"), Method: models.PayoutBankTransfer, DestinationHash: "sha256:iban", IdempotencyKey: "po-x"}
	tests := []struct {
		name   string
		mutate func(r *PayoutRequest)
		caller *auth.Identity
		status int
	}{
		{"unknown method", func(r *PayoutRequest) { r.Method = "CHEQUE" }, sovereign("ds-1"), http.StatusBadRequest},
		{"below minimum", func(r *PayoutRequest) { r.Amount = amount("5") }, sovereign("ds-1"), http.StatusBadRequest},
		{"too precise", func(r *PayoutRequest) { r.Amount = amount("10.123456789") }, sovereign("ds-1"), http.StatusBadRequest},
		{"missing key", func(r *PayoutRequest) { r.IdempotencyKey = "" }, sovereign("ds-1"), http.StatusBadRequest},
		{"currency mismatch", func(r *PayoutRequest) { r.Currency = "EUR" }, sovereign("ds-1"), http.StatusBadRequest},
		{"more than available", func(r *PayoutRequest) { r.Amount = amount("61") }, sovereign("ds-1"), http.StatusUnprocessableEntity},
		{"no earnings", func(r *PayoutRequest) {}, sovereign("ds-9"), http.StatusNotFound},
		{"anonymous", func(r *PayoutRequest) {}, nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			w := serve(t, "/payouts", h.HandleRequest, http.MethodPost, "/payouts", r, tt.caller)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestPayoutHandler_ProcessAndCancel(t *testing.T) {
	env := newTestEnv(t)
	h := env.payoutHandler()
	env.earn(t, "ds-1", "100")

	first := env.requestPayout(t, "ds-1", "30", "po-1")
	second := env.requestPayout(t, "ds-1", "20", "po-2")

	w := serve(t, "/payouts/{id}/process", h.HandleProcess, http.MethodPost, "/payouts/"+first.ID.String()+"/process", nil, system())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done models.PayoutInstruction
	data(t, w, &done)
	assert.Equal(t, models.PayoutCompleted, done.Status)
	require.NotNil(t, done.ExternalReference)
	assert.Equal(t, "rail-"+first.ID.String(), *done.ExternalReference)

	w = serve(t, "/payouts/{id}/process", h.HandleProcess, http.MethodPost, "/payouts/"+first.ID.String()+"/process", nil, system())
	assert.Equal(t, http.StatusBadRequest, w.Code, "a completed payout cannot be processed again")

	w = serve(t, "/payouts/{id}/cancel", h.HandleCancel, http.MethodPost, "/payouts/"+second.ID.String()+"/cancel", nil, sovereign("ds-2"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(t, "/payouts/{id}/cancel", h.HandleCancel, http.MethodPost, "/payouts/"+second.ID.String()+"/cancel", nil, sovereign("ds-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cancelled models.PayoutInstruction
	data(t, w, &cancelled)
	assert.Equal(t, models.PayoutCancelled, cancelled.Status)

	b, err := env.payout.GetBalance(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(amount("70")))
	assert.True(t, b.Pending.IsZero())
	assert.True(t, b.TotalPaidOut.Equal(amount("30")))

	w = serve(t, "/payouts/{id}/process", h.HandleProcess, http.MethodPost, "/payouts/"+uuid.NewString()+"/process", nil, system())
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPayoutHandler_RailFailure(t *testing.T) {
	env := newTestEnv(t)
	rail := payout.RailFunc(func(ctx context.Context, p *models.PayoutInstruction) (string, error) {
		return "", errors.New("provider down")
	})
	svc := payout.NewService(env.repos.Balances, env.repos.Payouts, env.journal, env.ledger,
		payout.NewRepositoryVelocity(env.repos.Payouts), rail, env.repos.Transactions, payout.DefaultConfig(), env.logger)
	h := NewPayoutHandler(svc, env.logger)
	env.earn(t, "ds-1", "50")
	p := env.requestPayout(t, "ds-1", "50", "po-1")

	w := serve(t, "/payouts/{id}/process", h.HandleProcess, http.MethodPost, "/payouts/"+p.ID.String()+"/process", nil, system())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var failed models.PayoutInstruction
	data(t, w, &failed)
	assert.Equal(t, models.PayoutFailed, failed.Status)
	require.NotNil(t, failed.FailureReason)
	assert.Contains(t, *failed.FailureReason, "provider down")

	b, err := svc.GetBalance(context.Background(), "ds-1")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(amount("50")), "a failed transfer returns the hold")
}

func TestPayoutHandler_Visibility(t *testing.T) {
	env := newTestEnv(t)
	core, logs := observer.New(zapcore.WarnLevel)
	h := NewPayoutHandler(env.payout, zap.New(core))
	env.earn(t, "ds-1", "100")
	p := env.requestPayout(t, "ds-1", "15", "po-1")

	tests := []struct {
		name    string
		pattern string
		handler http.HandlerFunc
		path    string
		caller  *auth.Identity
		status  int
	}{
		{"own payout", "/payouts/{id}", h.HandleGet, "/payouts/" + p.ID.String(), sovereign("ds-1"), http.StatusOK},
		{"admin reads any payout", "/payouts/{id}", h.HandleGet, "/payouts/" + p.ID.String(), operator(), http.StatusOK},
		{"other sovereign's payout", "/payouts/{id}", h.HandleGet, "/payouts/" + p.ID.String(), sovereign("ds-2"), http.StatusForbidden},
		{"own list", "/payouts", h.HandleList, "/payouts", sovereign("ds-1"), http.StatusOK},
		{"other sovereign's list", "/payouts", h.HandleList, "/payouts?ds_id=ds-1", sovereign("ds-2"), http.StatusForbidden},
		{"system lists any sovereign", "/payouts", h.HandleList, "/payouts?ds_id=ds-1", system(), http.StatusOK},
		{"own balance", "/balances/{dsId}", h.HandleBalance, "/balances/ds-1", sovereign("ds-1"), http.StatusOK},
		{"other sovereign's balance", "/balances/{dsId}", h.HandleBalance, "/balances/ds-1", sovereign("ds-2"), http.StatusForbidden},
		{"requester has no balance access", "/balances/{dsId}", h.HandleBalance, "/balances/ds-1", requester("req-1"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(t, tt.pattern, tt.handler, http.MethodGet, tt.path, nil, tt.caller)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	denied := logs.FilterField(zap.String("security_event", "cross_ds_access")).All()
	assert.Len(t, denied, 4)

	w := serve(t, "/payouts", h.HandleList, http.MethodGet, "/payouts", nil, sovereign("ds-1"))
	require.Equal(t, http.StatusOK, w.Code)
	var list []*models.PayoutInstruction
	data(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
}
