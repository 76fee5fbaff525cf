package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/middleware"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/repositories"
	"github.com/upb/consent-ledger/repositories/memory"
	"github.com/upb/consent-ledger/services/anchor"
	"github.com/upb/consent-ledger/services/escrow"
	"github.com/upb/consent-ledger/services/journal"
	"github.com/upb/consent-ledger/services/ledger"
	"github.com/upb/consent-ledger/services/merkle"
	"github.com/upb/consent-ledger/services/payout"
	"github.com/upb/consent-ledger/services/settlement"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// discardSubmitter accepts every anchor job and does nothing with it
type discardSubmitter struct{}

func (discardSubmitter) Submit(job anchor.Job) bool { return true }

// testEnv wires the real services over the in-memory store
type testEnv struct {
	repos      *repositories.Repositories
	ledger     *ledger.Service
	batcher    *merkle.Batcher
	journal    *journal.Service
	escrow     *escrow.Service
	settlement *settlement.Service
	payout     *payout.Service
	logger     *zap.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repos := memory.NewStore(logger).Repositories()

	env := &testEnv{repos: repos, logger: logger}
	env.ledger = ledger.NewService(repos.Receipts, repos.Transactions, logger)
	env.batcher = merkle.NewBatcher(repos.Receipts, repos.Batches, repos.Transactions, discardSubmitter{}, 0, logger)
	env.journal = journal.NewService(repos.Journal, logger)
	env.escrow = escrow.NewService(repos.Escrows, repos.Contracts, env.journal, env.ledger, repos.Transactions, logger)
	env.settlement = settlement.NewService(env.escrow, env.ledger, repos.Contracts, repos.Balances,
		repos.Settlements, repos.Transactions, logger)
	rail := payout.RailFunc(func(ctx context.Context, p *models.PayoutInstruction) (string, error) {
		return "rail-" + p.ID.String(), nil
	})
	env.payout = payout.NewService(repos.Balances, repos.Payouts, env.journal, env.ledger,
		payout.NewRepositoryVelocity(repos.Payouts), rail, repos.Transactions, payout.DefaultConfig(), logger)
	return env
}

func requester(sub string) *auth.Identity {
	return &auth.Identity{Subject: sub, Role: auth.RoleRequester}
}
func sovereign(sub string) *auth.Identity { return &auth.Identity{Subject: sub, Role: auth.RoleDS} }
func operator() *auth.Identity            { return &auth.Identity{Subject: "ops", Role: auth.RoleAdmin} }
func system() *auth.Identity {
	return &auth.Identity{Subject: "settlement-worker", Role: auth.RoleSystem}
}

// serve routes one request through a chi router so URL parameters resolve
// the way they do in production. A nil caller sends an anonymous request.
func serve(t *testing.T, pattern string, h http.HandlerFunc, method, path string, body interface{}, caller *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	r := chi.NewRouter()
	r.Method(method, pattern, h)

	req := httptest.NewRequest(method, path, reader)
	if caller != nil {
		req = req.WithContext(middleware.WithIdentity(req.Context(), caller))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// data decodes the data field of a success response into dst
func data(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope), w.Body.String())
	require.NoError(t, json.Unmarshal(envelope.Data, dst), w.Body.String())
}

// errorBody decodes an error response
func errorBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}
