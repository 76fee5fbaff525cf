package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/app"
	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/config"
	"go.uber.org/zap/zaptest"
)

const testSecret = "route-test-secret"

type client struct {
	t  *testing.T
	ts *httptest.Server
}

func newServer(t *testing.T) *client {
	t.Helper()
	ctx := context.Background()
	deps, err := app.NewDependencies(ctx, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ts := httptest.NewServer(SetupRoutes(deps))
	t.Cleanup(func() {
		ts.Close()
		_ = deps.Close(ctx)
	})
	return &client{t: t, ts: ts}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.Issue(testSecret, "consent-ledger", subject, role, time.Minute)
	require.NoError(t, err)
	return tok
}

// do sends body as JSON and decodes the data field of the response into dst
func (c *client) do(method, path, tok string, body interface{}, dst interface{}) int {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.ts.URL+path, reader)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	if dst != nil && resp.StatusCode < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&envelope))
		require.NoError(c.t, json.Unmarshal(envelope.Data, dst))
	}
	return resp.StatusCode
}

func TestHealthEndpoints(t *testing.T) {
	c := newServer(t)

	t.Run("liveness", func(t *testing.T) {
		var body map[string]interface{}
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", "", nil, &body))
		assert.Equal(t, "healthy", body["status"])
	})

	t.Run("readiness with memory storage", func(t *testing.T) {
		var body map[string]interface{}
		require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/readyz", "", nil, &body))
		assert.Equal(t, "healthy", body["status"])
	})
}

func TestAPIEndpoints_Access(t *testing.T) {
	c := newServer(t)
	ds := token(t, "ds-1", auth.RoleDS)
	req := token(t, "req-1", auth.RoleRequester)
	admin := token(t, "ops", auth.RoleAdmin)

	testCases := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"anonymous receipt listing", http.MethodGet, "/api/v1/ledger/receipts", "", http.StatusUnauthorized},
		{"anonymous escrow creation", http.MethodPost, "/api/v1/escrows", "", http.StatusUnauthorized},
		{"anonymous payouts", http.MethodGet, "/api/v1/payouts", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/payouts", "not-a-jwt", http.StatusUnauthorized},
		{"data sovereign cannot append receipts", http.MethodPost, "/api/v1/ledger/receipts", ds, http.StatusForbidden},
		{"requester cannot verify the chain", http.MethodGet, "/api/v1/ledger/chain/verify", req, http.StatusForbidden},
		{"data sovereign cannot open escrows", http.MethodPost, "/api/v1/escrows", ds, http.StatusForbidden},
		{"requester cannot lock escrow", http.MethodPost, "/api/v1/escrows/00000000-0000-0000-0000-000000000000/lock", req, http.StatusForbidden},
		{"requester cannot settle", http.MethodPost, "/api/v1/settlements", req, http.StatusForbidden},
		{"requester cannot request payouts", http.MethodPost, "/api/v1/payouts", req, http.StatusForbidden},
		{"data sovereign cannot read the journal", http.MethodGet, "/api/v1/journal/trial-balance", ds, http.StatusForbidden},
		{"admin reads the journal", http.MethodGet, "/api/v1/journal/trial-balance", admin, http.StatusOK},
		{"admin verifies an empty chain", http.MethodGet, "/api/v1/ledger/chain/verify", admin, http.StatusOK},
		{"requester cannot read settlement history", http.MethodGet, "/api/v1/settlements", req, http.StatusForbidden},
		{"data sovereign reads own settlement history", http.MethodGet, "/api/v1/settlements", ds, http.StatusOK},
		{"data sovereign cannot count receipts", http.MethodGet, "/api/v1/ledger/receipts/count?kind=SETTLEMENT&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", ds, http.StatusForbidden},
		{"admin counts receipts", http.MethodGet, "/api/v1/ledger/receipts/count?kind=SETTLEMENT&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z", admin, http.StatusOK},
		{"data sovereign cannot list contract settlements", http.MethodGet, "/api/v1/contracts/c-1/settlements", ds, http.StatusForbidden},
		{"unknown endpoint", http.MethodGet, "/api/v1/nonexistent", admin, http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, c.do(tc.method, tc.path, tc.token, nil, nil), "endpoint: %s %s", tc.method, tc.path)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	c := newServer(t)

	req, err := http.NewRequest(http.MethodOptions, c.ts.URL+"/api/v1/escrows", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

// TestSettlementFlow drives money from a requester to a data sovereign's
// wallet and checks the journal and receipt chain afterwards.
func TestSettlementFlow(t *testing.T) {
	c := newServer(t)
	req := token(t, "req-1", auth.RoleRequester)
	ds := token(t, "ds-1", auth.RoleDS)
	sys := token(t, "settlement-worker", auth.RoleSystem)
	admin := token(t, "ops", auth.RoleAdmin)

	var escrow struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/escrows", req,
		map[string]string{"request_id": "dr-1", "currency": "USD"}, &escrow))
	assert.Equal(t, "PENDING", escrow.Status)

	base := "/api/v1/escrows/" + escrow.ID
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, base+"/fund", req,
		map[string]string{"amount": "100", "idempotency_key": "fund-1"}, &escrow))
	assert.Equal(t, "FUNDED", escrow.Status)

	var funded struct {
		Funded bool `json:"funded"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/escrows/by-request/dr-1/funded?amount=100", ds, nil, &funded))
	assert.True(t, funded.Funded)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, base+"/lock", sys,
		map[string]string{"amount": "60", "idempotency_key": "lock-1"}, &escrow))
	assert.Equal(t, "LOCKED", escrow.Status)

	require.Equal(t, http.StatusOK, c.do(http.MethodPut, "/api/v1/contracts/c-1", sys, map[string]string{
		"request_id":   "dr-1",
		"requester_id": "req-1",
		"ds_id":        "ds-1",
		"escrow_id":    escrow.ID,
		"unit_price":   "12.5",
		"currency":     "USD",
		"status":       "ACTIVE",
	}, nil))

	var batch struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/settlements/batch", sys, map[string]interface{}{
		"items": []map[string]interface{}{
			{"contract_id": "c-1", "unit_count": 4, "idempotency_key": "s-1"},
			{"contract_id": "c-missing", "unit_count": 1, "idempotency_key": "s-2"},
		},
	}, &batch))
	assert.Equal(t, 1, batch.Succeeded)
	assert.Equal(t, 1, batch.Failed)

	var balance struct {
		Available decimal.Decimal `json:"available"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/balances/ds-1", ds, nil, &balance))
	assert.True(t, balance.Available.Equal(decimal.NewFromInt(50)), balance.Available.String())

	var p struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/payouts", ds, map[string]string{
		"amount":           "30",
		"method":           "MOBILE_MONEY",
		"destination_hash": "sha256:wallet",
		"idempotency_key":  "po-1",
	}, &p))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/api/v1/payouts/"+p.ID+"/process", sys, nil, &p))
	assert.Equal(t, "COMPLETED", p.Status)

	var tb struct {
		Balanced bool `json:"balanced"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/journal/trial-balance", admin, nil, &tb))
	assert.True(t, tb.Balanced)

	var chain struct {
		Valid  bool `json:"valid"`
		Report struct {
			Checked int `json:"checked"`
		} `json:"report"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/api/v1/ledger/chain/verify", admin, nil, &chain))
	assert.True(t, chain.Valid)
	assert.Positive(t, chain.Report.Checked)

	var reconcile struct {
		Consistent bool `json:"consistent"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/reconcile", admin, nil, &reconcile))
	assert.True(t, reconcile.Consistent)
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			AllowedOrigins:  []string{"http://localhost:5173"},
		},
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Ledger: config.LedgerConfig{
			BatchSize:          64,
			BatchInterval:      time.Hour,
			PendingAnchorLimit: 10,
		},
		Anchor: config.AnchorConfig{
			Sink:       config.AnchorSinkLog,
			Workers:    1,
			BufferSize: 8,
			Timeout:    time.Second,
		},
		Payout: config.PayoutConfig{
			MinAmount:         decimal.NewFromInt(10),
			DailyCap:          decimal.NewFromInt(10000),
			VelocityThreshold: 5,
			VelocityWindow:    24 * time.Hour,
			TransferTimeout:   5 * time.Second,
			VelocitySource:    config.VelocityRepository,
		},
		Auth: config.AuthConfig{JWTSecret: testSecret, Issuer: "consent-ledger"},
		Observability: config.ObservabilityConfig{
			LogLevel:  "error",
			LogFormat: "json",
		},
	}
}
