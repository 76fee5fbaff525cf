package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/consent-ledger/app"
	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/handlers"
	"github.com/upb/consent-ledger/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	logger := deps.Logger
	health := handlers.NewHealthHandler(deps.HealthChecks, logger)
	ledgerH := handlers.NewLedgerHandler(deps.Ledger, deps.Batcher, deps.Config.Ledger.BatchSize, logger)
	escrowH := handlers.NewEscrowHandler(deps.Escrow, logger)
	settlementH := handlers.NewSettlementHandler(deps.Settlement, logger)
	payoutH := handlers.NewPayoutHandler(deps.Payout, logger)
	journalH := handlers.NewJournalHandler(deps.Journal, logger)

	authn := deps.AuthMiddleware
	operators := authn.RequireRole(auth.RoleAdmin, auth.RoleSystem)
	adminOnly := authn.RequireRole(auth.RoleAdmin)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authn.RequireAuth)

		// Audit ledger
		r.Route("/ledger", func(r chi.Router) {
			r.With(operators).Post("/receipts", ledgerH.HandleAppendReceipt)
			r.With(operators).Get("/receipts", ledgerH.HandleListReceipts)
			r.With(operators).Get("/receipts/count", ledgerH.HandleCountReceipts)
			r.Get("/receipts/{id}", ledgerH.HandleGetReceipt)
			r.Get("/receipts/{id}/verify", ledgerH.HandleVerifyReceipt)
			r.Get("/receipts/{id}/proof", ledgerH.HandleReceiptProof)
			r.Post("/proofs/verify", ledgerH.HandleVerifyProof)

			r.Group(func(r chi.Router) {
				r.Use(operators)
				r.Get("/chain/verify", ledgerH.HandleVerifyChain)
				r.Post("/batches", ledgerH.HandleAnchorBatch)
				r.Get("/batches/{id}", ledgerH.HandleGetBatch)
			})
		})

		// Escrow
		r.Route("/escrows", func(r chi.Router) {
			r.With(authn.RequireRole(auth.RoleRequester)).Post("/", escrowH.HandleCreate)
			r.Get("/{id}", escrowH.HandleGet)
			r.Get("/by-request/{requestId}", escrowH.HandleGetByRequest)
			r.Get("/by-request/{requestId}/funded", escrowH.HandleFunded)

			r.With(authn.RequireRole(auth.RoleRequester)).Post("/{id}/fund", escrowH.HandleFund)
			r.With(authn.RequireRole(auth.RoleRequester)).Post("/{id}/refund", escrowH.HandleRefund)
			r.With(authn.RequireRole(auth.RoleRequester, auth.RoleDS)).Post("/{id}/dispute", escrowH.HandleDispute)

			r.Group(func(r chi.Router) {
				r.Use(operators)
				r.Post("/{id}/lock", escrowH.HandleLock)
				r.Post("/{id}/release", escrowH.HandleRelease)
				r.Put("/{id}/anchor", escrowH.HandleAnchorReference)
				r.Get("/{id}/reconcile", escrowH.HandleReconcile)
			})
			r.With(adminOnly).Post("/{id}/resolve", escrowH.HandleResolve)
		})

		// Settlement and consent contracts
		r.Group(func(r chi.Router) {
			r.Use(operators)
			r.Post("/settlements", settlementH.HandleSettle)
			r.Post("/settlements/batch", settlementH.HandleSettleBatch)
			r.Put("/contracts/{id}", settlementH.HandleSyncContract)
			r.Get("/contracts/{id}", settlementH.HandleGetContract)
			r.Get("/contracts/{id}/settlements", settlementH.HandleContractSettlements)
		})
		r.With(authn.RequireRole(auth.RoleDS, auth.RoleAdmin, auth.RoleSystem)).Get("/settlements", settlementH.HandleHistory)

		// Payouts
		r.Route("/payouts", func(r chi.Router) {
			r.With(authn.RequireRole(auth.RoleDS)).Post("/", payoutH.HandleRequest)
			r.Get("/", payoutH.HandleList)
			r.Get("/{id}", payoutH.HandleGet)
			r.With(operators).Post("/{id}/process", payoutH.HandleProcess)
			r.With(authn.RequireRole(auth.RoleDS)).Post("/{id}/cancel", payoutH.HandleCancel)
		})
		r.Get("/balances/{dsId}", payoutH.HandleBalance)

		// Journal
		r.Route("/journal", func(r chi.Router) {
			r.Use(adminOnly)
			r.Get("/trial-balance", journalH.HandleTrialBalance)
			r.Get("/entries/{referenceId}", journalH.HandleEntries)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
