package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/journal"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// JournalService reads the double-entry journal
type JournalService interface {
	TrialBalance(ctx context.Context) (*journal.TrialBalance, error)
	VerifyZeroSum(ctx context.Context) (*journal.TrialBalance, error)
	ListByReference(ctx context.Context, referenceID string) ([]*models.JournalEntry, error)
}

// TrialBalanceResponse adds the zero-sum verdict to a trial balance
type TrialBalanceResponse struct {
	*journal.TrialBalance
	Balanced bool `json:"balanced"`
}

// JournalHandler serves journal endpoints
type JournalHandler struct {
	journal JournalService
	logger  *zap.Logger
}

// NewJournalHandler creates a new JournalHandler
func NewJournalHandler(j JournalService, logger *zap.Logger) *JournalHandler {
	return &JournalHandler{journal: j, logger: logger}
}

// HandleTrialBalance handles GET /journal/trial-balance. An unbalanced
// journal is reported in the body and logged as an integrity violation.
func (h *JournalHandler) HandleTrialBalance(w http.ResponseWriter, r *http.Request) {
	tb, err := h.journal.VerifyZeroSum(r.Context())
	if err != nil && !services.IsIntegrityViolationError(err) {
		HandleServiceError(w, err, h.logger)
		return
	}
	if tb == nil {
		if tb, err = h.journal.TrialBalance(r.Context()); err != nil {
			HandleServiceError(w, err, h.logger)
			return
		}
	}
	_ = utils.WriteOK(w, TrialBalanceResponse{TrialBalance: tb, Balanced: tb.Balanced()})
}

// HandleEntries handles GET /journal/entries/{referenceId}
func (h *JournalHandler) HandleEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.journal.ListByReference(r.Context(), chi.URLParam(r, "referenceId"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, entries)
}
