package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services/payout"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// PayoutService is the payout processor as seen by HTTP callers
type PayoutService interface {
	RequestPayout(ctx context.Context, req payout.Request) (*models.PayoutInstruction, error)
	ProcessPayout(ctx context.Context, payoutID uuid.UUID) (*models.PayoutInstruction, error)
	CancelPayout(ctx context.Context, payoutID uuid.UUID, dsID string) (*models.PayoutInstruction, error)
	GetPayout(ctx context.Context, payoutID uuid.UUID) (*models.PayoutInstruction, error)
	ListPayouts(ctx context.Context, dsID string, limit, offset int) ([]*models.PayoutInstruction, error)
	GetBalance(ctx context.Context, dsID string) (*models.DataSovereignBalance, error)
}

// PayoutRequest is the body of POST /payouts. The data sovereign is the caller.
type PayoutRequest struct {
	Amount          decimal.Decimal     `json:"amount" validate:"amount"`
	Currency        string              `json:"currency,omitempty" validate:"omitempty,currency"`
	Method          models.PayoutMethod `json:"method" validate:"payout_method"`
	DestinationHash string              `json:"destination_hash" validate:"required,max=256"`
	IdempotencyKey  string              `json:"idempotency_key" validate:"required,max=128"`
}

// PayoutHandler serves payout and balance endpoints
type PayoutHandler struct {
	payouts PayoutService
	logger  *zap.Logger
}

// NewPayoutHandler creates a new PayoutHandler
func NewPayoutHandler(payouts PayoutService, logger *zap.Logger) *PayoutHandler {
	return &PayoutHandler{payouts: payouts, logger: logger}
}

// HandleRequest handles POST /payouts
func (h *PayoutHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req PayoutRequest
	if !decode(w, r, &req, h.logger) {
		return
	}
	p, err := h.payouts.RequestPayout(r.Context(), payout.Request{
		DSID:            caller.Subject,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Method:          req.Method,
		DestinationHash: req.DestinationHash,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, p)
}

// HandleList handles GET /payouts. Operators may pass ?ds_id= to list another data sovereign.
func (h *PayoutHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	pg, ok := pagination(w, r)
	if !ok {
		return
	}

	dsID := caller.Subject
	if other := r.URL.Query().Get("ds_id"); other != "" {
		if !ownMoneyOnly(w, r, h.logger, caller, other) {
			return
		}
		dsID = other
	}

	list, err := h.payouts.ListPayouts(r.Context(), dsID, pg.limit, pg.offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, list)
}

// HandleGet handles GET /payouts/{id}
func (h *PayoutHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	payoutID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	p, err := h.payouts.GetPayout(r.Context(), payoutID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !ownMoneyOnly(w, r, h.logger, caller, p.DSID) {
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleProcess handles POST /payouts/{id}/process. A rail failure is
// reported through the returned instruction's status.
func (h *PayoutHandler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.payouts.ProcessPayout(r.Context(), payoutID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleCancel handles POST /payouts/{id}/cancel
func (h *PayoutHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	payoutID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.payouts.CancelPayout(r.Context(), payoutID, caller.Subject)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, p)
}

// HandleBalance handles GET /balances/{dsId}
func (h *PayoutHandler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	dsID := chi.URLParam(r, "dsId")
	if !ownMoneyOnly(w, r, h.logger, caller, dsID) {
		return
	}

	b, err := h.payouts.GetBalance(r.Context(), dsID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, b)
}
