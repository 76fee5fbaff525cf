package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/escrow"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// EscrowService is the escrow state machine as seen by HTTP callers
type EscrowService interface {
	CreateEscrow(ctx context.Context, requesterID, requestID, currency string) (*models.EscrowAccount, error)
	Fund(ctx context.Context, escrowID uuid.UUID, requesterID string, amount decimal.Decimal, key string) (*models.EscrowAccount, error)
	Lock(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, key string) (*models.EscrowAccount, error)
	Release(ctx context.Context, escrowID uuid.UUID, amount decimal.Decimal, recipientDSID, key string) (*models.EscrowAccount, error)
	Refund(ctx context.Context, escrowID uuid.UUID, requesterID string, amount decimal.Decimal, key string) (*models.EscrowAccount, error)
	Dispute(ctx context.Context, escrowID uuid.UUID, actorID, reason string) (*models.EscrowAccount, error)
	ResolveDispute(ctx context.Context, escrowID uuid.UUID, outcome escrow.DisputeOutcome, amount decimal.Decimal, dsID, key string) (*models.EscrowAccount, error)
	IsSufficientlyFunded(ctx context.Context, requestID string, required decimal.Decimal) (bool, error)
	Get(ctx context.Context, escrowID uuid.UUID) (*models.EscrowAccount, error)
	GetByRequest(ctx context.Context, requestID string) (*models.EscrowAccount, error)
	SetAnchorReference(ctx context.Context, escrowID uuid.UUID, ref string) (*models.EscrowAccount, error)
	Reconcile(ctx context.Context, escrowID uuid.UUID) (*escrow.ReconcileReport, error)
}

// CreateEscrowRequest opens an escrow for a data request
type CreateEscrowRequest struct {
	RequestID string `json:"request_id" validate:"required"`
	Currency  string `json:"currency" validate:"required,currency"`
}

// MoveRequest is the body of fund, lock and refund
type MoveRequest struct {
	Amount         decimal.Decimal `json:"amount" validate:"amount"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

// ReleaseRequest releases locked money to a data sovereign
type ReleaseRequest struct {
	Amount         decimal.Decimal `json:"amount" validate:"amount"`
	DSID           string          `json:"ds_id" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key" validate:"required"`
}

// DisputeRequest freezes an escrow
type DisputeRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// ResolveRequest ends a dispute
type ResolveRequest struct {
	Outcome        escrow.DisputeOutcome `json:"outcome" validate:"required,oneof=RELEASE REFUND"`
	Amount         decimal.Decimal       `json:"amount" validate:"amount"`
	DSID           string                `json:"ds_id,omitempty"`
	IdempotencyKey string                `json:"idempotency_key" validate:"required"`
}

// AnchorReferenceRequest records an external anchor transaction
type AnchorReferenceRequest struct {
	Reference string `json:"reference" validate:"required"`
}

// FundedResponse answers the delivery gate
type FundedResponse struct {
	RequestID string          `json:"request_id"`
	Required  decimal.Decimal `json:"required"`
	Funded    bool            `json:"funded"`
}

// EscrowHandler serves the escrow endpoints
type EscrowHandler struct {
	escrows EscrowService
	logger  *zap.Logger
}

// NewEscrowHandler creates a new EscrowHandler
func NewEscrowHandler(escrows EscrowService, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrows: escrows, logger: logger}
}

// HandleCreate handles POST /escrows. The caller becomes the requester.
func (h *EscrowHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	id, ok := identity(w, r)
	if !ok {
		return
	}
	var req CreateEscrowRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	e, err := h.escrows.CreateEscrow(r.Context(), id.Subject, req.RequestID, req.Currency)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteCreated(w, e)
}

// HandleGet handles GET /escrows/{id}
func (h *EscrowHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.withEscrow(w, r, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.Get(r.Context(), escrowID)
	})
}

// HandleGetByRequest handles GET /escrows/by-request/{requestId}
func (h *EscrowHandler) HandleGetByRequest(w http.ResponseWriter, r *http.Request) {
	e, err := h.escrows.GetByRequest(r.Context(), chi.URLParam(r, "requestId"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, e)
}

// HandleFunded handles GET /escrows/by-request/{requestId}/funded?amount=
func (h *EscrowHandler) HandleFunded(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestId")
	required, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || required.IsNegative() {
		_ = utils.WriteBadRequest(w, "amount must be a non-negative decimal", nil)
		return
	}

	funded, err := h.escrows.IsSufficientlyFunded(r.Context(), requestID, required)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, FundedResponse{RequestID: requestID, Required: required, Funded: funded})
}

// HandleFund handles POST /escrows/{id}/fund
func (h *EscrowHandler) HandleFund(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.Fund(r.Context(), escrowID, caller.Subject, req.Amount, req.IdempotencyKey)
	})
}

// HandleLock handles POST /escrows/{id}/lock
func (h *EscrowHandler) HandleLock(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.Lock(r.Context(), escrowID, req.Amount, req.IdempotencyKey)
	})
}

// HandleRelease handles POST /escrows/{id}/release
func (h *EscrowHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	var req ReleaseRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.Release(r.Context(), escrowID, req.Amount, req.DSID, req.IdempotencyKey)
	})
}

// HandleRefund handles POST /escrows/{id}/refund. Only the requester may refund.
func (h *EscrowHandler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.Refund(r.Context(), escrowID, caller.Subject, req.Amount, req.IdempotencyKey)
	})
}

// HandleDispute handles POST /escrows/{id}/dispute
func (h *EscrowHandler) HandleDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var req DisputeRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.Dispute(r.Context(), escrowID, caller.Subject, req.Reason)
	})
}

// HandleResolve handles POST /escrows/{id}/resolve
func (h *EscrowHandler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		if req.Outcome == escrow.OutcomeRelease && req.DSID == "" {
			return nil, services.Derive(services.ErrMissingField, nil).WithDetail("field", "ds_id")
		}
		return h.escrows.ResolveDispute(r.Context(), escrowID, req.Outcome, req.Amount, req.DSID, req.IdempotencyKey)
	})
}

// HandleAnchorReference handles PUT /escrows/{id}/anchor
func (h *EscrowHandler) HandleAnchorReference(w http.ResponseWriter, r *http.Request) {
	var req AnchorReferenceRequest
	h.withBody(w, r, &req, func(escrowID uuid.UUID) (*models.EscrowAccount, error) {
		return h.escrows.SetAnchorReference(r.Context(), escrowID, req.Reference)
	})
}

// HandleReconcile handles GET /escrows/{id}/reconcile
func (h *EscrowHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	escrowID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	report, err := h.escrows.Reconcile(r.Context(), escrowID)
	if err != nil && report == nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, report)
}

func (h *EscrowHandler) withEscrow(w http.ResponseWriter, r *http.Request, op func(escrowID uuid.UUID) (*models.EscrowAccount, error)) {
	escrowID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	e, err := op(escrowID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, e)
}

func (h *EscrowHandler) withBody(w http.ResponseWriter, r *http.Request, body interface{}, op func(escrowID uuid.UUID) (*models.EscrowAccount, error)) {
	escrowID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if !decode(w, r, body, h.logger) {
		return
	}
	e, err := op(escrowID)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, e)
}
