package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services/settlement"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// SettlementService is the settlement coordinator as seen by HTTP callers
type SettlementService interface {
	ProcessSettlement(ctx context.Context, req settlement.Request) (*settlement.Result, error)
	ProcessBatch(ctx context.Context, items []settlement.BatchItem) []settlement.ItemResult
	SyncContract(ctx context.Context, c *models.ConsentContract) error
	GetContract(ctx context.Context, id string) (*models.ConsentContract, error)
	History(ctx context.Context, dsID string, limit, offset int) ([]*models.Settlement, error)
	ContractSettlements(ctx context.Context, contractID string, limit, offset int) ([]*models.Settlement, error)
}

// BatchSettlementRequest settles many contracts in one call
type BatchSettlementRequest struct {
	Items []settlement.BatchItem `json:"items" validate:"required,min=1,max=1000"`
}

// BatchSettlementResponse reports every item, failed ones included
type BatchSettlementResponse struct {
	Succeeded int                     `json:"succeeded"`
	Failed    int                     `json:"failed"`
	Results   []settlement.ItemResult `json:"results"`
}

// SyncContractRequest carries the consent service's view of a contract
type SyncContractRequest struct {
	RequestID   string                       `json:"request_id" validate:"required"`
	RequesterID string                       `json:"requester_id" validate:"required"`
	DSID        string                       `json:"ds_id" validate:"required"`
	EscrowID    string                       `json:"escrow_id" validate:"required,uuid"`
	UnitPrice   decimal.Decimal              `json:"unit_price" validate:"amount"`
	Currency    string                       `json:"currency" validate:"required,currency"`
	Status      models.ConsentContractStatus `json:"status" validate:"required,oneof=PENDING ACTIVE REVOKED EXPIRED"`
}

// SettlementHandler serves settlement and contract endpoints
type SettlementHandler struct {
	settlements SettlementService
	logger      *zap.Logger
}

// NewSettlementHandler creates a new SettlementHandler
func NewSettlementHandler(settlements SettlementService, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{settlements: settlements, logger: logger}
}

// HandleSettle handles POST /settlements. A replay answers 200, a fresh settlement 201.
func (h *SettlementHandler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	var req settlement.Request
	if !decode(w, r, &req, h.logger) {
		return
	}

	result, err := h.settlements.ProcessSettlement(r.Context(), req)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if result.Replayed {
		_ = utils.WriteOK(w, result)
		return
	}
	_ = utils.WriteCreated(w, result)
}

// HandleSettleBatch handles POST /settlements/batch. Item failures do not fail the call.
func (h *SettlementHandler) HandleSettleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchSettlementRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	results := h.settlements.ProcessBatch(r.Context(), req.Items)
	resp := BatchSettlementResponse{Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	_ = utils.WriteOK(w, resp)
}

// HandleSyncContract handles PUT /contracts/{id}
func (h *SettlementHandler) HandleSyncContract(w http.ResponseWriter, r *http.Request) {
	var req SyncContractRequest
	if !decode(w, r, &req, h.logger) {
		return
	}
	escrowID, err := utils.ParseUUID(req.EscrowID, "escrow_id")
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	c := &models.ConsentContract{
		ID:          chi.URLParam(r, "id"),
		Status:      req.Status,
		DSID:        req.DSID,
		RequesterID: req.RequesterID,
		RequestID:   req.RequestID,
		EscrowID:    escrowID,
		UnitPrice:   req.UnitPrice,
		Currency:    req.Currency,
	}
	if err := h.settlements.SyncContract(r.Context(), c); err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, c)
}

// HandleGetContract handles GET /contracts/{id}
func (h *SettlementHandler) HandleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := h.settlements.GetContract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, c)
}

// HandleHistory handles GET /settlements. A data sovereign sees its own
// history; operators pass ds_id.
func (h *SettlementHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
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

	list, err := h.settlements.History(r.Context(), dsID, pg.limit, pg.offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, list)
}

// HandleContractSettlements handles GET /contracts/{id}/settlements
func (h *SettlementHandler) HandleContractSettlements(w http.ResponseWriter, r *http.Request) {
	pg, ok := pagination(w, r)
	if !ok {
		return
	}
	list, err := h.settlements.ContractSettlements(r.Context(), chi.URLParam(r, "id"), pg.limit, pg.offset)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, list)
}
