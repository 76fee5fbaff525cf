package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/upb/consent-ledger/middleware"
	"github.com/upb/consent-ledger/models"
	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/services/ledger"
	"github.com/upb/consent-ledger/services/merkle"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// LedgerService is the receipt chain as seen by HTTP callers
type LedgerService interface {
	AppendReceipt(ctx context.Context, in ledger.AppendInput) (*models.AuditReceipt, error)
	GetReceipt(ctx context.Context, id uuid.UUID) (*models.AuditReceipt, error)
	ListByResource(ctx context.Context, resourceKind, resourceID string, limit, offset int) ([]*models.AuditReceipt, error)
	ListByActor(ctx context.Context, actorID string, limit, offset int) ([]*models.AuditReceipt, error)
	ListByKind(ctx context.Context, kind models.ReceiptKind, limit, offset int) ([]*models.AuditReceipt, error)
	ListByTimeRange(ctx context.Context, from, to time.Time, limit, offset int) ([]*models.AuditReceipt, error)
	CountByKindInRange(ctx context.Context, kind models.ReceiptKind, from, to time.Time) (int64, error)
	VerifyReceiptIntegrity(ctx context.Context, id uuid.UUID) (*ledger.IntegrityReport, error)
	VerifyChain(ctx context.Context, fromSeq int64, limit int) (*ledger.ChainReport, error)
}

// BatchService proofs receipts and verifies proofs
type BatchService interface {
	AnchorBatch(ctx context.Context, maxBatchSize int) (*merkle.BatchResult, error)
	VerifyReceiptProof(ctx context.Context, receiptID uuid.UUID) (*merkle.ProofCheck, error)
	CheckProof(ctx context.Context, proof *models.MerkleProof, expectedRoot string) (*merkle.ProofCheck, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*models.MerkleBatch, error)
}

// AppendReceiptRequest records an event reported by another service
type AppendReceiptRequest struct {
	Kind         models.ReceiptKind `json:"kind" validate:"required"`
	ActorID      string             `json:"actor_id" validate:"required"`
	ActorKind    models.ActorKind   `json:"actor_kind" validate:"required,oneof=REQUESTER DS SYSTEM"`
	ResourceID   string             `json:"resource_id" validate:"required"`
	ResourceKind string             `json:"resource_kind" validate:"required"`
	Details      json.RawMessage    `json:"details,omitempty"`
}

// AnchorBatchRequest asks for an immediate batch
type AnchorBatchRequest struct {
	MaxBatchSize int `json:"max_batch_size,omitempty" validate:"omitempty,gt=0,max=10000"`
}

// VerifyProofRequest carries an externally held proof, either as JSON or in
// its compact text form
type VerifyProofRequest struct {
	Proof   *models.MerkleProof `json:"proof,omitempty"`
	Encoded string              `json:"encoded,omitempty"`
	Root    string              `json:"root" validate:"required"`
}

// ChainVerification is the outcome of a chain walk
type ChainVerification struct {
	Valid     bool                   `json:"valid"`
	Report    *ledger.ChainReport    `json:"report"`
	Violation string                 `json:"violation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// LedgerHandler serves the audit ledger endpoints
type LedgerHandler struct {
	ledger    LedgerService
	batches   BatchService
	batchSize int
	logger    *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. batchSize is used when a
// batch request does not name one.
func NewLedgerHandler(ledgerSvc LedgerService, batches BatchService, batchSize int, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledgerSvc,
		batches:   batches,
		batchSize: batchSize,
		logger:    logger,
	}
}

// HandleAppendReceipt handles POST /ledger/receipts
func (h *LedgerHandler) HandleAppendReceipt(w http.ResponseWriter, r *http.Request) {
	var req AppendReceiptRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	var details interface{} = map[string]interface{}{}
	if len(req.Details) > 0 {
		if err := json.Unmarshal(req.Details, &details); err != nil {
			_ = utils.WriteBadRequest(w, "details must be valid JSON", nil)
			return
		}
	}
	detailsHash, err := ledger.HashDetails(details)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	receipt, err := h.ledger.AppendReceipt(r.Context(), ledger.AppendInput{
		Kind:         req.Kind,
		ActorID:      req.ActorID,
		ActorKind:    req.ActorKind,
		ResourceID:   req.ResourceID,
		ResourceKind: req.ResourceKind,
		DetailsHash:  detailsHash,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("receipt appended over api",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("receipt_id", receipt.ID.String()),
		zap.String("kind", string(receipt.Kind)))
	_ = utils.WriteCreated(w, receipt)
}

// HandleListReceipts handles GET /ledger/receipts. Exactly one filter
// applies: resource, actor, kind, or a from/to time range.
func (h *LedgerHandler) HandleListReceipts(w http.ResponseWriter, r *http.Request) {
	p, ok := pagination(w, r)
	if !ok {
		return
	}
	from, to, ok := timeRange(w, r, false)
	if !ok {
		return
	}
	q := r.URL.Query()

	var (
		list []*models.AuditReceipt
		err  error
	)
	switch {
	case q.Get("resource_id") != "":
		list, err = h.ledger.ListByResource(r.Context(), q.Get("resource_kind"), q.Get("resource_id"), p.limit, p.offset)
	case q.Get("actor_id") != "":
		list, err = h.ledger.ListByActor(r.Context(), q.Get("actor_id"), p.limit, p.offset)
	case q.Get("kind") != "":
		list, err = h.ledger.ListByKind(r.Context(), models.ReceiptKind(q.Get("kind")), p.limit, p.offset)
	case !from.IsZero():
		list, err = h.ledger.ListByTimeRange(r.Context(), from, to, p.limit, p.offset)
	default:
		_ = utils.WriteBadRequest(w, "resource_id, actor_id, kind or from and to is required", nil)
		return
	}
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, list)
}

// ReceiptCount answers a count of one receipt kind over a time range
type ReceiptCount struct {
	Kind  models.ReceiptKind `json:"kind"`
	From  time.Time          `json:"from"`
	To    time.Time          `json:"to"`
	Count int64              `json:"count"`
}

// HandleCountReceipts handles GET /ledger/receipts/count?kind=&from=&to=
func (h *LedgerHandler) HandleCountReceipts(w http.ResponseWriter, r *http.Request) {
	kind := models.ReceiptKind(r.URL.Query().Get("kind"))
	if kind == "" {
		_ = utils.WriteBadRequest(w, "kind is required", nil)
		return
	}
	from, to, ok := timeRange(w, r, true)
	if !ok {
		return
	}

	n, err := h.ledger.CountByKindInRange(r.Context(), kind, from, to)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, ReceiptCount{Kind: kind, From: from, To: to, Count: n})
}

// timeRange reads the from and to query parameters, which come as a pair
func timeRange(w http.ResponseWriter, r *http.Request, required bool) (time.Time, time.Time, bool) {
	from, err := utils.QueryTime(r, "from")
	var to time.Time
	if err == nil {
		to, err = utils.QueryTime(r, "to")
	}
	if err == nil && from.IsZero() != to.IsZero() {
		err = errors.New("from and to must be given together")
	}
	if err == nil && required && from.IsZero() {
		err = errors.New("from and to are required")
	}
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// HandleGetReceipt handles GET /ledger/receipts/{id}
func (h *LedgerHandler) HandleGetReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	receipt, err := h.ledger.GetReceipt(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, receipt)
}

// HandleVerifyReceipt handles GET /ledger/receipts/{id}/verify
func (h *LedgerHandler) HandleVerifyReceipt(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	report, err := h.ledger.VerifyReceiptIntegrity(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, report)
}

// HandleReceiptProof handles GET /ledger/receipts/{id}/proof
func (h *LedgerHandler) HandleReceiptProof(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	check, err := h.batches.VerifyReceiptProof(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, check)
}

// HandleVerifyChain handles GET /ledger/chain/verify?from=&limit=. A broken
// chain is reported in the body, not as an error status.
func (h *LedgerHandler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	from := int64(1)
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 1 {
			_ = utils.WriteBadRequest(w, "from must be a positive sequence number", nil)
			return
		}
		from = v
	}
	limit, err := utils.QueryInt(r, "limit", 0)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}

	report, err := h.ledger.VerifyChain(r.Context(), from, limit)
	switch {
	case err == nil:
		_ = utils.WriteOK(w, ChainVerification{Valid: true, Report: report})
	case services.IsIntegrityViolationError(err):
		var violation string
		var de *services.DomainError
		if errors.As(err, &de) {
			violation = de.Message
		}
		_ = utils.WriteOK(w, ChainVerification{
			Valid:     false,
			Report:    report,
			Violation: violation,
			Details:   services.GetErrorDetails(err),
		})
	default:
		HandleServiceError(w, err, h.logger)
	}
}

// HandleAnchorBatch handles POST /ledger/batches
func (h *LedgerHandler) HandleAnchorBatch(w http.ResponseWriter, r *http.Request) {
	req := AnchorBatchRequest{}
	if r.ContentLength != 0 && !decode(w, r, &req, h.logger) {
		return
	}
	size := req.MaxBatchSize
	if size == 0 {
		size = h.batchSize
	}

	result, err := h.batches.AnchorBatch(r.Context(), size)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if result.Count == 0 {
		_ = utils.WriteOK(w, result)
		return
	}
	_ = utils.WriteCreated(w, result)
}

// HandleGetBatch handles GET /ledger/batches/{id}
func (h *LedgerHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	batch, err := h.batches.GetBatch(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, batch)
}

// HandleVerifyProof handles POST /ledger/proofs/verify
func (h *LedgerHandler) HandleVerifyProof(w http.ResponseWriter, r *http.Request) {
	var req VerifyProofRequest
	if !decode(w, r, &req, h.logger) {
		return
	}

	proof := req.Proof
	if req.Encoded != "" {
		parsed, err := merkle.ParseProof(req.Encoded)
		if err != nil {
			_ = utils.WriteBadRequest(w, err.Error(), nil)
			return
		}
		proof = parsed
	}
	if proof == nil {
		_ = utils.WriteBadRequest(w, "proof or encoded is required", nil)
		return
	}

	check, err := h.batches.CheckProof(r.Context(), proof, req.Root)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, check)
}
