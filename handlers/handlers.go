package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/middleware"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// page is a limit/offset pair read from the query string
type page struct {
	limit  int
	offset int
}

// identity returns the caller or writes a 401
func identity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	id := middleware.IdentityFromContext(r.Context())
	if id == nil {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return nil, false
	}
	return id, true
}

// uuidParam parses a UUID path parameter or writes a 400
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, name), name)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}

// decode reads and validates a JSON body into dst or writes a 400
func decode(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(r, dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}

// pagination reads limit and offset or writes a 400
func pagination(w http.ResponseWriter, r *http.Request) (page, bool) {
	limit, err := utils.QueryInt(r, "limit", defaultPageSize)
	if err == nil && (limit == 0 || limit > maxPageSize) {
		limit = defaultPageSize
	}
	var offset int
	if err == nil {
		offset, err = utils.QueryInt(r, "offset", 0)
	}
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return page{}, false
	}
	return page{limit: limit, offset: offset}, true
}

// selfOrAdmin reports whether the caller may act on subject's data
func selfOrAdmin(id *auth.Identity, subject string) bool {
	return id.Subject == subject || id.HasAnyRole(auth.RoleAdmin, auth.RoleSystem)
}

// ownMoneyOnly lets a data sovereign see only its own money
func ownMoneyOnly(w http.ResponseWriter, r *http.Request, logger *zap.Logger, caller *auth.Identity, dsID string) bool {
	if selfOrAdmin(caller, dsID) {
		return true
	}
	logger.Warn("cross data sovereign access denied",
		zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
		zap.String("security_event", "cross_ds_access"),
		zap.String("sub", caller.Subject),
		zap.String("ds_id", dsID))
	_ = utils.WriteForbidden(w, "Access to another data sovereign is not allowed")
	return false
}
