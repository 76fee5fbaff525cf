package handlers

import (
	"net/http"

	"github.com/upb/consent-ledger/services"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	status := http.StatusInternalServerError
	message := err.Error()

	switch {
	case services.IsNotFoundError(err):
		status = http.StatusNotFound
	case services.IsValidationError(err):
		status = http.StatusBadRequest
	case services.IsUnauthorizedError(err):
		status = http.StatusUnauthorized
	case services.IsForbiddenError(err):
		status = http.StatusForbidden
	case services.IsConflictError(err):
		status = http.StatusConflict
	case services.IsInsufficientFundsError(err), services.IsFraudRejectedError(err):
		status = http.StatusUnprocessableEntity
	case services.IsExternalError(err):
		status = http.StatusBadGateway
	case services.IsIntegrityViolationError(err):
		logger.Error("integrity violation",
			zap.String("security_event", "integrity_violation"),
			zap.Error(err))
	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		message = "An internal error occurred"
		details = nil
	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		message = "An unexpected error occurred"
		details = nil
	}

	logger.Debug("handled service error",
		zap.Int("status", status),
		zap.String("type", string(services.GetErrorType(err))),
		zap.Any("details", details))

	if writeErr := utils.WriteError(w, status, message, details); writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError writes a 400 for request decoding and struct validation failures
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var details map[string]interface{}
	message := err.Error()

	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details = make(map[string]interface{}, len(fields))
		for k, v := range fields {
			details[k] = v
		}
		message = "Validation failed"
	}

	if writeErr := utils.WriteBadRequest(w, message, details); writeErr != nil {
		logger.Error("failed to write validation error response", zap.Error(writeErr))
	}
}
