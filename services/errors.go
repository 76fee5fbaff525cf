package services

import (
	"errors"
	"fmt"
)

// ErrorType classifies a DomainError. handlers.HandleServiceError maps each
// type to one HTTP status.
type ErrorType string

const (
	ErrorTypeNotFound           ErrorType = "not_found"
	ErrorTypeValidation         ErrorType = "validation"
	ErrorTypeUnauthorized       ErrorType = "unauthorized"
	ErrorTypeForbidden          ErrorType = "forbidden"
	ErrorTypeConflict           ErrorType = "conflict"
	ErrorTypeInsufficientFunds  ErrorType = "insufficient_funds"
	ErrorTypeFraudRejected      ErrorType = "fraud_rejected"
	ErrorTypeIntegrityViolation ErrorType = "integrity_violation"
	ErrorTypeInternal           ErrorType = "internal"
	ErrorTypeExternal           ErrorType = "external"
)

// DomainError is the error every service returns to its callers. Details
// end up in the "details" member of the HTTP error body.
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{Type: errType, Message: message, Err: err, Details: map[string]interface{}{}}
}

func (e *DomainError) Error() string {
	if e.Err == nil {
		return string(e.Type) + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// Is matches on type, and on message too when the target has one, so a
// derived error still matches the sentinel it came from.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok || e.Type != t.Type {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// WithDetail sets one detail and returns e for chaining. Call it on a
// Derive result, never on a sentinel.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// Derive copies a sentinel into a new error carrying cause
func Derive(sentinel *DomainError, cause error) *DomainError {
	return NewDomainError(sentinel.Type, sentinel.Message, cause)
}

// WrapInternal marks err as an unexpected failure; the message is what clients see
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal marks err as a failure of a rail, anchor sink or broker.
// Workers retry these.
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}

// Sentinel errors. They are compared with errors.Is and must never be
// decorated in place; build a fresh error with NewDomainError instead.
var (
	ErrReceiptNotFound  = NewDomainError(ErrorTypeNotFound, "receipt not found", nil)
	ErrEscrowNotFound   = NewDomainError(ErrorTypeNotFound, "escrow not found", nil)
	ErrPayoutNotFound   = NewDomainError(ErrorTypeNotFound, "payout not found", nil)
	ErrContractNotFound = NewDomainError(ErrorTypeNotFound, "consent contract not found", nil)
	ErrBalanceNotFound  = NewDomainError(ErrorTypeNotFound, "balance not found", nil)
	ErrBatchNotFound    = NewDomainError(ErrorTypeNotFound, "merkle batch not found", nil)

	ErrInvalidAmount         = NewDomainError(ErrorTypeValidation, "amount must be positive", nil)
	ErrMissingField          = NewDomainError(ErrorTypeValidation, "missing required field", nil)
	ErrInvalidStateChange    = NewDomainError(ErrorTypeValidation, "operation not allowed in current state", nil)
	ErrCurrencyMismatch      = NewDomainError(ErrorTypeValidation, "currency mismatch", nil)
	ErrBelowMinimumPayout    = NewDomainError(ErrorTypeValidation, "amount below minimum payout", nil)
	ErrContractNotActive     = NewDomainError(ErrorTypeValidation, "consent contract is not active", nil)
	ErrUnknownPayoutMethod   = NewDomainError(ErrorTypeValidation, "unknown payout method", nil)
	ErrMissingIdempotencyKey = NewDomainError(ErrorTypeValidation, "idempotency key is required", nil)
	ErrUnknownReceiptKind    = NewDomainError(ErrorTypeValidation, "unknown receipt kind", nil)
	ErrInvalidTimeRange      = NewDomainError(ErrorTypeValidation, "time range ends before it starts", nil)

	ErrUnauthorized      = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrNotRequester      = NewDomainError(ErrorTypeUnauthorized, "actor is not the escrow requester", nil)
	ErrNotDataSovereign  = NewDomainError(ErrorTypeUnauthorized, "actor is not the data sovereign", nil)
	ErrForbidden         = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrEscrowExists      = NewDomainError(ErrorTypeConflict, "escrow already exists for request", nil)
	ErrIdempotencyReused = NewDomainError(ErrorTypeConflict, "idempotency key reused with different parameters", nil)
	ErrResourceBusy      = NewDomainError(ErrorTypeConflict, "resource is locked by another operation, retry", nil)

	ErrInsufficientFunds  = NewDomainError(ErrorTypeInsufficientFunds, "insufficient funds", nil)
	ErrInsufficientLocked = NewDomainError(ErrorTypeInsufficientFunds, "insufficient locked balance", nil)

	ErrVelocityExceeded = NewDomainError(ErrorTypeFraudRejected, "payout velocity threshold reached", nil)
	ErrDailyCapExceeded = NewDomainError(ErrorTypeFraudRejected, "payout daily cap exceeded", nil)

	ErrHashMismatch     = NewDomainError(ErrorTypeIntegrityViolation, "receipt hash mismatch", nil)
	ErrBrokenChain      = NewDomainError(ErrorTypeIntegrityViolation, "receipt chain broken", nil)
	ErrProofInvalid     = NewDomainError(ErrorTypeIntegrityViolation, "merkle proof does not match root", nil)
	ErrJournalImbalance = NewDomainError(ErrorTypeIntegrityViolation, "journal does not net to zero", nil)
	ErrEscrowMismatch   = NewDomainError(ErrorTypeIntegrityViolation, "escrow counters disagree with journal", nil)

	ErrInternal     = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrRailFailed   = NewDomainError(ErrorTypeExternal, "payment rail transfer failed", nil)
	ErrAnchorFailed = NewDomainError(ErrorTypeExternal, "anchor sink unavailable", nil)
)

// asDomain returns the outermost DomainError in err's chain
func asDomain(err error) (*DomainError, bool) {
	var de *DomainError
	ok := errors.As(err, &de)
	return de, ok
}

// GetErrorType returns "" when err carries no DomainError
func GetErrorType(err error) ErrorType {
	if de, ok := asDomain(err); ok {
		return de.Type
	}
	return ""
}

func GetErrorDetails(err error) map[string]interface{} {
	if de, ok := asDomain(err); ok {
		return de.Details
	}
	return nil
}

func IsNotFoundError(err error) bool          { return GetErrorType(err) == ErrorTypeNotFound }
func IsValidationError(err error) bool        { return GetErrorType(err) == ErrorTypeValidation }
func IsUnauthorizedError(err error) bool      { return GetErrorType(err) == ErrorTypeUnauthorized }
func IsForbiddenError(err error) bool         { return GetErrorType(err) == ErrorTypeForbidden }
func IsConflictError(err error) bool          { return GetErrorType(err) == ErrorTypeConflict }
func IsInsufficientFundsError(err error) bool { return GetErrorType(err) == ErrorTypeInsufficientFunds }
func IsFraudRejectedError(err error) bool     { return GetErrorType(err) == ErrorTypeFraudRejected }
func IsInternalError(err error) bool          { return GetErrorType(err) == ErrorTypeInternal }
func IsExternalError(err error) bool          { return GetErrorType(err) == ErrorTypeExternal }

// IsIntegrityViolationError reports tampering or a broken ledger invariant
func IsIntegrityViolationError(err error) bool {
	return GetErrorType(err) == ErrorTypeIntegrityViolation
}
