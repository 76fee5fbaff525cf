package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/consent-ledger/auth"
	"github.com/upb/consent-ledger/utils"
	"go.uber.org/zap"
)

// TokenValidator turns a bearer token into the caller it was issued to
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Identity, error)
}

// AuthMiddleware guards the API: RequireAuth establishes who the caller
// is, RequireRole decides which ledger, escrow and payout routes they reach.
type AuthMiddleware struct {
	validator TokenValidator
	logger    *zap.Logger
}

func NewAuthMiddleware(validator TokenValidator, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{validator: validator, logger: logger}
}

// RequireAuth answers 401 unless the request carries a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			m.securityEvent(r, "missing_token", nil)
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		id, err := m.validator.ValidateToken(r.Context(), raw)
		if err != nil {
			m.securityEvent(r, "invalid_token", nil, zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}

		m.logger.Debug("caller authenticated",
			zap.String("request_id", GetRequestIDFromContext(r.Context())),
			zap.String("sub", id.Subject),
			zap.String("role", id.Role))
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireRole admits callers holding one of roles; mount it below RequireAuth
func (m *AuthMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := IdentityFromContext(r.Context())
			switch {
			case id == nil:
				m.securityEvent(r, "no_identity", nil)
				_ = utils.WriteUnauthorized(w, "Authentication required")
			case !id.HasAnyRole(roles...):
				m.securityEvent(r, "role_denied", id, zap.Strings("required_roles", roles))
				_ = utils.WriteForbidden(w, "Insufficient permissions")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (m *AuthMiddleware) securityEvent(r *http.Request, event string, id *auth.Identity, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.String("security_event", event),
		zap.String("request_id", GetRequestIDFromContext(r.Context())),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	}, extra...)
	if id != nil {
		fields = append(fields, zap.String("sub", id.Subject), zap.String("role", id.Role))
	}
	m.logger.Warn("request denied", fields...)
}

type rejectAll struct{}

func (rejectAll) ValidateToken(context.Context, string) (*auth.Identity, error) {
	return nil, auth.ErrInvalidToken
}

// RejectAll is the validator used when no JWT secret is configured
func RejectAll() TokenValidator {
	return rejectAll{}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
