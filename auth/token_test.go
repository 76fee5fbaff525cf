package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/consent-ledger/models"
)

const (
	testSecret = "test-secret-with-enough-entropy"
	testIssuer = "consent-ledger"
)

func signClaims(t *testing.T, method jwt.SigningMethod, key interface{}, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func claimsFor(sub, role string, exp time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: role,
	}
}

func TestIssueAndValidate(t *testing.T) {
	token, err := Issue(testSecret, testIssuer, "ds-7", RoleDS, time.Hour)
	require.NoError(t, err)

	id, err := NewValidator(testSecret, testIssuer).ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ds-7", id.Subject)
	assert.Equal(t, RoleDS, id.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestIssue_UnknownRole(t *testing.T) {
	_, err := Issue(testSecret, testIssuer, "x", "root", time.Hour)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestValidateToken_Rejections(t *testing.T) {
	hour := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token func(t *testing.T) string
		want  error
	}{
		{
			name:  "garbage",
			token: func(t *testing.T) string { return "not.a.token" },
			want:  ErrInvalidToken,
		},
		{
			name: "wrong secret",
			token: func(t *testing.T) string {
				return signClaims(t, jwt.SigningMethodHS256, []byte("other"), claimsFor("r-1", RoleRequester, hour))
			},
			want: ErrInvalidToken,
		},
		{
			name: "wrong algorithm",
			token: func(t *testing.T) string {
				return signClaims(t, jwt.SigningMethodHS512, []byte(testSecret), claimsFor("r-1", RoleRequester, hour))
			},
			want: ErrInvalidToken,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("r-1", RoleRequester, time.Now().Add(-time.Hour)))
			},
			want: ErrTokenExpired,
		},
		{
			name: "no expiry",
			token: func(t *testing.T) string {
				c := claimsFor("r-1", RoleRequester, hour)
				c.ExpiresAt = nil
				return signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			want: ErrInvalidToken,
		},
		{
			name: "other issuer",
			token: func(t *testing.T) string {
				c := claimsFor("r-1", RoleRequester, hour)
				c.Issuer = "someone-else"
				return signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), c)
			},
			want: ErrInvalidIssuer,
		},
		{
			name: "missing subject",
			token: func(t *testing.T) string {
				return signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("", RoleRequester, hour))
			},
			want: ErrMissingClaim,
		},
		{
			name: "unknown role",
			token: func(t *testing.T) string {
				return signClaims(t, jwt.SigningMethodHS256, []byte(testSecret), claimsFor("r-1", "superuser", hour))
			},
			want: ErrUnknownRole,
		},
	}

	v := NewValidator(testSecret, testIssuer)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(context.Background(), tt.token(t))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		role  string
		actor models.ActorKind
	}{
		{RoleRequester, models.ActorRequester},
		{RoleDS, models.ActorDS},
		{RoleAdmin, models.ActorSystem},
		{RoleSystem, models.ActorSystem},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			id := &Identity{Subject: "s", Role: tt.role}
			assert.Equal(t, tt.actor, id.ActorKind())
			assert.True(t, id.HasAnyRole(RoleAdmin, tt.role))
		})
	}
	assert.False(t, (&Identity{Role: RoleDS}).HasAnyRole(RoleAdmin, RoleSystem))
}
