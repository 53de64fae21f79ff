package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndExtractIdentity(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	secret := "test-secret"
	agentID := uuid.New()
	tenantID := uuid.New()

	signed, expiresAt, err := GenerateToken(agentID, tenantID, secret, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	token, err := jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)
	c.Set("user", token)

	identity, err := IdentityFromContext(c)
	require.NoError(t, err)
	assert.Equal(t, agentID, identity.AgentID)
	assert.Equal(t, tenantID, identity.TenantID)
}

func TestGenerateTokenValidation(t *testing.T) {
	agentID := uuid.New()
	tenantID := uuid.New()

	_, _, err := GenerateToken(uuid.Nil, tenantID, "secret", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken(agentID, uuid.Nil, "secret", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken(agentID, tenantID, "  ", time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken(agentID, tenantID, "secret", 0)
	assert.Error(t, err)
}

func TestIdentityFromContextMissingUser(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_, err := IdentityFromContext(c)
	require.Error(t, err)

	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
}

func TestIdentityFromContextRejectsForeignClaims(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	// A valid token without tenant scoping must not pass.
	claims := jwt.MapClaims{
		claimSubject: "not-a-uuid",
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Valid = true
	c.Set("user", token)

	_, err := IdentityFromContext(c)
	assert.Error(t, err)
}
