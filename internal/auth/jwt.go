// Package auth issues and verifies the HS256 tokens used by the operator API.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject  = "sub"
	claimAgentID  = "agent_id"
	claimTenantID = "tenant_id"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
// The token is read from the Authorization header or, for websocket clients
// that cannot set headers, the token query parameter.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// Identity is the authenticated caller of a management route.
type Identity struct {
	AgentID  uuid.UUID
	TenantID uuid.UUID
}

// IdentityFromContext extracts the agent identity from JWT claims.
func IdentityFromContext(c echo.Context) (Identity, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}

	tenantID, err := uuid.Parse(claimString(claims, claimTenantID))
	if err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "tenant id missing")
	}
	agentRaw := claimString(claims, claimAgentID)
	if agentRaw == "" {
		agentRaw = claimString(claims, claimSubject)
	}
	agentID, err := uuid.Parse(agentRaw)
	if err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "agent id missing")
	}
	return Identity{AgentID: agentID, TenantID: tenantID}, nil
}

// GenerateToken creates a signed JWT scoping an agent to its tenant.
func GenerateToken(agentID, tenantID uuid.UUID, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if agentID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("agent id is required")
	}
	if tenantID == uuid.Nil {
		return "", time.Time{}, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject:  agentID.String(),
		claimAgentID:  agentID.String(),
		claimTenantID: tenantID.String(),
		"iat":         now.Unix(),
		"exp":         expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
