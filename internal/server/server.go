// Package server assembles the echo instance: middleware, auth skipping for
// the public surface, and handler registration.
package server

import (
	"context"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/handlers"
)

// Server wraps the echo instance and its listen address.
type Server struct {
	echo *echo.Echo
	addr string
}

// Handlers collects everything that registers routes.
type Handlers struct {
	Ping         *handlers.PingHandler
	Webhook      *handlers.WebhookHandler
	Account      *handlers.AccountHandler
	Flow         *handlers.FlowHandler
	Conversation *handlers.ConversationHandler
	WS           *handlers.WSHandler
}

// NewServer builds the echo server. Webhook and health routes are public;
// everything else sits behind the JWT middleware.
func NewServer(addr string, jwtSecret string, h Handlers) *Server {
	if addr == "" {
		addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLogger())
	e.Use(auth.JWTMiddleware(jwtSecret, func(c echo.Context) bool {
		return shouldSkipJWT(c.Request().URL.Path)
	}))

	if h.Ping != nil {
		h.Ping.Register(e)
	}
	if h.Webhook != nil {
		h.Webhook.Register(e)
	}
	if h.Account != nil {
		h.Account.Register(e)
	}
	if h.Flow != nil {
		h.Flow.Register(e)
	}
	if h.Conversation != nil {
		h.Conversation.Register(e)
	}
	if h.WS != nil {
		h.WS.Register(e)
	}

	return &Server{
		echo: e,
		addr: addr,
	}
}

// shouldSkipJWT marks the public surface. Provider webhooks authenticate
// with the verify token and HMAC signature, not JWT.
func shouldSkipJWT(path string) bool {
	if path == "/ping" || path == "/health" {
		return true
	}
	return strings.HasPrefix(path, "/webhooks/")
}

// Start begins serving and blocks until shutdown.
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
