package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/config"
	"github.com/omnidesk/omnidesk/internal/inbound"
)

// Providers retry aggressively on anything but 2xx, so oversized bodies are
// the only request we refuse outright.
const maxWebhookBody = 1 << 20

const signatureHeader = "X-Hub-Signature-256"

// EventResolver turns a normalized inbound event into its conversation context.
type EventResolver interface {
	Resolve(ctx context.Context, event *channel.InboundEvent) (*inbound.Result, error)
}

// Router runs the routing pipeline for one resolved message.
type Router interface {
	HandleInbound(ctx context.Context, res *inbound.Result) error
}

// WebhookHandler terminates the provider webhook surface. These routes are
// public; the providers authenticate themselves with the verify token on
// subscription and the HMAC signature on delivery.
type WebhookHandler struct {
	cfg      config.WebhookConfig
	registry *channel.Registry
	resolver EventResolver
	router   Router
	logger   *slog.Logger
}

// NewWebhookHandler creates a WebhookHandler.
func NewWebhookHandler(log *slog.Logger, cfg config.WebhookConfig, registry *channel.Registry, resolver EventResolver, router Router) *WebhookHandler {
	return &WebhookHandler{
		cfg:      cfg,
		registry: registry,
		resolver: resolver,
		router:   router,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

// Register registers the webhook routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/webhooks/:channel", h.Verify)
	e.POST("/webhooks/:channel", h.Receive)
}

// Verify answers the provider's subscription handshake by echoing the
// challenge when the verify token matches.
func (h *WebhookHandler) Verify(c echo.Context) error {
	if _, err := h.registry.ParseChannelType(c.Param("channel")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	if mode != "subscribe" || token == "" || token != h.cfg.VerifyToken {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// Receive accepts one webhook delivery. Parse failures and unroutable events
// are logged and acknowledged anyway: a non-2xx only makes the provider
// redeliver a payload that will fail identically.
func (h *WebhookHandler) Receive(c echo.Context) error {
	channelType, err := h.registry.ParseChannelType(c.Param("channel"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body")
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	if err := h.checkSignature(c.Request().Header.Get(signatureHeader), body); err != nil {
		return err
	}

	ctx := c.Request().Context()
	parser, ok := h.registry.GetParser(channelType)
	if !ok {
		h.logger.Warn("channel has no webhook parser",
			slog.String("channel", string(channelType)))
		return h.ack(c)
	}

	event, err := parser.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("webhook parse failed",
			slog.String("channel", string(channelType)),
			slog.Any("error", err))
		return h.ack(c)
	}
	if event == nil {
		// Delivery receipt, read receipt, echo or status callback.
		return h.ack(c)
	}
	event.ChannelType = channelType

	res, err := h.resolver.Resolve(ctx, event)
	if err != nil {
		h.logger.Error("inbound resolve failed",
			slog.String("channel", string(channelType)),
			slog.Any("error", err))
		return h.ack(c)
	}
	if res == nil {
		// Dropped: unknown account, inactive account, or duplicate delivery.
		return h.ack(c)
	}

	if err := h.router.HandleInbound(ctx, res); err != nil {
		h.logger.Error("routing failed",
			slog.String("conversation_id", res.Conversation.ID.String()),
			slog.Any("error", err))
	}
	return h.ack(c)
}

func (h *WebhookHandler) ack(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// checkSignature validates the HMAC-SHA256 body signature. A present but
// invalid signature is always rejected; a missing one passes unless the
// deployment requires signing.
func (h *WebhookHandler) checkSignature(header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		if h.cfg.RequireSignature {
			return echo.NewHTTPError(http.StatusForbidden, "signature required")
		}
		return nil
	}
	if h.cfg.AppSecret == "" {
		return echo.NewHTTPError(http.StatusForbidden, "signature verification unavailable")
	}
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "malformed signature")
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}
	return nil
}
