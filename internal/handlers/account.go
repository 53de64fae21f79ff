package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/account"
	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/channel"
)

// ErrorResponse is the uniform error body of the management API.
type ErrorResponse struct {
	Message string `json:"message"`
}

// AccountHandler manages a tenant's connected channel accounts.
type AccountHandler struct {
	store    *account.Store
	registry *channel.Registry
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(log *slog.Logger, store *account.Store, registry *channel.Registry) *AccountHandler {
	return &AccountHandler{
		store:    store,
		registry: registry,
		logger:   log.With(slog.String("handler", "account")),
	}
}

// Register registers the channel account routes.
func (h *AccountHandler) Register(e *echo.Echo) {
	group := e.Group("/accounts")
	group.GET("", h.List)
	group.POST("", h.Connect)
	group.PUT("/:id/credentials", h.UpdateCredentials)
	group.POST("/:id/activate", h.Activate)
	group.POST("/:id/deactivate", h.Deactivate)
}

// ConnectAccountRequest is the payload for connecting a channel account.
type ConnectAccountRequest struct {
	ChannelType string `json:"channel_type"`
	ExternalID  string `json:"external_id"`
	AccessToken string `json:"access_token"`
	DisplayName string `json:"display_name"`
}

// List returns the tenant's channel accounts.
func (h *AccountHandler) List(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	accounts, err := h.store.ListByTenant(c.Request().Context(), identity.TenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, accounts)
}

// Connect registers a new channel account. The account starts inactive;
// Activate flips it on once credentials are confirmed, and the active-identity
// uniqueness check happens there.
func (h *AccountHandler) Connect(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	var req ConnectAccountRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	channelType, err := h.registry.ParseChannelType(req.ChannelType)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.ExternalID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "external id is required")
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "access token is required")
	}

	acc, err := h.store.Create(c.Request().Context(), account.CreateParams{
		TenantID:    identity.TenantID,
		ChannelType: channelType,
		ExternalID:  req.ExternalID,
		AccessToken: req.AccessToken,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, acc)
}

// UpdateCredentialsRequest carries a refreshed provider token.
type UpdateCredentialsRequest struct {
	AccessToken string `json:"access_token"`
	DisplayName string `json:"display_name"`
}

// UpdateCredentials replaces the stored provider token, the recovery path for
// invalid_token send failures.
func (h *AccountHandler) UpdateCredentials(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}
	var req UpdateCredentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.AccessToken) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "access token is required")
	}

	acc, err := h.store.UpdateCredentials(c.Request().Context(), identity.TenantID, id, req.AccessToken, req.DisplayName)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, acc)
}

// Activate enables webhook routing for the account. A conflicting active
// identity on another tenant yields 409.
func (h *AccountHandler) Activate(c echo.Context) error {
	return h.setActive(c, true)
}

// Deactivate disables the account without deleting its history.
func (h *AccountHandler) Deactivate(c echo.Context) error {
	return h.setActive(c, false)
}

func (h *AccountHandler) setActive(c echo.Context, active bool) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}

	acc, err := h.store.SetActive(c.Request().Context(), identity.TenantID, id, active)
	if err != nil {
		switch {
		case errors.Is(err, account.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		case errors.Is(err, account.ErrIdentityInUse):
			return echo.NewHTTPError(http.StatusConflict, "channel identity already active on another tenant")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, acc)
}
