package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/flow"
)

// FlowHandler manages a tenant's chatbot flow definitions.
type FlowHandler struct {
	store  *flow.Store
	logger *slog.Logger
}

// NewFlowHandler creates a FlowHandler.
func NewFlowHandler(log *slog.Logger, store *flow.Store) *FlowHandler {
	return &FlowHandler{
		store:  store,
		logger: log.With(slog.String("handler", "flow")),
	}
}

// Register registers the flow routes.
func (h *FlowHandler) Register(e *echo.Echo) {
	group := e.Group("/flows")
	group.GET("", h.List)
	group.POST("", h.Create)
	group.POST("/:id/activate", h.Activate)
	group.POST("/:id/deactivate", h.Deactivate)
}

// CreateFlowRequest is the payload for a new flow definition. Nodes arrive in
// their stored JSON shape and decode through the tagged-union unmarshaller, so
// unknown node types are accepted here and skipped at execution time.
type CreateFlowRequest struct {
	Name            string      `json:"name"`
	TriggerKeywords []string    `json:"trigger_keywords"`
	EntryNodeID     string      `json:"entry_node_id"`
	Nodes           []flow.Node `json:"nodes"`
}

// List returns the tenant's flows, newest first.
func (h *FlowHandler) List(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	flows, err := h.store.ListByTenant(c.Request().Context(), identity.TenantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, flows)
}

// Create stores a new flow. It starts inactive so a half-built flow never
// answers customers.
func (h *FlowHandler) Create(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	var req CreateFlowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	def, err := h.store.Create(c.Request().Context(), flow.CreateParams{
		TenantID:        identity.TenantID,
		Name:            req.Name,
		TriggerKeywords: req.TriggerKeywords,
		EntryNodeID:     req.EntryNodeID,
		Nodes:           req.Nodes,
	})
	if err != nil {
		if errors.Is(err, flow.ErrInvalidDefinition) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, def)
}

// Activate turns a flow on for trigger matching.
func (h *FlowHandler) Activate(c echo.Context) error {
	return h.setActive(c, true)
}

// Deactivate stops new conversations from entering the flow. Conversations
// already paused inside it still resume.
func (h *FlowHandler) Deactivate(c echo.Context) error {
	return h.setActive(c, false)
}

func (h *FlowHandler) setActive(c echo.Context, active bool) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid flow id")
	}
	if err := h.store.SetActive(c.Request().Context(), identity.TenantID, id, active); err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "flow not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
