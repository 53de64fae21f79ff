package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/omnidesk/omnidesk/internal/account"
	"github.com/omnidesk/omnidesk/internal/auth"
	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/customer"
	"github.com/omnidesk/omnidesk/internal/message"
	"github.com/omnidesk/omnidesk/internal/realtime"
	"github.com/omnidesk/omnidesk/internal/routing"
)

// ConversationHandler serves the agent inbox: listing, assignment, status,
// history, and agent replies.
type ConversationHandler struct {
	conversations *conversation.Store
	messages      *message.Store
	accounts      *account.Store
	customers     *customer.Store
	sender        routing.Sender
	hub           *realtime.Hub
	logger        *slog.Logger
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(log *slog.Logger, conversations *conversation.Store, messages *message.Store, accounts *account.Store, customers *customer.Store, sender routing.Sender, hub *realtime.Hub) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		accounts:      accounts,
		customers:     customers,
		sender:        sender,
		hub:           hub,
		logger:        log.With(slog.String("handler", "conversation")),
	}
}

// Register registers the conversation routes.
func (h *ConversationHandler) Register(e *echo.Echo) {
	group := e.Group("/conversations")
	group.GET("", h.List)
	group.GET("/:id/messages", h.ListMessages)
	group.POST("/:id/assign", h.Assign)
	group.POST("/:id/status", h.SetStatus)
	group.POST("/:id/reply", h.Reply)
}

// List returns the tenant's conversations, most recently active first. The
// status query parameter filters when present.
func (h *ConversationHandler) List(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	status := conversation.Status(strings.TrimSpace(c.QueryParam("status")))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	items, err := h.conversations.ListByTenant(c.Request().Context(), identity.TenantID, status, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// ListMessages pages a conversation's history, newest first.
func (h *ConversationHandler) ListMessages(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	items, err := h.messages.ListByConversation(c.Request().Context(), identity.TenantID, id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

// AssignRequest names the agent to hand the conversation to. An empty agent
// id assigns the caller; "none" releases the assignment.
type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

// Assign hands a conversation to an agent.
func (h *ConversationHandler) Assign(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.loadConversation(c, identity.TenantID)
	if err != nil {
		return err
	}
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var agentID *uuid.UUID
	switch strings.TrimSpace(req.AgentID) {
	case "":
		agentID = &identity.AgentID
	case "none":
		agentID = nil
	default:
		parsed, err := uuid.Parse(req.AgentID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid agent id")
		}
		agentID = &parsed
	}

	if err := h.conversations.Assign(c.Request().Context(), conv.ID, agentID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.publishUpdate(conv)
	return c.NoContent(http.StatusNoContent)
}

// StatusRequest carries the target conversation status.
type StatusRequest struct {
	Status string `json:"status"`
}

// SetStatus moves a conversation between open, in_progress and resolved.
func (h *ConversationHandler) SetStatus(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.loadConversation(c, identity.TenantID)
	if err != nil {
		return err
	}
	var req StatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status := conversation.Status(strings.TrimSpace(req.Status))
	switch status {
	case conversation.StatusOpen, conversation.StatusInProgress, conversation.StatusResolved:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}

	if err := h.conversations.SetStatus(c.Request().Context(), identity.TenantID, conv.ID, status); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.publishUpdate(conv)
	return c.NoContent(http.StatusNoContent)
}

// ReplyRequest is an agent's outbound text message.
type ReplyRequest struct {
	Text string `json:"text"`
}

// Reply sends an agent message into the conversation's channel. The message
// row is written first; a failed provider send lands on it as an error code
// the agent can see.
func (h *ConversationHandler) Reply(c echo.Context) error {
	identity, err := auth.IdentityFromContext(c)
	if err != nil {
		return err
	}
	conv, err := h.loadConversation(c, identity.TenantID)
	if err != nil {
		return err
	}
	var req ReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	ctx := c.Request().Context()
	acc, err := h.accounts.GetByID(ctx, identity.TenantID, conv.ChannelAccountID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	cust, err := h.customers.GetByID(ctx, identity.TenantID, conv.CustomerID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	msg, err := h.messages.Append(ctx, message.AppendParams{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		SenderType:     message.SenderAgent,
		Content:        req.Text,
		ContentType:    string(channel.ContentText),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	content := channel.OutboundContent{ContentType: channel.ContentText, Text: req.Text}
	providerID, sendErr := h.sender.Send(ctx, acc.AdapterAccount(), cust.ExternalID, content)
	errorCode := ""
	if sendErr != nil {
		errorCode = string(channel.SendErrorCodeOf(sendErr))
	}
	if err := h.messages.RecordSendResult(ctx, msg.ID, providerID, errorCode); err != nil {
		h.logger.Error("record send result",
			slog.String("message_id", msg.ID.String()),
			slog.Any("error", err))
	}
	if h.hub != nil {
		h.hub.Publish(realtime.Event{
			Type:           realtime.EventNewMessage,
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Payload:        msg,
		})
	}

	if sendErr != nil {
		var se *channel.SendError
		if errors.As(sendErr, &se) && se.UserActionable() {
			return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Message: se.Error()})
		}
		return c.JSON(http.StatusBadGateway, ErrorResponse{Message: sendErr.Error()})
	}
	return c.JSON(http.StatusCreated, msg)
}

func (h *ConversationHandler) loadConversation(c echo.Context, tenantID uuid.UUID) (*conversation.Conversation, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid conversation id")
	}
	conv, err := h.conversations.GetByID(c.Request().Context(), tenantID, id)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return conv, nil
}

func (h *ConversationHandler) publishUpdate(conv *conversation.Conversation) {
	if h.hub == nil {
		return
	}
	h.hub.Publish(realtime.Event{
		Type:           realtime.EventConversationUpdated,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
	})
}
