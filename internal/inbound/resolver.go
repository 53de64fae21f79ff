// Package inbound turns normalized webhook events into persisted
// conversation state.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/omnidesk/omnidesk/internal/account"
	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/conversation"
	"github.com/omnidesk/omnidesk/internal/customer"
	"github.com/omnidesk/omnidesk/internal/message"
	"github.com/omnidesk/omnidesk/internal/realtime"
)

// AccountSource resolves the receiving channel account.
type AccountSource interface {
	FindActiveByIdentity(ctx context.Context, channelType channel.ChannelType, externalID string) (*account.ChannelAccount, error)
}

// CustomerStore is the customer access the resolver needs.
type CustomerStore interface {
	FindOrCreate(ctx context.Context, tenantID, channelAccountID uuid.UUID, externalID, name string) (*customer.Customer, error)
	SetNameIfEmpty(ctx context.Context, id uuid.UUID, name string) error
}

// ConversationStore is the conversation access the resolver needs.
type ConversationStore interface {
	FindOrCreate(ctx context.Context, tenantID, customerID, channelAccountID uuid.UUID) (*conversation.Conversation, error)
	TouchLastMessage(ctx context.Context, id uuid.UUID, at time.Time) error
}

// MessageAppender appends inbound messages with dedup.
type MessageAppender interface {
	Append(ctx context.Context, params message.AppendParams) (*message.Message, error)
}

// Notifier publishes realtime events.
type Notifier interface {
	Publish(event realtime.Event)
}

// Result is a fully resolved inbound message, ready for routing.
type Result struct {
	Account      *account.ChannelAccount
	Customer     *customer.Customer
	Conversation *conversation.Conversation
	Message      *message.Message
	// FirstMessage is true when this is the first message ever persisted
	// on the conversation.
	FirstMessage bool
}

// Resolver executes the five inbound steps: account, customer,
// conversation, dedup, persist.
type Resolver struct {
	accounts      AccountSource
	customers     CustomerStore
	conversations ConversationStore
	messages      MessageAppender
	registry      *channel.Registry
	notifier      Notifier
	locks         *conversation.KeyedLock
	logger        *slog.Logger
}

// NewResolver creates an inbound resolver.
func NewResolver(
	accounts AccountSource,
	customers CustomerStore,
	conversations ConversationStore,
	messages MessageAppender,
	registry *channel.Registry,
	notifier Notifier,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		accounts:      accounts,
		customers:     customers,
		conversations: conversations,
		messages:      messages,
		registry:      registry,
		notifier:      notifier,
		locks:         conversation.NewKeyedLock(),
		logger:        logger,
	}
}

// Resolve persists one inbound event. Returns (nil, nil) when the event is
// dropped: unknown or inactive account, or a webhook retry of an already
// persisted message. Dropping is silent by design; a non-2xx answer would
// make the provider retry-storm, and detail about unknown accounts must not
// leak outward.
func (r *Resolver) Resolve(ctx context.Context, event *channel.InboundEvent) (*Result, error) {
	acc, err := r.accounts.FindActiveByIdentity(ctx, event.ChannelType, event.ReceivingAccountID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel account: %w", err)
	}
	if acc == nil {
		if r.logger != nil {
			r.logger.Warn("dropping event for unknown channel account",
				slog.String("channel_type", string(event.ChannelType)),
				slog.String("receiving_account_id", event.ReceivingAccountID))
		}
		return nil, nil
	}

	cust, err := r.customers.FindOrCreate(ctx, acc.TenantID, acc.ID, event.ExternalCustomerID, event.SenderName)
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}
	if cust.Name == "" {
		r.enrichCustomer(ctx, acc, cust, event)
	}

	conv, err := r.conversations.FindOrCreate(ctx, acc.TenantID, cust.ID, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	// Per-conversation serialization: concurrent deliveries for the same
	// thread persist in receipt order.
	unlock := r.locks.Lock(conv.ID)
	defer unlock()

	providerMessageID := event.ProviderMessageID
	if strings.TrimSpace(providerMessageID) == "" {
		providerMessageID = channel.FallbackMessageID(event.ReceivingAccountID, event.ExternalCustomerID, event.Timestamp)
	}
	firstMessage := conv.LastMessageAt == nil

	msg, err := r.messages.Append(ctx, message.AppendParams{
		TenantID:          acc.TenantID,
		ConversationID:    conv.ID,
		SenderType:        message.SenderCustomer,
		Content:           event.Content,
		ContentType:       string(event.ContentType),
		ImageURL:          event.ImageURL,
		ImageRef:          event.ImageRef,
		ProviderMessageID: providerMessageID,
		RawPayload:        event.Raw,
	})
	if err != nil {
		if errors.Is(err, message.ErrDuplicate) {
			if r.logger != nil {
				r.logger.Debug("dropping duplicate webhook delivery",
					slog.String("conversation_id", conv.ID.String()),
					slog.String("provider_message_id", providerMessageID))
			}
			return nil, nil
		}
		return nil, fmt.Errorf("persist inbound message: %w", err)
	}

	if err := r.conversations.TouchLastMessage(ctx, conv.ID, msg.CreatedAt); err != nil {
		// The message is durable; a stale activity timestamp is
		// recoverable.
		if r.logger != nil {
			r.logger.Error("update conversation activity", slog.Any("error", err))
		}
	}

	if r.notifier != nil {
		r.notifier.Publish(realtime.Event{
			Type:           realtime.EventNewMessage,
			TenantID:       acc.TenantID,
			ConversationID: conv.ID,
			Payload:        msg,
		})
	}

	return &Result{
		Account:      acc,
		Customer:     cust,
		Conversation: conv,
		Message:      msg,
		FirstMessage: firstMessage,
	}, nil
}

// enrichCustomer fills the display name best effort: webhook-borne name
// first, then the channel's profile API, finally the external id so the
// record is never blank.
func (r *Resolver) enrichCustomer(ctx context.Context, acc *account.ChannelAccount, cust *customer.Customer, event *channel.InboundEvent) {
	name := strings.TrimSpace(event.SenderName)
	if name == "" {
		if fetcher, ok := r.registry.GetProfileFetcher(acc.ChannelType); ok {
			profile, err := fetcher.FetchProfile(ctx, acc.AdapterAccount(), event.ExternalCustomerID)
			if err != nil {
				if r.logger != nil {
					r.logger.Debug("profile enrichment failed",
						slog.String("channel_type", string(acc.ChannelType)),
						slog.Any("error", err))
				}
			} else {
				name = strings.TrimSpace(profile.Name)
			}
		}
	}
	if name == "" {
		name = event.ExternalCustomerID
	}
	if err := r.customers.SetNameIfEmpty(ctx, cust.ID, name); err != nil {
		if r.logger != nil {
			r.logger.Debug("customer name enrichment failed", slog.Any("error", err))
		}
		return
	}
	cust.Name = name
}
