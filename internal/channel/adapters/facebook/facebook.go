// Package facebook implements the Facebook Messenger channel adapter.
package facebook

import (
	"context"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/meta"
)

// Adapter handles Messenger webhooks and the Graph Send API.
type Adapter struct {
	client *meta.Client
}

// New creates a Messenger adapter.
func New() *Adapter {
	return &Adapter{client: meta.NewClient(channel.TypeFacebook)}
}

// NewWithClient creates an adapter with a pre-built Graph client. Used by
// tests to stub the API endpoint.
func NewWithClient(client *meta.Client) *Adapter {
	return &Adapter{client: client}
}

// Type returns the channel type.
func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeFacebook
}

// DisplayName returns the human-readable channel name.
func (a *Adapter) DisplayName() string {
	return "Facebook Messenger"
}

// ParseWebhook extracts the inbound event from a Messenger webhook payload.
// Echo, delivery and read callbacks yield (nil, nil).
func (a *Adapter) ParseWebhook(raw []byte) (*channel.InboundEvent, error) {
	return meta.ParseMessagingWebhook(channel.TypeFacebook, raw)
}

// Send delivers a message to a Messenger user.
func (a *Adapter) Send(ctx context.Context, account channel.Account, recipientID string, content channel.OutboundContent) (string, error) {
	return a.client.SendMessage(ctx, account, recipientID, content)
}

// FetchProfile looks up the user's display name via the Graph API.
func (a *Adapter) FetchProfile(ctx context.Context, account channel.Account, externalID string) (channel.Profile, error) {
	return a.client.FetchProfile(ctx, account, externalID)
}
