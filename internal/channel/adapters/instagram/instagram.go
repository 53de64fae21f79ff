// Package instagram implements the Instagram Direct channel adapter.
// Instagram messaging rides on the Messenger Platform, so parsing and
// sending share the Graph transport with the Facebook adapter.
package instagram

import (
	"context"

	"github.com/omnidesk/omnidesk/internal/channel"
	"github.com/omnidesk/omnidesk/internal/channel/adapters/meta"
)

// Adapter handles Instagram Direct webhooks and the Graph Send API.
type Adapter struct {
	client *meta.Client
}

// New creates an Instagram adapter.
func New() *Adapter {
	return &Adapter{client: meta.NewClient(channel.TypeInstagram)}
}

// NewWithClient creates an adapter with a pre-built Graph client.
func NewWithClient(client *meta.Client) *Adapter {
	return &Adapter{client: client}
}

// Type returns the channel type.
func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeInstagram
}

// DisplayName returns the human-readable channel name.
func (a *Adapter) DisplayName() string {
	return "Instagram Direct"
}

// ParseWebhook extracts the inbound event from an Instagram webhook payload.
func (a *Adapter) ParseWebhook(raw []byte) (*channel.InboundEvent, error) {
	return meta.ParseMessagingWebhook(channel.TypeInstagram, raw)
}

// Send delivers a message to an Instagram user.
func (a *Adapter) Send(ctx context.Context, account channel.Account, recipientID string, content channel.OutboundContent) (string, error) {
	return a.client.SendMessage(ctx, account, recipientID, content)
}

// FetchProfile looks up the user's name or username via the Graph API.
func (a *Adapter) FetchProfile(ctx context.Context, account channel.Account, externalID string) (channel.Profile, error) {
	return a.client.FetchProfile(ctx, account, externalID)
}
