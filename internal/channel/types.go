// Package channel provides a unified abstraction for the supported messaging
// channels. It defines the normalized inbound/outbound message model, the
// adapter interfaces, and a registry for adapter lookup by channel type.
package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g. "facebook", "whatsapp").
type ChannelType string

// Supported channel types.
const (
	TypeFacebook  ChannelType = "facebook"
	TypeInstagram ChannelType = "instagram"
	TypeWhatsApp  ChannelType = "whatsapp"
)

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// ContentType classifies the payload of a normalized message.
type ContentType string

const (
	ContentText        ContentType = "text"
	ContentImage       ContentType = "image"
	ContentVideo       ContentType = "video"
	ContentAudio       ContentType = "audio"
	ContentFile        ContentType = "file"
	ContentLocation    ContentType = "location"
	ContentPostback    ContentType = "postback"
	ContentQuickReply  ContentType = "quick_reply"
	ContentInteractive ContentType = "interactive"
)

// Location is a geographic point attached to a message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// InboundEvent is the adapter-normalized representation of one webhook-borne
// message. ReceivingAccountID is the external id of the Page / Instagram
// account / WhatsApp phone number that received the message; tenant resolution
// keys off it, never off anything the sender claims.
type InboundEvent struct {
	ChannelType        ChannelType
	ReceivingAccountID string
	ExternalCustomerID string
	// SenderName is filled when the webhook payload carries the sender's
	// display name (WhatsApp contacts block); empty otherwise.
	SenderName         string
	ProviderMessageID  string
	Content            string
	ContentType        ContentType
	ImageURL           string
	ImageRef           string
	Location           *Location
	Timestamp          time.Time
	Raw                json.RawMessage
}

// FallbackMessageID synthesizes a deterministic provider message id so dedup
// still works for payloads that omit one.
func FallbackMessageID(accountID, customerID string, ts time.Time) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%d", accountID, customerID, ts.UnixMilli()))
	return "synth-" + hex.EncodeToString(sum[:8])
}

// Button is one tappable option in an interactive prompt.
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload,omitempty"`
	URL     string `json:"url,omitempty"`
}

// CarouselCard is one card in a horizontally scrollable carousel.
type CarouselCard struct {
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	Buttons  []Button `json:"buttons,omitempty"`
}

// OutboundContent is the channel-independent payload of one outbound message.
// Exactly one of the optional sections is expected to be populated beyond Text.
type OutboundContent struct {
	ContentType  ContentType    `json:"content_type"`
	Text         string         `json:"text,omitempty"`
	ImageURL     string         `json:"image_url,omitempty"`
	Location     *Location      `json:"location,omitempty"`
	QuickReplies []Button       `json:"quick_replies,omitempty"`
	Buttons      []Button       `json:"buttons,omitempty"`
	Cards        []CarouselCard `json:"cards,omitempty"`
}

// IsEmpty reports whether the content carries nothing sendable.
func (c OutboundContent) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" &&
		strings.TrimSpace(c.ImageURL) == "" &&
		c.Location == nil &&
		len(c.QuickReplies) == 0 &&
		len(c.Buttons) == 0 &&
		len(c.Cards) == 0
}

// Account carries the credentials an adapter needs to call the provider API on
// behalf of one connected channel identity.
type Account struct {
	ID          string
	TenantID    string
	ChannelType ChannelType
	ExternalID  string
	AccessToken string
	DisplayName string
}

// Profile is the provider-reported identity of an external customer.
type Profile struct {
	Name string
}
