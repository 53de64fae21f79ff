// Package whatsapp implements the WhatsApp Business Cloud API channel adapter.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// DefaultAPIVersion is the Cloud API version used for all calls.
const DefaultAPIVersion = "v19.0"

const requestTimeout = 10 * time.Second

// Adapter handles WhatsApp Cloud API webhooks and message sends.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	apiVersion string
}

// New creates a WhatsApp adapter.
func New() *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    "https://graph.facebook.com",
		apiVersion: DefaultAPIVersion,
	}
}

// NewWithBaseURL creates an adapter pointed at an alternate endpoint.
// Used by tests to stub the Cloud API.
func NewWithBaseURL(baseURL string) *Adapter {
	a := New()
	a.baseURL = strings.TrimRight(baseURL, "/")
	return a
}

// Type returns the channel type.
func (a *Adapter) Type() channel.ChannelType {
	return channel.TypeWhatsApp
}

// DisplayName returns the human-readable channel name.
func (a *Adapter) DisplayName() string {
	return "WhatsApp Business"
}

type webhookEnvelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"`
	Value changeValue `json:"value"`
}

type changeValue struct {
	Metadata metadata          `json:"metadata"`
	Contacts []contact         `json:"contacts"`
	Messages []incomingMessage `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type metadata struct {
	PhoneNumberID string `json:"phone_number_id"`
}

type contact struct {
	WaID    string         `json:"wa_id"`
	Profile contactProfile `json:"profile"`
}

type contactProfile struct {
	Name string `json:"name"`
}

type incomingMessage struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *textBody    `json:"text"`
	Image       *mediaBody   `json:"image"`
	Video       *mediaBody   `json:"video"`
	Audio       *mediaBody   `json:"audio"`
	Document    *mediaBody   `json:"document"`
	Location    *location    `json:"location"`
	Interactive *interactive `json:"interactive"`
	Button      *buttonBody  `json:"button"`
}

type textBody struct {
	Body string `json:"body"`
}

type mediaBody struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Address   string  `json:"address"`
}

type interactive struct {
	Type        string       `json:"type"`
	ButtonReply *replyChoice `json:"button_reply"`
	ListReply   *replyChoice `json:"list_reply"`
}

type replyChoice struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type buttonBody struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// ParseWebhook extracts the inbound event from a Cloud API webhook payload.
// Status callbacks (sent, delivered, read) yield (nil, nil).
func (a *Adapter) ParseWebhook(raw []byte) (*channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if len(envelope.Entry) == 0 || len(envelope.Entry[0].Changes) == 0 {
		return nil, nil
	}
	value := envelope.Entry[0].Changes[0].Value
	if len(value.Messages) == 0 {
		// Statuses-only callback.
		return nil, nil
	}
	msg := value.Messages[0]

	event := &channel.InboundEvent{
		ChannelType:        channel.TypeWhatsApp,
		ReceivingAccountID: strings.TrimSpace(value.Metadata.PhoneNumberID),
		ExternalCustomerID: strings.TrimSpace(msg.From),
		ProviderMessageID:  msg.ID,
		Timestamp:          parseTimestamp(msg.Timestamp),
		Raw:                json.RawMessage(raw),
	}
	if len(value.Contacts) > 0 {
		event.SenderName = strings.TrimSpace(value.Contacts[0].Profile.Name)
	}

	switch msg.Type {
	case "text":
		event.ContentType = channel.ContentText
		if msg.Text != nil {
			event.Content = msg.Text.Body
		}
	case "image":
		event.ContentType = channel.ContentImage
		if msg.Image != nil {
			event.Content = msg.Image.Caption
			event.ImageRef = msg.Image.ID
		}
	case "video":
		event.ContentType = channel.ContentVideo
		if msg.Video != nil {
			event.Content = msg.Video.Caption
			event.ImageRef = msg.Video.ID
		}
	case "audio":
		event.ContentType = channel.ContentAudio
		if msg.Audio != nil {
			event.ImageRef = msg.Audio.ID
		}
	case "document":
		event.ContentType = channel.ContentFile
		if msg.Document != nil {
			event.Content = msg.Document.Caption
			event.ImageRef = msg.Document.ID
		}
	case "location":
		event.ContentType = channel.ContentLocation
		if msg.Location != nil {
			event.Location = &channel.Location{
				Latitude:  msg.Location.Latitude,
				Longitude: msg.Location.Longitude,
				Name:      msg.Location.Name,
				Address:   msg.Location.Address,
			}
		}
	case "interactive":
		event.ContentType = channel.ContentInteractive
		if msg.Interactive != nil {
			switch {
			case msg.Interactive.ButtonReply != nil:
				event.Content = msg.Interactive.ButtonReply.Title
			case msg.Interactive.ListReply != nil:
				event.Content = msg.Interactive.ListReply.Title
			}
		}
	case "button":
		// Template quick-reply button taps arrive as type "button".
		event.ContentType = channel.ContentQuickReply
		if msg.Button != nil {
			event.Content = msg.Button.Text
		}
	default:
		event.ContentType = channel.ContentText
	}
	return event, nil
}

func parseTimestamp(raw string) time.Time {
	var secs int64
	if _, err := fmt.Sscanf(strings.TrimSpace(raw), "%d", &secs); err == nil && secs > 0 {
		return time.Unix(secs, 0)
	}
	return time.Now()
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

// Send delivers a message through the Cloud API and returns the provider
// message id. Failures come back as *channel.SendError.
func (a *Adapter) Send(ctx context.Context, account channel.Account, recipientID string, content channel.OutboundContent) (string, error) {
	payload, err := buildSendPayload(recipientID, content)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/%s/messages", a.baseURL, a.apiVersion, account.ExternalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+account.AccessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", channel.NewSendError(channel.TypeWhatsApp, channel.SendErrProvider, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", channel.NewSendError(channel.TypeWhatsApp, channel.SendErrProvider, err.Error())
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", channel.NewSendError(channel.TypeWhatsApp, channel.SendErrProvider,
			fmt.Sprintf("unexpected response (status %d)", resp.StatusCode))
	}
	if parsed.Error != nil {
		return "", mapAPIError(parsed.Error)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", channel.NewSendError(channel.TypeWhatsApp, channel.SendErrProvider,
			fmt.Sprintf("status %d", resp.StatusCode))
	}
	if len(parsed.Messages) == 0 {
		return "", channel.NewSendError(channel.TypeWhatsApp, channel.SendErrProvider, "no message id in response")
	}
	return parsed.Messages[0].ID, nil
}

// mapAPIError translates a Cloud API error into the closed send-error
// taxonomy. 131047 is the 24-hour customer service window violation.
func mapAPIError(ae *apiError) *channel.SendError {
	code := channel.SendErrProvider
	switch ae.Code {
	case 131047:
		code = channel.SendErrOutsideWindow
	case 190:
		code = channel.SendErrInvalidToken
	case 131026, 131030:
		code = channel.SendErrInvalidRecipient
	case 10, 200, 299:
		code = channel.SendErrMissingPermission
	}
	message := ae.Message
	if ae.ErrorData.Details != "" {
		message = message + ": " + ae.ErrorData.Details
	}
	return channel.NewSendError(channel.TypeWhatsApp, code, message)
}

func buildSendPayload(recipientID string, content channel.OutboundContent) (map[string]any, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                recipientID,
	}
	switch content.ContentType {
	case channel.ContentImage:
		payload["type"] = "image"
		image := map[string]any{"link": content.ImageURL}
		if strings.TrimSpace(content.Text) != "" {
			image["caption"] = content.Text
		}
		payload["image"] = image
	case channel.ContentLocation:
		if content.Location == nil {
			return nil, fmt.Errorf("location content without coordinates")
		}
		payload["type"] = "location"
		payload["location"] = map[string]any{
			"latitude":  content.Location.Latitude,
			"longitude": content.Location.Longitude,
			"name":      content.Location.Name,
			"address":   content.Location.Address,
		}
	case channel.ContentQuickReply:
		payload["type"] = "interactive"
		payload["interactive"] = buildButtonInteractive(content.Text, content.QuickReplies)
	case channel.ContentInteractive:
		if len(content.Cards) > 0 {
			return nil, channel.NewSendError(channel.TypeWhatsApp, channel.SendErrProvider,
				"carousel not supported on whatsapp")
		}
		payload["type"] = "interactive"
		payload["interactive"] = buildButtonInteractive(content.Text, content.Buttons)
	default:
		if strings.TrimSpace(content.Text) == "" {
			return nil, fmt.Errorf("empty message content")
		}
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": content.Text, "preview_url": true}
	}
	return payload, nil
}

// buildButtonInteractive renders up to three reply buttons, the Cloud API
// maximum for interactive button messages.
func buildButtonInteractive(text string, buttons []channel.Button) map[string]any {
	if len(buttons) > 3 {
		buttons = buttons[:3]
	}
	items := make([]map[string]any, 0, len(buttons))
	for i, b := range buttons {
		id := b.Payload
		if id == "" {
			id = fmt.Sprintf("btn_%d", i)
		}
		items = append(items, map[string]any{
			"type": "reply",
			"reply": map[string]any{
				"id":    id,
				"title": truncate(b.Title, 20),
			},
		})
	}
	return map[string]any{
		"type":   "button",
		"body":   map[string]any{"text": text},
		"action": map[string]any{"buttons": items},
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
