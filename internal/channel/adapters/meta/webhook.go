package meta

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

type webhookEnvelope struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender    party            `json:"sender"`
	Recipient party            `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *incomingMessage `json:"message"`
	Postback  *postback        `json:"postback"`
	Delivery  json.RawMessage  `json:"delivery"`
	Read      json.RawMessage  `json:"read"`
}

type party struct {
	ID string `json:"id"`
}

type incomingMessage struct {
	MID         string       `json:"mid"`
	Text        string       `json:"text"`
	IsEcho      bool         `json:"is_echo"`
	QuickReply  *quickReply  `json:"quick_reply"`
	Attachments []attachment `json:"attachments"`
}

type quickReply struct {
	Payload string `json:"payload"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL         string  `json:"url"`
	Coordinates *coords `json:"coordinates"`
}

type coords struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

type postback struct {
	MID     string `json:"mid"`
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// ParseMessagingWebhook extracts the first messaging event from a Messenger
// Platform webhook payload. Echo, delivery and read callbacks return
// (nil, nil) since they carry nothing to persist.
func ParseMessagingWebhook(channelType channel.ChannelType, raw []byte) (*channel.InboundEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if len(envelope.Entry) == 0 {
		return nil, nil
	}
	ent := envelope.Entry[0]
	if len(ent.Messaging) == 0 {
		return nil, nil
	}
	ev := ent.Messaging[0]
	if ev.Delivery != nil || ev.Read != nil {
		return nil, nil
	}

	receivingID := strings.TrimSpace(ent.ID)
	if receivingID == "" {
		receivingID = strings.TrimSpace(ev.Recipient.ID)
	}
	event := &channel.InboundEvent{
		ChannelType:        channelType,
		ReceivingAccountID: receivingID,
		ExternalCustomerID: strings.TrimSpace(ev.Sender.ID),
		Timestamp:          timestampFrom(ev.Timestamp, ent.Time),
		Raw:                json.RawMessage(raw),
	}

	switch {
	case ev.Message != nil:
		msg := ev.Message
		if msg.IsEcho {
			return nil, nil
		}
		event.ProviderMessageID = msg.MID
		if msg.QuickReply != nil {
			event.Content = firstNonEmpty(msg.Text, msg.QuickReply.Payload)
			event.ContentType = channel.ContentQuickReply
			return event, nil
		}
		if len(msg.Attachments) > 0 {
			applyAttachment(event, msg.Attachments[0], msg.Text)
			return event, nil
		}
		event.Content = msg.Text
		event.ContentType = channel.ContentText
		return event, nil
	case ev.Postback != nil:
		event.ProviderMessageID = ev.Postback.MID
		event.Content = firstNonEmpty(ev.Postback.Title, ev.Postback.Payload)
		event.ContentType = channel.ContentPostback
		return event, nil
	default:
		return nil, nil
	}
}

func applyAttachment(event *channel.InboundEvent, att attachment, text string) {
	event.Content = text
	switch att.Type {
	case "image":
		event.ContentType = channel.ContentImage
		event.ImageURL = att.Payload.URL
	case "video":
		event.ContentType = channel.ContentVideo
		event.ImageURL = att.Payload.URL
	case "audio":
		event.ContentType = channel.ContentAudio
		event.ImageURL = att.Payload.URL
	case "location":
		event.ContentType = channel.ContentLocation
		if att.Payload.Coordinates != nil {
			event.Location = &channel.Location{
				Latitude:  att.Payload.Coordinates.Lat,
				Longitude: att.Payload.Coordinates.Long,
			}
		}
	default:
		event.ContentType = channel.ContentFile
		event.ImageURL = att.Payload.URL
	}
}

func timestampFrom(values ...int64) time.Time {
	for _, v := range values {
		if v > 0 {
			return time.UnixMilli(v)
		}
	}
	return time.Now()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
