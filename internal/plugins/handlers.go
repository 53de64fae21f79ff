package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

func textResponse(text string) *channel.OutboundContent {
	return &channel.OutboundContent{ContentType: channel.ContentText, Text: text}
}

func decodeSettings(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode plugin settings: %w", err)
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	return needle != "" && strings.Contains(strings.ToLower(haystack), needle)
}

// AutoReply answers configured keywords with canned replies and stops the
// chain on a hit.
type AutoReply struct{}

type autoReplySettings struct {
	Rules []struct {
		Keyword string `json:"keyword"`
		Reply   string `json:"reply"`
	} `json:"rules"`
}

// Type implements Handler.
func (*AutoReply) Type() Type { return TypeAutoReply }

// Handle implements Handler.
func (*AutoReply) Handle(_ context.Context, in Input) (Result, error) {
	var settings autoReplySettings
	if err := decodeSettings(in.Settings, &settings); err != nil {
		return Result{}, err
	}
	for _, rule := range settings.Rules {
		if containsFold(in.Content, rule.Keyword) {
			return Result{Response: textResponse(rule.Reply), Stop: true}, nil
		}
	}
	return Result{}, nil
}

// BusinessHours gates the chain outside configured opening hours, replying
// with the closed message.
type BusinessHours struct{}

type businessHoursSettings struct {
	Timezone      string `json:"timezone"`
	Start         string `json:"start"`
	End           string `json:"end"`
	ClosedMessage string `json:"closed_message"`
}

// Type implements Handler.
func (*BusinessHours) Type() Type { return TypeBusinessHours }

// Handle implements Handler.
func (*BusinessHours) Handle(_ context.Context, in Input) (Result, error) {
	var settings businessHoursSettings
	if err := decodeSettings(in.Settings, &settings); err != nil {
		return Result{}, err
	}
	if settings.Start == "" || settings.End == "" {
		return Result{}, nil
	}
	loc, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		loc = time.UTC
	}
	start, err := time.Parse("15:04", settings.Start)
	if err != nil {
		return Result{}, fmt.Errorf("bad business hours start %q", settings.Start)
	}
	end, err := time.Parse("15:04", settings.End)
	if err != nil {
		return Result{}, fmt.Errorf("bad business hours end %q", settings.End)
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	open := minutes >= startMin && minutes < endMin
	if startMin > endMin {
		open = minutes >= startMin || minutes < endMin
	}
	if open {
		return Result{}, nil
	}
	message := settings.ClosedMessage
	if message == "" {
		message = "We are currently closed. We will get back to you during business hours."
	}
	return Result{Response: textResponse(message), Stop: true}, nil
}

// Welcome greets a customer's first message and lets the chain continue.
type Welcome struct{}

type welcomeSettings struct {
	Message string `json:"message"`
}

// Type implements Handler.
func (*Welcome) Type() Type { return TypeWelcome }

// Handle implements Handler.
func (*Welcome) Handle(_ context.Context, in Input) (Result, error) {
	if !in.FirstMessage {
		return Result{}, nil
	}
	var settings welcomeSettings
	if err := decodeSettings(in.Settings, &settings); err != nil {
		return Result{}, err
	}
	if settings.Message == "" {
		return Result{}, nil
	}
	return Result{Response: textResponse(settings.Message)}, nil
}

// CRMSync is side-effect only: it forwards contact activity to an external
// CRM endpoint. Delivery runs out of band; here we only record the intent.
type CRMSync struct {
	logger *slog.Logger
}

// Type implements Handler.
func (*CRMSync) Type() Type { return TypeCRMSync }

// Handle implements Handler.
func (p *CRMSync) Handle(_ context.Context, in Input) (Result, error) {
	if p.logger != nil {
		p.logger.Debug("crm sync queued",
			slog.String("customer_id", in.CustomerID.String()),
			slog.String("conversation_id", in.ConversationID.String()))
	}
	return Result{}, nil
}

// Analytics tags messages for reporting. Side-effect only.
type Analytics struct {
	logger *slog.Logger
}

// Type implements Handler.
func (*Analytics) Type() Type { return TypeAnalytics }

// Handle implements Handler.
func (p *Analytics) Handle(_ context.Context, in Input) (Result, error) {
	tags := []string{"channel:" + string(in.ChannelType), "content:" + string(in.ContentType)}
	if p.logger != nil {
		p.logger.Debug("analytics tagged",
			slog.String("conversation_id", in.ConversationID.String()),
			slog.Any("tags", tags))
	}
	return Result{Tags: tags}, nil
}

// Marketing answers campaign keywords with a promotional message.
type Marketing struct{}

type marketingSettings struct {
	Keyword string `json:"keyword"`
	Message string `json:"message"`
}

// Type implements Handler.
func (*Marketing) Type() Type { return TypeMarketing }

// Handle implements Handler.
func (*Marketing) Handle(_ context.Context, in Input) (Result, error) {
	var settings marketingSettings
	if err := decodeSettings(in.Settings, &settings); err != nil {
		return Result{}, err
	}
	if settings.Message == "" || !containsFold(in.Content, settings.Keyword) {
		return Result{}, nil
	}
	return Result{Response: textResponse(settings.Message)}, nil
}

// Urgency detects escalation wording and tags the conversation urgent.
type Urgency struct{}

type urgencySettings struct {
	Keywords []string `json:"keywords"`
}

var defaultUrgencyKeywords = []string{"urgent", "asap", "emergency", "immediately"}

// Type implements Handler.
func (*Urgency) Type() Type { return TypeUrgency }

// Handle implements Handler.
func (*Urgency) Handle(_ context.Context, in Input) (Result, error) {
	var settings urgencySettings
	if err := decodeSettings(in.Settings, &settings); err != nil {
		return Result{}, err
	}
	keywords := settings.Keywords
	if len(keywords) == 0 {
		keywords = defaultUrgencyKeywords
	}
	for _, keyword := range keywords {
		if containsFold(in.Content, keyword) {
			return Result{Tags: []string{"urgent"}}, nil
		}
	}
	return Result{}, nil
}

// PaymentQR answers payment keywords with the tenant's payment QR image.
type PaymentQR struct{}

type paymentQRSettings struct {
	Keyword    string `json:"keyword"`
	QRImageURL string `json:"qr_image_url"`
	Message    string `json:"message"`
}

// Type implements Handler.
func (*PaymentQR) Type() Type { return TypePaymentQR }

// Handle implements Handler.
func (*PaymentQR) Handle(_ context.Context, in Input) (Result, error) {
	var settings paymentQRSettings
	if err := decodeSettings(in.Settings, &settings); err != nil {
		return Result{}, err
	}
	keyword := settings.Keyword
	if keyword == "" {
		keyword = "payment"
	}
	if settings.QRImageURL == "" || !containsFold(in.Content, keyword) {
		return Result{}, nil
	}
	return Result{
		Response: &channel.OutboundContent{
			ContentType: channel.ContentImage,
			Text:        settings.Message,
			ImageURL:    settings.QRImageURL,
		},
		Stop: true,
	}, nil
}

// Storage archives media attachments. Side-effect only; the archival job
// itself runs out of band.
type Storage struct {
	logger *slog.Logger
}

// Type implements Handler.
func (*Storage) Type() Type { return TypeStorage }

// Handle implements Handler.
func (p *Storage) Handle(_ context.Context, in Input) (Result, error) {
	if in.ImageURL == "" {
		return Result{}, nil
	}
	if p.logger != nil {
		p.logger.Debug("media archival queued",
			slog.String("conversation_id", in.ConversationID.String()),
			slog.String("image_url", in.ImageURL))
	}
	return Result{}, nil
}
