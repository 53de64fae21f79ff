// Package meta implements the shared Facebook Graph API transport used by the
// Messenger and Instagram Direct adapters. Both channels speak the same Send
// API and report errors in the same envelope; only the channel type differs.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// DefaultAPIVersion is the Graph API version used for all calls.
const DefaultAPIVersion = "v19.0"

const requestTimeout = 10 * time.Second

// Client calls the Facebook Graph API on behalf of one channel type.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	apiVersion  string
	channelType channel.ChannelType
}

// NewClient creates a Graph API client for the given channel type.
func NewClient(channelType channel.ChannelType) *Client {
	return &Client{
		httpClient:  &http.Client{Timeout: requestTimeout},
		baseURL:     "https://graph.facebook.com",
		apiVersion:  DefaultAPIVersion,
		channelType: channelType,
	}
}

// NewClientWithBaseURL creates a client pointed at an alternate endpoint.
// Used by tests to stub the Graph API.
func NewClientWithBaseURL(channelType channel.ChannelType, baseURL string) *Client {
	c := NewClient(channelType)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type sendRequest struct {
	Recipient     recipient      `json:"recipient"`
	Message       map[string]any `json:"message"`
	MessagingType string         `json:"messaging_type"`
}

type recipient struct {
	ID string `json:"id"`
}

type sendResponse struct {
	RecipientID string      `json:"recipient_id"`
	MessageID   string      `json:"message_id"`
	Error       *graphError `json:"error"`
}

type graphError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	FBTraceID    string `json:"fbtrace_id"`
}

// SendMessage delivers one message via the Graph Send API and returns the
// provider message id. Failures come back as *channel.SendError.
func (c *Client) SendMessage(ctx context.Context, account channel.Account, recipientID string, content channel.OutboundContent) (string, error) {
	message, err := buildMessagePayload(content)
	if err != nil {
		return "", err
	}
	payload := sendRequest{
		Recipient:     recipient{ID: recipientID},
		Message:       message,
		MessagingType: "RESPONSE",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/me/messages?access_token=%s",
		c.baseURL, c.apiVersion, url.QueryEscape(account.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", channel.NewSendError(c.channelType, channel.SendErrProvider, err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", channel.NewSendError(c.channelType, channel.SendErrProvider, err.Error())
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", channel.NewSendError(c.channelType, channel.SendErrProvider,
			fmt.Sprintf("unexpected response (status %d)", resp.StatusCode))
	}
	if parsed.Error != nil {
		return "", c.mapError(parsed.Error)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", channel.NewSendError(c.channelType, channel.SendErrProvider,
			fmt.Sprintf("status %d", resp.StatusCode))
	}
	return parsed.MessageID, nil
}

// mapError translates a Graph error envelope into the closed send-error
// taxonomy. Subcode checks come first: 2018278 is the messaging-window
// violation reported under the otherwise permission-flavored code 10.
func (c *Client) mapError(ge *graphError) *channel.SendError {
	code := channel.SendErrProvider
	switch {
	case ge.ErrorSubcode == 2018278:
		code = channel.SendErrOutsideWindow
	case ge.Code == 190:
		code = channel.SendErrInvalidToken
	case ge.Code == 551 || (ge.Code == 100 && ge.ErrorSubcode == 2018001):
		code = channel.SendErrInvalidRecipient
	case ge.Code == 10 || ge.Code == 200 || ge.Code == 230 || ge.Code == 299:
		code = channel.SendErrMissingPermission
	}
	return channel.NewSendError(c.channelType, code, ge.Message)
}

func buildMessagePayload(content channel.OutboundContent) (map[string]any, error) {
	switch content.ContentType {
	case channel.ContentImage:
		return map[string]any{
			"attachment": map[string]any{
				"type": "image",
				"payload": map[string]any{
					"url":         content.ImageURL,
					"is_reusable": true,
				},
			},
		}, nil
	case channel.ContentLocation:
		// Messenger has no native location send; fall back to the maps link
		// already rendered into Text.
		return map[string]any{"text": content.Text}, nil
	case channel.ContentQuickReply:
		replies := make([]map[string]any, 0, len(content.QuickReplies))
		for _, b := range content.QuickReplies {
			payload := b.Payload
			if payload == "" {
				payload = b.Title
			}
			replies = append(replies, map[string]any{
				"content_type": "text",
				"title":        b.Title,
				"payload":      payload,
			})
		}
		return map[string]any{
			"text":          content.Text,
			"quick_replies": replies,
		}, nil
	case channel.ContentInteractive:
		if len(content.Cards) > 0 {
			return buildCarouselPayload(content.Cards), nil
		}
		return buildButtonPayload(content.Text, content.Buttons), nil
	default:
		if strings.TrimSpace(content.Text) == "" {
			return nil, fmt.Errorf("empty message content")
		}
		return map[string]any{"text": content.Text}, nil
	}
}

func buildButtonPayload(text string, buttons []channel.Button) map[string]any {
	items := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		if strings.TrimSpace(b.URL) != "" {
			items = append(items, map[string]any{
				"type":  "web_url",
				"title": b.Title,
				"url":   b.URL,
			})
			continue
		}
		payload := b.Payload
		if payload == "" {
			payload = b.Title
		}
		items = append(items, map[string]any{
			"type":    "postback",
			"title":   b.Title,
			"payload": payload,
		})
	}
	return map[string]any{
		"attachment": map[string]any{
			"type": "template",
			"payload": map[string]any{
				"template_type": "button",
				"text":          text,
				"buttons":       items,
			},
		},
	}
}

func buildCarouselPayload(cards []channel.CarouselCard) map[string]any {
	elements := make([]map[string]any, 0, len(cards))
	for _, card := range cards {
		element := map[string]any{
			"title": card.Title,
		}
		if card.Subtitle != "" {
			element["subtitle"] = card.Subtitle
		}
		if card.ImageURL != "" {
			element["image_url"] = card.ImageURL
		}
		if len(card.Buttons) > 0 {
			items := make([]map[string]any, 0, len(card.Buttons))
			for _, b := range card.Buttons {
				payload := b.Payload
				if payload == "" {
					payload = b.Title
				}
				items = append(items, map[string]any{
					"type":    "postback",
					"title":   b.Title,
					"payload": payload,
				})
			}
			element["buttons"] = items
		}
		elements = append(elements, element)
	}
	return map[string]any{
		"attachment": map[string]any{
			"type": "template",
			"payload": map[string]any{
				"template_type":      "generic",
				"image_aspect_ratio": "horizontal",
				"elements":           elements,
			},
		},
	}
}

type profileResponse struct {
	Name      string      `json:"name"`
	FirstName string      `json:"first_name"`
	LastName  string      `json:"last_name"`
	Username  string      `json:"username"`
	Error     *graphError `json:"error"`
}

// FetchProfile looks up the display name of a platform-scoped user id.
func (c *Client) FetchProfile(ctx context.Context, account channel.Account, externalID string) (channel.Profile, error) {
	endpoint := fmt.Sprintf("%s/%s/%s?fields=name,first_name,last_name,username&access_token=%s",
		c.baseURL, c.apiVersion, url.PathEscape(externalID), url.QueryEscape(account.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return channel.Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return channel.Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	var parsed profileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return channel.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if parsed.Error != nil {
		return channel.Profile{}, c.mapError(parsed.Error)
	}
	name := strings.TrimSpace(parsed.Name)
	if name == "" {
		name = strings.TrimSpace(strings.TrimSpace(parsed.FirstName) + " " + strings.TrimSpace(parsed.LastName))
	}
	if name == "" {
		name = strings.TrimSpace(parsed.Username)
	}
	return channel.Profile{Name: name}, nil
}
