package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/channel"
)

func TestParseWebhookText(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "1031",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "15550001111"},
					"contacts": [{"wa_id": "15551234567", "profile": {"name": "Ada"}}],
					"messages": [{
						"id": "wamid.abc",
						"from": "15551234567",
						"timestamp": "1717000000",
						"type": "text",
						"text": {"body": "hello there"}
					}]
				}
			}]
		}]
	}`)

	event, err := New().ParseWebhook(raw)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, channel.TypeWhatsApp, event.ChannelType)
	assert.Equal(t, "15550001111", event.ReceivingAccountID)
	assert.Equal(t, "15551234567", event.ExternalCustomerID)
	assert.Equal(t, "wamid.abc", event.ProviderMessageID)
	assert.Equal(t, "hello there", event.Content)
	assert.Equal(t, channel.ContentText, event.ContentType)
	assert.Equal(t, "Ada", event.SenderName)
}

func TestParseWebhookInteractiveButtonReply(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "1031",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "15550001111"},
					"messages": [{
						"id": "wamid.def",
						"from": "15551234567",
						"timestamp": "1717000060",
						"type": "interactive",
						"interactive": {
							"type": "button_reply",
							"button_reply": {"id": "confirm_yes", "title": "Yes"}
						}
					}]
				}
			}]
		}]
	}`)

	event, err := New().ParseWebhook(raw)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "Yes", event.Content)
	assert.Equal(t, channel.ContentInteractive, event.ContentType)
}

func TestParseWebhookListReply(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "15550001111"},
					"messages": [{
						"id": "wamid.ghi",
						"from": "15551234567",
						"type": "interactive",
						"interactive": {
							"type": "list_reply",
							"list_reply": {"id": "plan_pro", "title": "Pro plan"}
						}
					}]
				}
			}]
		}]
	}`)

	event, err := New().ParseWebhook(raw)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "Pro plan", event.Content)
	assert.Equal(t, channel.ContentInteractive, event.ContentType)
}

func TestParseWebhookStatusesIgnored(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "15550001111"},
					"statuses": [{"id": "wamid.abc", "status": "delivered"}]
				}
			}]
		}]
	}`)

	event, err := New().ParseWebhook(raw)
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestParseWebhookLocation(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"entry": [{
			"changes": [{
				"value": {
					"metadata": {"phone_number_id": "15550001111"},
					"messages": [{
						"id": "wamid.loc",
						"from": "15551234567",
						"type": "location",
						"location": {"latitude": 13.7563, "longitude": 100.5018, "name": "Bangkok"}
					}]
				}
			}]
		}]
	}`)

	event, err := New().ParseWebhook(raw)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, channel.ContentLocation, event.ContentType)
	require.NotNil(t, event.Location)
	assert.InDelta(t, 13.7563, event.Location.Latitude, 1e-9)
	assert.Equal(t, "Bangkok", event.Location.Name)
}

func TestSendReturnsMessageID(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v19.0/15550001111/messages", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messages": [{"id": "wamid.out"}]}`))
	}))
	defer srv.Close()

	adapter := NewWithBaseURL(srv.URL)
	account := channel.Account{ExternalID: "15550001111", AccessToken: "token-1"}
	id, err := adapter.Send(context.Background(), account, "15551234567",
		channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.out", id)
}

func TestSendMapsWindowViolation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "Re-engagement message", "code": 131047}}`))
	}))
	defer srv.Close()

	adapter := NewWithBaseURL(srv.URL)
	account := channel.Account{ExternalID: "15550001111", AccessToken: "token-1"}
	_, err := adapter.Send(context.Background(), account, "15551234567",
		channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, channel.SendErrOutsideWindow, channel.SendErrorCodeOf(err))
}

func TestSendMapsInvalidToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "Invalid OAuth access token", "code": 190}}`))
	}))
	defer srv.Close()

	adapter := NewWithBaseURL(srv.URL)
	account := channel.Account{ExternalID: "15550001111", AccessToken: "expired"}
	_, err := adapter.Send(context.Background(), account, "15551234567",
		channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, channel.SendErrInvalidToken, channel.SendErrorCodeOf(err))
}
