package outbound

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnidesk/omnidesk/internal/channel"
)

type scriptedSender struct {
	channelType channel.ChannelType
	id          string
	err         error
}

func (s *scriptedSender) Type() channel.ChannelType { return s.channelType }
func (s *scriptedSender) DisplayName() string       { return string(s.channelType) }

func (s *scriptedSender) Send(_ context.Context, _ channel.Account, _ string, _ channel.OutboundContent) (string, error) {
	return s.id, s.err
}

func TestSendHappyPath(t *testing.T) {
	t.Parallel()

	registry := channel.NewRegistry()
	registry.MustRegister(&scriptedSender{channelType: channel.TypeWhatsApp, id: "wamid.1"})
	dispatcher := NewDispatcher(registry, slog.Default())

	id, err := dispatcher.Send(context.Background(),
		channel.Account{ChannelType: channel.TypeWhatsApp},
		"15551234567",
		channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "wamid.1", id)
}

func TestSendPropagatesTaxonomyError(t *testing.T) {
	t.Parallel()

	registry := channel.NewRegistry()
	registry.MustRegister(&scriptedSender{
		channelType: channel.TypeFacebook,
		err:         channel.NewSendError(channel.TypeFacebook, channel.SendErrInvalidToken, "expired"),
	})
	dispatcher := NewDispatcher(registry, slog.Default())

	_, err := dispatcher.Send(context.Background(),
		channel.Account{ChannelType: channel.TypeFacebook},
		"24680",
		channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, channel.SendErrInvalidToken, channel.SendErrorCodeOf(err))
}

func TestSendRejectsMissingAdapterAndEmptyContent(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(channel.NewRegistry(), slog.Default())

	_, err := dispatcher.Send(context.Background(),
		channel.Account{ChannelType: channel.TypeInstagram},
		"u1",
		channel.OutboundContent{ContentType: channel.ContentText, Text: "hi"})
	assert.Error(t, err)

	_, err = dispatcher.Send(context.Background(),
		channel.Account{ChannelType: channel.TypeInstagram},
		"u1",
		channel.OutboundContent{})
	assert.Error(t, err)
}
