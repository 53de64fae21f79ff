package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	channelType ChannelType
}

func (s *stubAdapter) Type() ChannelType   { return s.channelType }
func (s *stubAdapter) DisplayName() string { return string(s.channelType) }

type stubSender struct {
	stubAdapter
}

func (s *stubSender) Send(_ context.Context, _ Account, _ string, _ OutboundContent) (string, error) {
	return "sent-1", nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubAdapter{channelType: TypeFacebook}))

	adapter, ok := registry.Get(TypeFacebook)
	require.True(t, ok)
	assert.Equal(t, TypeFacebook, adapter.Type())

	_, ok = registry.Get(TypeWhatsApp)
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubAdapter{channelType: TypeFacebook}))
	assert.Error(t, registry.Register(&stubAdapter{channelType: TypeFacebook}))
}

func TestRegistryNarrowsCapabilities(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubSender{stubAdapter{channelType: TypeWhatsApp}}))
	require.NoError(t, registry.Register(&stubAdapter{channelType: TypeFacebook}))

	sender, ok := registry.GetSender(TypeWhatsApp)
	require.True(t, ok)
	id, err := sender.Send(context.Background(), Account{}, "u1", OutboundContent{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", id)

	// Registered but without the Sender capability.
	_, ok = registry.GetSender(TypeFacebook)
	assert.False(t, ok)

	_, ok = registry.GetParser(TypeWhatsApp)
	assert.False(t, ok)
}

func TestParseChannelType(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()
	require.NoError(t, registry.Register(&stubAdapter{channelType: TypeInstagram}))

	parsed, err := registry.ParseChannelType(" Instagram ")
	require.NoError(t, err)
	assert.Equal(t, TypeInstagram, parsed)

	_, err = registry.ParseChannelType("carrier-pigeon")
	assert.Error(t, err)
}

func TestSendErrorTaxonomy(t *testing.T) {
	t.Parallel()

	windowErr := NewSendError(TypeWhatsApp, SendErrOutsideWindow, "24h window closed")
	assert.True(t, windowErr.UserActionable())
	assert.Equal(t, SendErrOutsideWindow, SendErrorCodeOf(windowErr))

	providerErr := NewSendError(TypeFacebook, SendErrProvider, "upstream 500")
	assert.False(t, providerErr.UserActionable())

	wrapped := errors.Join(errors.New("dispatch"), windowErr)
	assert.Equal(t, SendErrOutsideWindow, SendErrorCodeOf(wrapped))
	assert.Equal(t, SendErrProvider, SendErrorCodeOf(errors.New("plain")))
}
