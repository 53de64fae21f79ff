// Package outbound delivers messages to customers through the channel
// adapters.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/omnidesk/omnidesk/internal/channel"
)

// Dispatcher sends outbound content via the adapter registry. Provider
// failures arrive already mapped into the channel.SendError taxonomy; the
// dispatcher adds no retries, it only classifies logging.
type Dispatcher struct {
	registry *channel.Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *channel.Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{registry: registry, logger: logger}
}

// Send delivers one message and returns the provider message id. Errors are
// *channel.SendError where the provider reported a classified failure.
func (d *Dispatcher) Send(ctx context.Context, account channel.Account, recipientID string, content channel.OutboundContent) (string, error) {
	if content.IsEmpty() {
		return "", fmt.Errorf("send on %s: empty content", account.ChannelType)
	}
	sender, ok := d.registry.GetSender(account.ChannelType)
	if !ok {
		return "", fmt.Errorf("send on %s: no sender adapter registered", account.ChannelType)
	}

	providerID, err := sender.Send(ctx, account, recipientID, content)
	if err != nil {
		if d.logger != nil {
			level := slog.LevelError
			var se *channel.SendError
			if errors.As(err, &se) && se.UserActionable() {
				// Needs tenant action (reconnect, or wait for the
				// customer to re-engage), not an outage.
				level = slog.LevelWarn
			}
			d.logger.Log(ctx, level, "outbound send failed",
				slog.String("channel_type", string(account.ChannelType)),
				slog.String("account_id", account.ID),
				slog.String("error_code", string(channel.SendErrorCodeOf(err))),
				slog.Any("error", err))
		}
		return "", err
	}
	if d.logger != nil {
		d.logger.Debug("outbound message sent",
			slog.String("channel_type", string(account.ChannelType)),
			slog.String("provider_message_id", providerID))
	}
	return providerID, nil
}
