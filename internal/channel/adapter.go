package channel

import (
	"context"
)

// Adapter is the base interface every channel adapter must implement.
// Behavior beyond identification is expressed through the optional capability
// interfaces below; the registry narrows to them on demand.
type Adapter interface {
	Type() ChannelType
	DisplayName() string
}

// Parser maps a provider-native webhook body to a normalized InboundEvent.
//
// A nil event with a nil error means the payload was well-formed but not an
// actionable message (delivery receipt, echo, read marker, unknown shape); the
// webhook is acknowledged and the event dropped. Errors are reserved for bodies
// that are not valid JSON at all.
type Parser interface {
	ParseWebhook(raw []byte) (*InboundEvent, error)
}

// Sender delivers a normalized outbound message to the provider and returns
// the provider-assigned message id when available. Failures are reported as
// *SendError so callers never branch on provider-specific codes.
type Sender interface {
	Send(ctx context.Context, account Account, recipientID string, content OutboundContent) (string, error)
}

// ProfileFetcher looks up the provider profile of an external customer.
// Best-effort: callers tolerate failure and fall back to the external id.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, account Account, externalID string) (Profile, error)
}
