package channel

import (
	"errors"
	"fmt"
)

// SendErrorCode is the closed taxonomy for outbound delivery failures.
// Upstream code branches on these, never on provider-specific codes.
type SendErrorCode string

const (
	// SendErrInvalidToken: the access token is expired or revoked; the tenant
	// must reconnect the channel account.
	SendErrInvalidToken SendErrorCode = "invalid_token"
	// SendErrMissingPermission: the token lacks a required scope or the page
	// permission was withdrawn.
	SendErrMissingPermission SendErrorCode = "missing_permission"
	// SendErrInvalidRecipient: the recipient id is unknown or unreachable.
	SendErrInvalidRecipient SendErrorCode = "invalid_recipient"
	// SendErrOutsideWindow: the 24-hour customer-service messaging window has
	// closed; only the customer re-engaging reopens it.
	SendErrOutsideWindow SendErrorCode = "outside_window"
	// SendErrProvider: any other provider-side failure.
	SendErrProvider SendErrorCode = "provider_error"
)

// SendError wraps a provider delivery failure with its taxonomy code.
type SendError struct {
	Code     SendErrorCode
	Provider ChannelType
	Message  string
}

// Error implements the error interface.
func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed (%s): %s", e.Provider, e.Code, e.Message)
}

// UserActionable reports whether the failure requires tenant action rather
// than being a transient provider hiccup.
func (e *SendError) UserActionable() bool {
	switch e.Code {
	case SendErrInvalidToken, SendErrOutsideWindow:
		return true
	default:
		return false
	}
}

// NewSendError builds a SendError for the given provider and code.
func NewSendError(provider ChannelType, code SendErrorCode, message string) *SendError {
	return &SendError{Code: code, Provider: provider, Message: message}
}

// SendErrorCodeOf extracts the taxonomy code from err, or SendErrProvider when
// err is not a SendError.
func SendErrorCodeOf(err error) SendErrorCode {
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	return SendErrProvider
}
