package sechat

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes SDK errors.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// ErrorAuth covers login and token-acquisition failures. Fatal to the
	// session: surfaced to the owning process, never retried internally.
	ErrorAuth

	// ErrorTransport covers network and socket failures. Recoverable by a
	// caller-driven reconnect.
	ErrorTransport

	// ErrorThrottle is a server rate limit. The send pipeline absorbs it
	// by scheduling a retry; callers only see it when the cooldown could
	// not be parsed.
	ErrorThrottle

	// ErrorDecode is a malformed inbound frame or response body. Surfaced
	// as a diagnostic event; never terminates the dispatcher.
	ErrorDecode

	// ErrorSend is a terminal send rejection that is not a throttle.
	ErrorSend

	ErrorNotConnected
	ErrorInvalidConfig
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorAuth:
		return "auth_error"
	case ErrorTransport:
		return "transport_error"
	case ErrorThrottle:
		return "throttled"
	case ErrorDecode:
		return "decode_error"
	case ErrorSend:
		return "send_rejected"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorInvalidConfig:
		return "invalid_config"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// ChatError is a structured error with code and context.
type ChatError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *ChatError) Unwrap() error {
	return e.Wrapped
}

// Is matches two ChatErrors by code.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a ChatError with the given code and message.
func NewError(code ErrorCode, message string) *ChatError {
	return &ChatError{Code: code, Message: message}
}

// WrapError wraps an existing error with a ChatError.
func WrapError(code ErrorCode, message string, err error) *ChatError {
	return &ChatError{Code: code, Message: message, Wrapped: err}
}

func hasCode(err error, code ErrorCode) bool {
	var ce *ChatError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == code
}

// IsAuthError reports whether err is a login or token-acquisition failure.
func IsAuthError(err error) bool { return hasCode(err, ErrorAuth) }

// IsTransportError reports whether err is a network or socket failure.
func IsTransportError(err error) bool { return hasCode(err, ErrorTransport) }

// IsThrottleError reports whether err is a server rate limit.
func IsThrottleError(err error) bool { return hasCode(err, ErrorThrottle) }

// IsDecodeError reports whether err came from an undecodable frame or body.
func IsDecodeError(err error) bool { return hasCode(err, ErrorDecode) }
