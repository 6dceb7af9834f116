package rpc

import (
	"errors"
	"fmt"
)

// Error type discriminators. Transient types are eligible for fallback and
// capped retries; terminal types surface immediately; config errors fail fast
// at startup.
const (
	ErrTypeNetwork     = "network"
	ErrTypeRateLimit   = "rate_limit"
	ErrTypeProvider    = "provider_error"
	ErrTypeUnavailable = "unavailable"
	ErrTypeInvalid     = "invalid_input"
	ErrTypeTerminal    = "terminal"
	ErrTypeConfig      = "config"
)

// Error carries the taxonomy class alongside the underlying cause so callers
// above the core always receive a typed outcome, never a raw transport error.
type Error struct {
	Type     string // one of the ErrType* constants
	Endpoint string
	Message  string
	Code     int // JSON-RPC error code or HTTP status, when known
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error from %s: %s (%v)", e.Type, e.Endpoint, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error from %s: %s", e.Type, e.Endpoint, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func NewNetworkError(endpoint, message string, cause error) *Error {
	return &Error{Type: ErrTypeNetwork, Endpoint: endpoint, Message: message, Cause: cause}
}

func NewRateLimitError(endpoint, message string) *Error {
	return &Error{Type: ErrTypeRateLimit, Endpoint: endpoint, Message: message, Code: 429}
}

func NewProviderError(endpoint, message string, code int) *Error {
	return &Error{Type: ErrTypeProvider, Endpoint: endpoint, Message: message, Code: code}
}

func NewUnavailableError(endpoint, message string) *Error {
	return &Error{Type: ErrTypeUnavailable, Endpoint: endpoint, Message: message}
}

func NewInvalidInputError(message string) *Error {
	return &Error{Type: ErrTypeInvalid, Message: message}
}

func NewTerminalError(endpoint, message string, code int) *Error {
	return &Error{Type: ErrTypeTerminal, Endpoint: endpoint, Message: message, Code: code}
}

func NewConfigError(message string) *Error {
	return &Error{Type: ErrTypeConfig, Message: message}
}

// Classify returns the taxonomy type of err, defaulting unknown errors to
// "network" so plain transport failures stay retryable.
func Classify(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Type
	}
	return ErrTypeNetwork
}

// IsRetryable reports whether err is transient per the taxonomy.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrTypeNetwork, ErrTypeRateLimit, ErrTypeProvider, ErrTypeUnavailable:
		return true
	default:
		return false
	}
}

// IsRateLimit reports whether err is the explicit HTTP 429 signal, distinct
// from a JSON-RPC error body.
func IsRateLimit(err error) bool {
	return Classify(err) == ErrTypeRateLimit
}
