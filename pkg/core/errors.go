// Package core provides shared error types for the streaming client.
package core

import (
	"errors"
	"fmt"
)

// Error classifies a failure anywhere in the streaming pipeline.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Field      string    `json:"field,omitempty"`
	Code       string    `json:"code,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrAuthentication covers missing or invalid credentials. Fatal, never retried.
	ErrAuthentication ErrorType = "authentication_error"
	// ErrConnection covers network-level failures. Retryable via backoff.
	ErrConnection ErrorType = "connection_error"
	// ErrProtocol covers malformed or unexpected wire messages. Logged and skipped.
	ErrProtocol ErrorType = "protocol_error"
	// ErrRateLimit covers outbound rate-limit rejections with a retry-after hint.
	ErrRateLimit ErrorType = "rate_limit_error"
	// ErrConfigValidation covers spec mismatches detected before connecting.
	ErrConfigValidation ErrorType = "config_validation_error"
	// ErrTimeout covers missed activity windows. Retryable like ErrConnection.
	ErrTimeout ErrorType = "timeout_error"
	// ErrAudioDevice covers capture/playback hardware failures.
	ErrAudioDevice ErrorType = "audio_device_error"
)

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{Type: ErrAuthentication, Message: message}
}

// NewConnectionError creates a network-level connection error.
func NewConnectionError(message string) *Error {
	return &Error{Type: ErrConnection, Message: message}
}

// NewProtocolError creates a protocol error with an optional wire code.
func NewProtocolError(message, code string) *Error {
	return &Error{Type: ErrProtocol, Message: message, Code: code}
}

// NewRateLimitError creates a rate limit error carrying a retry-after hint in
// milliseconds.
func NewRateLimitError(message string, retryAfterMS int) *Error {
	return &Error{Type: ErrRateLimit, Message: message, RetryAfter: &retryAfterMS}
}

// NewConfigValidationError creates a pre-connect validation error for a field.
func NewConfigValidationError(message, field string) *Error {
	return &Error{Type: ErrConfigValidation, Message: message, Field: field}
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *Error {
	return &Error{Type: ErrTimeout, Message: message}
}

// NewAudioDeviceError creates an audio hardware error.
func NewAudioDeviceError(message string, underlying error) *Error {
	if underlying != nil {
		message = fmt.Sprintf("%s: %v", message, underlying)
	}
	return &Error{Type: ErrAudioDevice, Message: message}
}

// IsRetryable reports whether the error may be retried via backoff.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrConnection, ErrTimeout, ErrRateLimit:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must terminate the session immediately.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrAuthentication, ErrConfigValidation:
		return true
	default:
		return false
	}
}

// AsError unwraps err into a *Error, classifying unknown errors as connection
// failures so callers always receive a typed value.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return NewConnectionError(err.Error())
}
