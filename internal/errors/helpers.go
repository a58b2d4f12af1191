package errors

import (
	"fmt"
)

// NewTransportError creates a retryable transport error for a channel
// (push socket, poll fetch, send request).
func NewTransportError(channel string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransport, fmt.Sprintf("%s transport failed", channel)).
		WithContext("channel", channel).
		WithUserMessage("Connection problem, retrying")
}

// NewMalformedPayloadError creates an error for a server record that did
// not match the expected shape. Never propagated past normalization: the
// offending record is dropped or defaulted and the batch proceeds.
func NewMalformedPayloadError(source string, field string, err error) *AppError {
	return Wrap(err, ErrCodeMalformedPayload, "unexpected payload shape").
		WithContext("source", source).
		WithContext("field", field)
}

// NewQuotaExceededError creates an error for a persistence write that
// went over the cache byte budget.
func NewQuotaExceededError(total, budget int64) *AppError {
	return New(ErrCodeQuotaExceeded, "cache byte budget exceeded").
		WithContext("total_bytes", total).
		WithContext("budget_bytes", budget)
}

// NewSendFailure creates an error for a remote write the server rejected
// or that timed out. It stays attached to the failed message for display
// and retry.
func NewSendFailure(conversationID string, err error) *AppError {
	return Wrap(err, ErrCodeSendFailure, "send rejected or timed out").
		WithContext("conversation_id", conversationID).
		WithUserMessage("Message failed to send")
}

// NewAPIError creates an error for a backend HTTP call, marking server
// and throttling statuses retryable.
func NewAPIError(endpoint string, statusCode int, err error) *AppError {
	retryable := statusCode >= 500 || statusCode == 429 || statusCode == 408

	appErr := Wrap(err, ErrCodeTransport, "backend API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode).
		WithUserMessage("Service temporarily unavailable")
	appErr.Retryable = retryable
	return appErr
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}
