// Package protocol provides error codes and the wire codec for the resql
// client protocol.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode represents standardized error codes across transport layers
type ErrorCode int

const (
	// Connection errors (1000-1099)
	ErrorCodeConnectionRefused   ErrorCode = 1001
	ErrorCodeTimeout             ErrorCode = 1002
	ErrorCodeConnectionClosed    ErrorCode = 1003
	ErrorCodeClusterNameMismatch ErrorCode = 1004
	ErrorCodeConnectRejected     ErrorCode = 1005

	// Protocol errors (2000-2099)
	ErrorCodeProtocolError   ErrorCode = 2001
	ErrorCodeMessageTooLarge ErrorCode = 2002
)

var (
	// ErrShortBuffer is reported when a read runs past the end of a message.
	ErrShortBuffer = errors.New("protocol: short buffer")

	// ErrMalformed is the root of every decoding failure.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrTooLarge is reported for messages above MaxMessageSize.
	ErrTooLarge = errors.New("protocol: message too large")
)

// TransportError represents an error with structured error code
type TransportError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	IsRetryable bool                   `json:"isRetryable"`
	Cause       error                  `json:"-"`
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		return fmt.Sprintf("[%d] %s (details: %s)", e.Code, e.Message, string(detailsJSON))
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying network error, if any.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// NewTransportError creates a new transport error
func NewTransportError(code ErrorCode, message string, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     message,
		Details:     details,
		IsRetryable: isRetryable(code),
	}
}

// isRetryable determines if an error code represents a retryable error
func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrorCodeConnectionRefused,
		ErrorCodeTimeout,
		ErrorCodeConnectionClosed,
		ErrorCodeConnectRejected:
		return true
	default:
		return false
	}
}

// ConnectionError creates a connection-related transport error
func ConnectionError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeConnectionRefused, message, details)
}

// TimeoutError creates a timeout transport error
func TimeoutError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeTimeout, message, details)
}

// ClosedError creates an error for I/O on a connection the peer closed.
func ClosedError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeConnectionClosed, message, details)
}

// ClusterNameMismatchError is returned when the server belongs to another cluster.
func ClusterNameMismatchError(cluster string) *TransportError {
	return NewTransportError(ErrorCodeClusterNameMismatch, "cluster name mismatch", map[string]interface{}{
		"cluster": cluster,
	})
}

// ConnectRejectedError is returned when the server refuses a connect request.
func ConnectRejectedError(rc byte) *TransportError {
	return NewTransportError(ErrorCodeConnectRejected, "connect request has been rejected by the server", map[string]interface{}{
		"rc": int(rc),
	})
}

// WithCause attaches the underlying error and returns e.
func (e *TransportError) WithCause(err error) *TransportError {
	e.Cause = err
	return e
}

// IsMalformed reports whether err originates from decoding a bad message.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrShortBuffer) || errors.Is(err, ErrTooLarge)
}
