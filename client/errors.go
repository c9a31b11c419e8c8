package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Status is the coarse outcome category of a client call.
type Status int

const (
	StatusOK          Status = 0
	StatusError       Status = -1
	StatusSQLError    Status = -2
	StatusConfigError Status = -5
	StatusOutOfMemory Status = -6

	// Reconnection bookkeeping; never returned to callers.
	statusPartial Status = -7
	statusInvalid Status = -8
	statusFatal   Status = -9
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusSQLError:
		return "SQL_ERROR"
	case StatusConfigError:
		return "CONFIG_ERROR"
	case StatusOutOfMemory:
		return "OUT_OF_MEMORY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// StatusOf maps an error returned by this package to its status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}

	var (
		sqlErr    *SQLError
		stmtErr   *StatementError
		configErr *ConfigError
		resErr    *ResourceError
	)
	switch {
	case errors.As(err, &stmtErr), errors.As(err, &sqlErr):
		return StatusSQLError
	case errors.As(err, &configErr):
		return StatusConfigError
	case errors.As(err, &resErr):
		return StatusOutOfMemory
	default:
		return StatusError
	}
}

// errorMessage returns the human readable message of err without codes.
func errorMessage(err error) string {
	type messager interface {
		message() string
	}
	var m messager
	if errors.As(err, &m) {
		return m.message()
	}
	return err.Error()
}

// TransportError represents network and timeout failures. For mutating
// batches Indeterminate is set: the request may or may not have committed.
type TransportError struct {
	Code          string                 `json:"code"`
	Type          string                 `json:"type"`
	Message       string                 `json:"message"`
	Details       map[string]interface{} `json:"details"`
	Indeterminate bool                   `json:"indeterminate,omitempty"`
	Cause         error                  `json:"cause,omitempty"`
	StackTrace    []string               `json:"stack_trace,omitempty"`
	Timestamp     time.Time              `json:"timestamp,omitempty"`
	GoroutineID   int                    `json:"goroutine_id,omitempty"`
}

// Error implements the error interface.
// Returns JSON format. Use FormatError() for flexible formatting.
func (e *TransportError) Error() string {
	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Indeterminate {
		errorData["indeterminate"] = true
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{
			"message": e.Cause.Error(),
		}
	}

	b, _ := json.Marshal(errorData)
	return string(b)
}

// FormatError formats the error based on debug mode setting.
// When debugMode=false: returns simple "CODE: message" format.
// When debugMode=true: returns full JSON with stack trace, timestamp, goroutine ID.
func (e *TransportError) FormatError(debugMode bool) string {
	if !debugMode {
		msg := e.Message
		if e.Indeterminate {
			msg += " (outcome unknown)"
		}
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, msg, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}

	errorData := map[string]interface{}{
		"code":          e.Code,
		"type":          e.Type,
		"message":       e.Message,
		"indeterminate": e.Indeterminate,
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{
			"message": e.Cause.Error(),
		}
	}

	if len(e.StackTrace) > 0 {
		errorData["stack_trace"] = e.StackTrace
	}

	if !e.Timestamp.IsZero() {
		errorData["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	}

	if e.GoroutineID > 0 {
		errorData["goroutine_id"] = e.GoroutineID
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error for errors.Is and errors.As compatibility.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

func (e *TransportError) message() string { return e.Message }

func newTransportError(code, msg string, cause error, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Type:        "TRANSPORT_ERROR",
		Message:     msg,
		Details:     details,
		Cause:       cause,
		StackTrace:  captureStackTrace(),
		Timestamp:   time.Now(),
		GoroutineID: getGoroutineID(),
	}
}

// SQLError is returned when the server rejects a batch. The batch had no
// side effects and has been discarded.
type SQLError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Query      string                 `json:"query,omitempty"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
func (e *SQLError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *SQLError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}

	if e.Query != "" {
		errorData["query"] = e.Query
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}

	if len(e.StackTrace) > 0 {
		errorData["stack_trace"] = e.StackTrace
	}

	if !e.Timestamp.IsZero() {
		errorData["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *SQLError) Unwrap() error {
	return e.Cause
}

func (e *SQLError) message() string { return e.Message }

func newSQLError(code, msg string, details map[string]interface{}) *SQLError {
	return &SQLError{
		Code:       code,
		Type:       "SQL_ERROR",
		Message:    msg,
		Details:    details,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// errServerRejected wraps the message the server attached to a failed batch.
func errServerRejected(msg string, statements int) *SQLError {
	return newSQLError("E_SQL", msg, map[string]interface{}{
		"statements": statements,
	})
}

// errMissingStatement is returned by Exec when a bind call had no target.
func errMissingStatement() *SQLError {
	return newSQLError("E_MISSING_STATEMENT", "missing statement before binding", nil)
}

// errBatchPending is returned by Prepare and Delete while statements are staged.
func errBatchPending(operation string, pending int) *SQLError {
	return newSQLError("E_BATCH_PENDING", fmt.Sprintf("%s cannot run while a batch is pending", operation), map[string]interface{}{
		"operation": operation,
		"pending":   pending,
	})
}

// errRequestTooLarge is returned when an encoded batch exceeds the frame limit.
func errRequestTooLarge(size int) *SQLError {
	return newSQLError("E_TOO_LARGE", "batch exceeds maximum message size", map[string]interface{}{
		"size": size,
	})
}

// StatementError represents prepared statement handle errors.
type StatementError struct {
	SQLError
	Handle uint64 `json:"handle,omitempty"`
}

// Error implements the error interface for StatementError.
func (e *StatementError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *StatementError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s (handle: %d)", e.Code, e.Message, e.Handle)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    "STATEMENT_ERROR",
		"message": e.Message,
		"handle":  e.Handle,
	}

	if e.Query != "" {
		errorData["query"] = e.Query
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if len(e.StackTrace) > 0 {
		errorData["stack_trace"] = e.StackTrace
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// ErrStatementNotFound creates an error when a prepared statement doesn't exist.
func ErrStatementNotFound(h PreparedHandle) *StatementError {
	return &StatementError{
		SQLError: SQLError{
			Code:    "E_STMT_NOT_FOUND",
			Type:    "STATEMENT_ERROR",
			Message: fmt.Sprintf("prepared statement %d does not exist", h.id),
			Details: map[string]interface{}{
				"handle": h.id,
			},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Handle: h.id,
	}
}

// ErrForeignHandle creates an error for a handle issued by another session.
func ErrForeignHandle(h PreparedHandle) *StatementError {
	return &StatementError{
		SQLError: SQLError{
			Code:    "E_FOREIGN_HANDLE",
			Type:    "STATEMENT_ERROR",
			Message: "prepared statement belongs to another session",
			Details: map[string]interface{}{
				"handle": h.id,
			},
			StackTrace: captureStackTrace(),
			Timestamp:  time.Now(),
		},
		Handle: h.id,
	}
}

// ConfigError reports invalid configuration. Only Create returns it.
type ConfigError struct {
	Code    string                 `json:"code"`
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details"`
	Cause   error                  `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *ConfigError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}

	if e.Field != "" {
		errorData["field"] = e.Field
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

func (e *ConfigError) message() string { return e.Message }

func newConfigError(field, msg string, cause error) *ConfigError {
	return &ConfigError{
		Code:    "E_CONFIG",
		Type:    "CONFIG_ERROR",
		Message: msg,
		Field:   field,
		Cause:   cause,
	}
}

// ResourceError reports allocation failures and oversized inputs.
type ResourceError struct {
	Code    string                 `json:"code"`
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return e.FormatError(false)
}

// FormatError formats the error based on debug mode.
func (e *ResourceError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
		"details": e.Details,
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

func (e *ResourceError) message() string { return e.Message }

// errStatementTooLarge is returned by Prepare for SQL above the frame limit.
func errStatementTooLarge(size int) *ResourceError {
	return &ResourceError{
		Code:    "E_OUT_OF_MEMORY",
		Type:    "RESOURCE_ERROR",
		Message: "statement exceeds maximum message size",
		Details: map[string]interface{}{
			"size": size,
		},
	}
}

// ProtocolError represents protocol-level errors (malformed responses, etc).
// A session that returned one is BROKEN and must be recreated.
type ProtocolError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface.
// Returns JSON format.
func (e *ProtocolError) Error() string {
	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{
			"message": e.Cause.Error(),
		}
	}

	b, _ := json.Marshal(errorData)
	return string(b)
}

// FormatError formats the error based on debug mode.
func (e *ProtocolError) FormatError(debugMode bool) string {
	if !debugMode {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s (caused by: %s)", e.Code, e.Message, e.Cause.Error())
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	if e.Cause != nil {
		errorData["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}

	if len(e.StackTrace) > 0 {
		errorData["stack_trace"] = e.StackTrace
	}

	if !e.Timestamp.IsZero() {
		errorData["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

func (e *ProtocolError) message() string { return e.Message }

func newProtocolError(msg string, cause error) *ProtocolError {
	return &ProtocolError{
		Code:       "E_PROTOCOL",
		Type:       "PROTOCOL_ERROR",
		Message:    msg,
		Cause:      cause,
		StackTrace: captureStackTrace(),
		Timestamp:  time.Now(),
	}
}

// StateError represents invalid state for an operation.
type StateError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	StackTrace []string               `json:"stack_trace,omitempty"`
}

// Error implements the error interface.
// Returns JSON format.
func (e *StateError) Error() string {
	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
	}

	if len(e.Details) > 0 {
		errorData["details"] = e.Details
	}

	b, _ := json.Marshal(errorData)
	return string(b)
}

// FormatError formats the error based on debug mode.
func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}

	errorData := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
		"details": e.Details,
	}

	if len(e.StackTrace) > 0 {
		errorData["stack_trace"] = e.StackTrace
	}

	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

func (e *StateError) message() string { return e.Message }

// ErrInvalidState creates a StateError for operations attempted in wrong state.
func ErrInvalidState(operation string, actual ConnectionState) error {
	return &StateError{
		Code:    "INVALID_STATE",
		Type:    "STATE_ERROR",
		Message: fmt.Sprintf("%s is not allowed in %s state", operation, actual),
		Details: map[string]interface{}{
			"operation":    operation,
			"currentState": actual.String(),
		},
		StackTrace: captureStackTrace(),
	}
}

// ErrConcurrentUse creates a StateError for overlapping calls on one session.
func ErrConcurrentUse(operation string) error {
	return &StateError{
		Code:    "E_CONCURRENT_USE",
		Type:    "STATE_ERROR",
		Message: fmt.Sprintf("%s called while another operation is in flight", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
		StackTrace: captureStackTrace(),
	}
}

// Helper functions

// captureStackTrace captures the current stack trace for error reporting.
func captureStackTrace() []string {
	const maxDepth = 32
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3, pcs) // Skip captureStackTrace, the error constructor, and runtime.Callers

	frames := make([]string, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := callersFrames.Next()

		// Format: function (file:line)
		frames = append(frames, fmt.Sprintf("%s (%s:%d)",
			frame.Function,
			frame.File,
			frame.Line,
		))

		if !more {
			break
		}
	}

	return frames
}

// getGoroutineID extracts the goroutine ID for debugging.
// Note: This uses runtime stack parsing and is intended for debug purposes only.
func getGoroutineID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int
	fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	return id
}

// FormatError is a helper to format any error with debug mode support.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	if formatter, ok := err.(debugFormatter); ok {
		return formatter.FormatError(debugMode)
	}

	return err.Error()
}
