package client

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestTransportError(t *testing.T) {
	err := newTransportError("E_TRANSPORT", "receive failed", nil, map[string]interface{}{
		"endpoint": "tcp://127.0.0.1:7600",
	})
	err.Indeterminate = true

	errStr := err.Error()

	// Should be valid JSON
	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(errStr), &parsed); jsonErr != nil {
		t.Fatalf("error should be valid JSON: %v", jsonErr)
	}

	if parsed["code"] != "E_TRANSPORT" {
		t.Errorf("expected code=E_TRANSPORT, got %v", parsed["code"])
	}

	if parsed["type"] != "TRANSPORT_ERROR" {
		t.Errorf("expected type=TRANSPORT_ERROR, got %v", parsed["type"])
	}

	if parsed["indeterminate"] != true {
		t.Errorf("expected indeterminate=true, got %v", parsed["indeterminate"])
	}
}

func TestTransportErrorWithCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := newTransportError("E_TRANSPORT", "send failed", cause, nil)

	errStr := err.Error()

	// Should contain cause
	if !strings.Contains(errStr, "cause") {
		t.Errorf("error should contain cause, got: %s", errStr)
	}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}

	if err.Unwrap() != cause {
		t.Errorf("expected unwrapped to be cause, got %v", err.Unwrap())
	}
}

func TestTransportErrorFormat(t *testing.T) {
	err := newTransportError("E_TIMEOUT", "receive failed", nil, nil)
	err.Indeterminate = true

	if got := err.FormatError(false); got != "E_TIMEOUT: receive failed (outcome unknown)" {
		t.Errorf("unexpected plain format: %s", got)
	}

	debug := err.FormatError(true)
	if !strings.Contains(debug, "stack_trace") || !strings.Contains(debug, "goroutine_id") {
		t.Errorf("debug format should include stack trace and goroutine id, got: %s", debug)
	}
}

func TestSQLErrorFormat(t *testing.T) {
	err := errServerRejected("no such table: t", 2)

	if got := err.Error(); got != "E_SQL: no such table: t" {
		t.Errorf("unexpected format: %s", got)
	}

	if errorMessage(err) != "no such table: t" {
		t.Errorf("expected bare message, got %q", errorMessage(err))
	}
}

func TestStatementError(t *testing.T) {
	h := PreparedHandle{id: 42}
	err := ErrStatementNotFound(h)

	if err.Handle != 42 {
		t.Errorf("expected handle=42, got %d", err.Handle)
	}

	if !strings.Contains(err.Error(), "handle: 42") {
		t.Errorf("expected handle in message, got %s", err.Error())
	}

	var target *StatementError
	if !errors.As(error(err), &target) {
		t.Fatal("expected errors.As to find *StatementError")
	}
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{
		Code:    "E_PROTOCOL",
		Type:    "PROTOCOL_ERROR",
		Message: "malformed response",
		Details: map[string]interface{}{
			"response": "invalid",
		},
	}

	errStr := err.Error()

	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(errStr), &parsed); jsonErr != nil {
		t.Fatalf("error should be valid JSON: %v", jsonErr)
	}

	if parsed["code"] != "E_PROTOCOL" {
		t.Errorf("expected code=E_PROTOCOL, got %v", parsed["code"])
	}
}

func TestStateError(t *testing.T) {
	err := &StateError{
		Code:    "INVALID_STATE",
		Type:    "STATE_ERROR",
		Message: "invalid state",
		Details: map[string]interface{}{
			"operation":    "Exec",
			"currentState": "CLOSED",
		},
	}

	errStr := err.Error()

	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(errStr), &parsed); jsonErr != nil {
		t.Fatalf("error should be valid JSON: %v", jsonErr)
	}

	details := parsed["details"].(map[string]interface{})
	if details["operation"] != "Exec" {
		t.Errorf("expected operation=Exec, got %v", details["operation"])
	}
}

func TestErrInvalidState(t *testing.T) {
	err := ErrInvalidState("Exec", BROKEN)

	if err == nil {
		t.Fatal("expected error, got nil")
	}

	stateErr, ok := err.(*StateError)
	if !ok {
		t.Fatalf("expected *StateError, got %T", err)
	}

	if stateErr.Code != "INVALID_STATE" {
		t.Errorf("expected code=INVALID_STATE, got %s", stateErr.Code)
	}

	details := stateErr.Details
	if details["operation"] != "Exec" {
		t.Errorf("expected operation=Exec, got %v", details["operation"])
	}

	if details["currentState"] != "BROKEN" {
		t.Errorf("expected currentState=BROKEN, got %v", details["currentState"])
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusOK},
		{"sql", errServerRejected("boom", 1), StatusSQLError},
		{"statement", ErrForeignHandle(PreparedHandle{id: 1}), StatusSQLError},
		{"config", newConfigError("Timeout", "bad", nil), StatusConfigError},
		{"resource", errStatementTooLarge(1 << 31), StatusOutOfMemory},
		{"transport", newTransportError("E_TRANSPORT", "down", nil, nil), StatusError},
		{"protocol", newProtocolError("garbage", nil), StatusError},
		{"state", ErrConcurrentUse("Exec"), StatusError},
		{"other", errors.New("plain"), StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStatusString(t *testing.T) {
	if StatusSQLError.String() != "SQL_ERROR" {
		t.Errorf("expected SQL_ERROR, got %s", StatusSQLError)
	}
	if statusFatal.String() != "UNKNOWN(-9)" {
		t.Errorf("expected UNKNOWN(-9), got %s", statusFatal)
	}
}

func TestFormatErrorHelper(t *testing.T) {
	if FormatError(nil, true) != "" {
		t.Error("expected empty string for nil error")
	}

	plain := errors.New("plain")
	if FormatError(plain, true) != "plain" {
		t.Errorf("expected plain error text, got %s", FormatError(plain, true))
	}

	cfg := newConfigError("Endpoints", "invalid endpoint", nil)
	if !strings.Contains(FormatError(cfg, true), `"field": "Endpoints"`) {
		t.Errorf("expected field in debug output, got %s", FormatError(cfg, true))
	}
}
