package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	err := New(CodeToolFailure, "shell exited non-zero", fmt.Errorf("exit status 1"))
	msg := err.Error()
	if !strings.Contains(msg, "TOOL_FAILURE") {
		t.Errorf("expected code in message, got %q", msg)
	}
	if !strings.Contains(msg, "exit status 1") {
		t.Errorf("expected cause in message, got %q", msg)
	}

	bare := New(CodeInvalidInput, "unknown scope", nil)
	if strings.Contains(bare.Error(), "<nil>") {
		t.Errorf("nil cause should not render: %q", bare.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := New(CodeTransport, "send failed", cause)
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause through Unwrap")
	}
}

func TestWithContext(t *testing.T) {
	err := Newf(CodeBudgetExceeded, "max_tool_calls reached").
		WithContext("run_id", "run-1").
		WithContext("tool_calls", 21)
	if err.Context["run_id"] != "run-1" {
		t.Errorf("context run_id = %v", err.Context["run_id"])
	}
	if err.Context["tool_calls"] != 21 {
		t.Errorf("context tool_calls = %v", err.Context["tool_calls"])
	}
}

func TestAsFamulusError(t *testing.T) {
	if AsFamulusError(nil) != nil {
		t.Error("nil should stay nil")
	}

	typed := New(CodeNotFound, "missing", nil)
	if got := AsFamulusError(typed); got != typed {
		t.Error("typed error should pass through unchanged")
	}

	wrapped := AsFamulusError(fmt.Errorf("plain"))
	if wrapped.Code != CodeInternal {
		t.Errorf("plain errors wrap as internal, got %s", wrapped.Code)
	}
}

func TestHasCode(t *testing.T) {
	err := New(CodeInvalidTransition, "complete -> running", nil)
	if !HasCode(err, CodeInvalidTransition) {
		t.Error("expected matching code")
	}
	if HasCode(err, CodeInvalidInput) {
		t.Error("unexpected code match")
	}
	if HasCode(fmt.Errorf("plain"), CodeInternal) {
		t.Error("plain error should not match any code")
	}
}

func TestRecoverable(t *testing.T) {
	err := New(CodeToolFailure, "attempt failed", nil).WithRecoverable(true)
	if !err.Recoverable {
		t.Error("expected recoverable")
	}
}
