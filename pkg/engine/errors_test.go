package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorMessage(t *testing.T) {
	err := NewPermanentError("action failed", errors.New("exit status 1")).
		WithCode(ErrCodeActionFailed).
		WithResource("db").
		WithOperation("create")

	want := "[permanent] action failed (resource=db, operation=create): exit status 1"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, NewPermanentError("other", nil).WithCode(ErrCodeActionFailed)) {
		t.Error("Expected errors.Is to match on class and code")
	}
}

func TestErrorClassification(t *testing.T) {
	timeout := NewPermanentError("Deploy operation timed out after 1 seconds", context.DeadlineExceeded).
		WithCode(ErrCodeTimeout)
	cancelled := NewPermanentError("Deploy operation cancelled", context.Canceled).WithCode(ErrCodeCancelled)
	cycle := NewPermanentError("dependency cycles detected", nil).WithCode(ErrCodeCycle)
	transient := NewTransientError("sink unavailable", nil)
	internal := NewInternalError("node left behind", nil)
	wrapped := fmt.Errorf("apply: %w", timeout)

	tests := []struct {
		name string
		fn   func(error) bool
		err  error
		want bool
	}{
		{"timeout is timeout", IsTimeout, wrapped, true},
		{"timeout is retryable", IsRetryable, wrapped, true},
		{"cancelled is retryable", IsRetryable, cancelled, true},
		{"transient is retryable", IsRetryable, transient, true},
		{"cycle is not retryable", IsRetryable, cycle, false},
		{"cycle is configuration", IsConfiguration, cycle, true},
		{"timeout is not configuration", IsConfiguration, timeout, false},
		{"internal is internal", IsInternal, internal, true},
		{"internal is not permanent", IsPermanent, internal, false},
		{"cascade is dependency failure", IsDependencyFailure, ErrDependencyFailed, true},
		{"plain error is not transient", IsTransient, errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v for %v", tt.want, got, tt.err)
			}
		})
	}
}
