package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"not connected", ErrNotConnected, true},
		{"enqueue failed", ErrEnqueueFailed, true},
		{"circuit open", ErrCircuitOpen, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"wrapped enqueue failure", fmt.Errorf("publish: %w", ErrEnqueueFailed), true},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"invalid queue", ErrInvalidQueue, false},
		{"unknown connector", ErrUnknownConnector, false},
		{"connectors exhausted", ErrConnectorsExhausted, false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid queue", ErrInvalidQueue, true},
		{"invalid middleware", ErrInvalidMiddleware, true},
		{"invalid ledger", ErrInvalidLedger, true},
		{"invalid config", ErrInvalidConfig, true},
		{"wrapped invalid middleware", fmt.Errorf("setup: %w", ErrInvalidMiddleware), true},
		{"not connected", ErrNotConnected, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: ErrInvalidQueue}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connectors exhausted", ErrConnectorsExhausted, true},
		{"unknown application", ErrUnknownApplication, true},
		{"invalid envelope", ErrInvalidEnvelope, true},
		{"not connected", ErrNotConnected, false},
		{"invalid queue", ErrInvalidQueue, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"not connected", ErrNotConnected, ErrorTransient},
		{"invalid queue", ErrInvalidQueue, ErrorFatal},
		{"exhausted", ErrConnectorsExhausted, ErrorInvalid},
		{"unknown error", fmt.Errorf("something odd"), ErrorTransient},
		{"classified", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ErrorTransient, baseErr, "Middleware", "Send", "custom message")

	if ce.Component != "Middleware" || ce.Operation != "Send" {
		t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
	}
	if ce.Error() != "custom message" {
		t.Errorf("expected 'custom message', got %s", ce.Error())
	}
	if !errors.Is(ce, baseErr) {
		t.Error("classified error should unwrap to base error")
	}

	noMessage := newClassified(ErrorTransient, baseErr, "Middleware", "Send", "")
	if noMessage.Error() != "base error" {
		t.Errorf("expected 'base error', got %s", noMessage.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "c", "m", "a") != nil {
		t.Error("wrapping nil should return nil")
	}

	err := Wrap(fmt.Errorf("original error"), "Relayer", "relayMessage", "deliver inbound message")
	expected := "Relayer.relayMessage: deliver inbound message failed: original error"
	if err == nil || err.Error() != expected {
		t.Errorf("expected '%s', got '%v'", expected, err)
	}
}

func TestWrapClassified(t *testing.T) {
	tests := []struct {
		name     string
		wrapFunc func(error, string, string, string) error
		class    ErrorClass
	}{
		{"WrapTransient", WrapTransient, ErrorTransient},
		{"WrapFatal", WrapFatal, ErrorFatal},
		{"WrapInvalid", WrapInvalid, ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := test.wrapFunc(ErrInvalidQueue, "component", "method", "action")

			var ce *ClassifiedError
			if !errors.As(result, &ce) {
				t.Fatal("result should be a ClassifiedError")
			}
			if ce.Class != test.class {
				t.Errorf("expected %v, got %v", test.class, ce.Class)
			}
			if !strings.Contains(ce.Error(), "component.method: action failed") {
				t.Errorf("error should contain standard format, got: %s", ce.Error())
			}
			if !errors.Is(result, ErrInvalidQueue) {
				t.Error("wrapped error should still match the sentinel")
			}
			if test.wrapFunc(nil, "component", "method", "action") != nil {
				t.Error("wrapping nil should return nil")
			}
		})
	}
}
