package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors caused by invalid input or an invalid request
	ErrorInvalid
	// ErrorFatal represents misconfiguration that prevents a component from operating
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Construction errors. These surface at setup time and are never retried.
var (
	ErrInvalidQueue       = errors.New("invalid queue")
	ErrInvalidMiddleware  = errors.New("invalid middleware")
	ErrInvalidLedger      = errors.New("invalid ledger id")
	ErrInvalidConnector   = errors.New("invalid connector record")
	ErrInvalidApplication = errors.New("invalid application")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingConfig      = errors.New("missing required configuration")
)

// Routing errors returned to callers of the middleware.
var (
	ErrConnectorsExhausted     = errors.New("all preferred connectors rejected the send")
	ErrUnknownApplication      = errors.New("unknown local application")
	ErrUnknownConnector        = errors.New("unknown connector")
	ErrUnknownLedger           = errors.New("unknown ledger")
	ErrDuplicateConnector      = errors.New("connector already registered with another middleware")
	ErrNoConnectorPreference   = errors.New("empty connector preference list")
	ErrInvalidEnvelope         = errors.New("invalid envelope")
	ErrUnsupportedEnvelope     = errors.New("unsupported envelope version")
	ErrMessageAlreadyProcessed = errors.New("inbound message already processed")
	ErrMessageNotFound         = errors.New("message not found")
)

// Transport errors.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrEnqueueFailed     = errors.New("enqueue failed")
	ErrMessageInFlight   = errors.New("message is already being handled")
	ErrShuttingDown      = errors.New("component is shutting down")
	ErrAlreadyStarted    = errors.New("component already started")
	ErrNotStarted        = errors.New("component not started")
)

var fatalErrors = []error{
	ErrInvalidQueue,
	ErrInvalidMiddleware,
	ErrInvalidLedger,
	ErrInvalidConnector,
	ErrInvalidApplication,
	ErrInvalidConfig,
	ErrMissingConfig,
}

var invalidErrors = []error{
	ErrConnectorsExhausted,
	ErrUnknownApplication,
	ErrUnknownConnector,
	ErrUnknownLedger,
	ErrDuplicateConnector,
	ErrNoConnectorPreference,
	ErrInvalidEnvelope,
	ErrUnsupportedEnvelope,
	ErrMessageAlreadyProcessed,
	ErrMessageNotFound,
}

var transientErrors = []error{
	ErrNotConnected,
	ErrConnectionLost,
	ErrConnectionTimeout,
	ErrCircuitOpen,
	ErrEnqueueFailed,
	ErrMessageInFlight,
	context.DeadlineExceeded,
	context.Canceled,
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, fatalErrors) || isAny(err, invalidErrors) {
		return false
	}
	if isAny(err, transientErrors) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable", "no responders"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// IsFatal checks if an error is fatal and should stop the component
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, fatalErrors)
}

// IsInvalid checks if an error is due to an invalid request
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, invalidErrors)
}

// Classify returns the error class for an error.
// Unknown errors default to transient so that callers may retry.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrapped, component, method, wrapped.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrapped, component, method, wrapped.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrapped, component, method, wrapped.Error())
}

// Is is errors.Is, re-exported so callers need a single errors import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers need a single errors import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New is errors.New, re-exported so callers need a single errors import.
func New(text string) error {
	return errors.New(text)
}
