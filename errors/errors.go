package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class represents the classification of errors for handling purposes.
type Class int

const (
	// ClassTransient represents temporary errors that may be retried.
	ClassTransient Class = iota
	// ClassInvalid represents errors due to invalid input or configuration.
	ClassInvalid
	// ClassFatal represents unrecoverable errors that should stop processing.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for the bus error taxonomy.
var (
	// Admission errors (rejected at the Shield boundary).
	ErrAuthFailed        = errors.New("authentication failed")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrRateLimited       = errors.New("rate limit exceeded")

	// Routing errors (surfaced to the publisher).
	ErrUnknownTopic     = errors.New("unknown topic")
	ErrCapabilityDenied = errors.New("capability denied")

	// Inspection errors. Both convert to a quarantine verdict, never allow.
	ErrInspectionTimeout = errors.New("inspection timeout")
	ErrInspectorFailed   = errors.New("inspector failed")

	// Delivery errors.
	ErrOperatorUnreachable = errors.New("operator unreachable")
	ErrOverload            = errors.New("subscriber queue full")
	ErrQueueClosed         = errors.New("queue closed")

	// Circuit errors.
	ErrCircuitInvalid  = errors.New("invalid circuit")
	ErrCircuitCycle    = errors.New("undeclared cycle in circuit")
	ErrCircuitNotFound = errors.New("circuit not found")

	// Registry errors.
	ErrOperatorNotFound = errors.New("operator not found")
	ErrQuotaExceeded    = errors.New("quota exceeded")

	// Lifecycle errors.
	ErrAlreadyStarted  = errors.New("component already started")
	ErrNotStarted      = errors.New("component not started")
	ErrAlreadyStopped  = errors.New("component already stopped")
	ErrShutdownTimeout = errors.New("shutdown timed out")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Connection errors.
	ErrNoConnection   = errors.New("no connection available")
	ErrConnectionLost = errors.New("connection lost")
)

// ClassifiedError wraps an error with its classification.
type ClassifiedError struct {
	Class     Class
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassTransient
	}

	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrOverload) ||
		errors.Is(err, ErrOperatorUnreachable) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsInvalid checks if an error is due to invalid input.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassInvalid
	}

	return errors.Is(err, ErrMalformedEnvelope) ||
		errors.Is(err, ErrUnknownTopic) ||
		errors.Is(err, ErrCapabilityDenied) ||
		errors.Is(err, ErrCircuitInvalid) ||
		errors.Is(err, ErrCircuitCycle) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsFatal checks if an error is fatal and should stop processing.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}

	return errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error. Unknown errors default
// to transient so callers may retry.
func Classify(err error) Class {
	switch {
	case IsInvalid(err):
		return ClassInvalid
	case IsFatal(err):
		return ClassFatal
	default:
		return ClassTransient
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

func newClassified(class Class, err error, component, operation string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   err.Error(),
		Component: component,
		Operation: operation,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassTransient, Wrap(err, component, method, action), component, method)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassInvalid, Wrap(err, component, method, action), component, method)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassFatal, Wrap(err, component, method, action), component, method)
}

// Is reports whether any error in err's chain matches target. Re-export
// so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }

// Code returns the wire error code for an error, used in command_response
// envelopes sent back to publishers.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrMalformedEnvelope):
		return "malformed_envelope"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownTopic):
		return "unknown_topic"
	case errors.Is(err, ErrCapabilityDenied):
		return "capability_denied"
	case errors.Is(err, ErrOverload):
		return "overload_retry_after"
	case errors.Is(err, ErrOperatorUnreachable):
		return "operator_unreachable"
	case errors.Is(err, ErrCircuitCycle):
		return "circuit_cycle"
	case errors.Is(err, ErrCircuitInvalid):
		return "circuit_invalid"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	default:
		return "internal_error"
	}
}
