// Package errors provides standardized error handling for the micro framework.
// It classifies failures into the four kinds callers need to distinguish
// (configuration, lifecycle, transport, handler) and offers helpers for
// consistent wrapping and classification across the system.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorConfig represents invalid names, subjects, versions or duplicate
	// registrations. Surfaced synchronously, never retried.
	ErrorConfig ErrorClass = iota
	// ErrorLifecycle represents operations invalid for the current service
	// state, such as starting a started service.
	ErrorLifecycle
	// ErrorTransport represents subscribe/publish/unsubscribe failures
	// reported by the underlying bus.
	ErrorTransport
	// ErrorHandler represents application-level failures signaled by an
	// endpoint handler. Never fatal to the dispatcher.
	ErrorHandler
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorConfig:
		return "config"
	case ErrorLifecycle:
		return "lifecycle"
	case ErrorTransport:
		return "transport"
	case ErrorHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Registration errors
	ErrInvalidName       = errors.New("invalid service name")
	ErrInvalidVersion    = errors.New("invalid semantic version")
	ErrInvalidSubject    = errors.New("invalid subject")
	ErrDuplicateService  = errors.New("service already registered")
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
	ErrDuplicateSubject  = errors.New("subject already registered")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("service already started")
	ErrNotStarted     = errors.New("service not started")
	ErrStopped        = errors.New("service stopped")

	// Transport errors
	ErrNotConnected       = errors.New("not connected to the bus")
	ErrSubscriptionFailed = errors.New("subscription failed")
	ErrPublishFailed      = errors.New("publish failed")
)

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

// IsConfig checks if an error is a configuration error
func IsConfig(err error) bool {
	return classOf(err, ErrorConfig, ErrInvalidName, ErrInvalidVersion,
		ErrInvalidSubject, ErrDuplicateService, ErrDuplicateEndpoint,
		ErrDuplicateSubject)
}

// IsLifecycle checks if an error is a lifecycle error
func IsLifecycle(err error) bool {
	return classOf(err, ErrorLifecycle, ErrAlreadyStarted, ErrNotStarted, ErrStopped)
}

// IsTransport checks if an error is a transport error
func IsTransport(err error) bool {
	return classOf(err, ErrorTransport, ErrNotConnected, ErrSubscriptionFailed, ErrPublishFailed)
}

// IsHandler checks if an error is an application-level handler error
func IsHandler(err error) bool {
	return classOf(err, ErrorHandler)
}

func classOf(err error, class ErrorClass, sentinels ...error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == class
	}

	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	switch {
	case IsConfig(err):
		return ErrorConfig
	case IsLifecycle(err):
		return ErrorLifecycle
	case IsHandler(err):
		return ErrorHandler
	default:
		// Unknown errors are treated as transport-level so callers do not
		// mistake them for their own misconfiguration.
		return ErrorTransport
	}
}

// newClassified creates a new classified error.
// This is an internal helper - use the Wrap* constructors instead.
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

// WrapConfig wraps an error as a configuration error with context
func WrapConfig(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorConfig, wrappedErr, component, method, wrappedErr.Error())
}

// WrapLifecycle wraps an error as a lifecycle error with context
func WrapLifecycle(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorLifecycle, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransport wraps an error as a transport error with context
func WrapTransport(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransport, wrappedErr, component, method, wrappedErr.Error())
}

// WrapHandler wraps an error as a handler error with context
func WrapHandler(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorHandler, wrappedErr, component, method, wrappedErr.Error())
}
