package store

import (
	"errors"
	"fmt"
	"strings"
)

// SetupError represents an error detected while wiring stores, selectors, or
// handlers, or while validating a dispatched event name.
//
// Setup errors fail fast at the call site and are never retried.
type SetupError struct {
	// Code identifies the error category.
	Code SetupErrorCode

	// Message is a human-readable description.
	Message string

	// Subject is the offending namespace, property, or event name.
	Subject string
}

// SetupErrorCode categorizes setup errors.
type SetupErrorCode string

const (
	// ErrCodeConfiguration indicates an invalid namespace (contains "." or
	// "/") or an invalid selector property (contains ".").
	ErrCodeConfiguration SetupErrorCode = "CONFIGURATION"

	// ErrCodeFormat indicates an event name missing the required
	// "namespace/event" separator.
	ErrCodeFormat SetupErrorCode = "FORMAT"

	// ErrCodeReducerType indicates a handler produced a result that is
	// neither a reducer nor a no-op. Discovered only during the reduce
	// phase; aborts the remaining reduction steps of that dispatch.
	ErrCodeReducerType SetupErrorCode = "REDUCER_TYPE"
)

// Error implements the error interface.
func (e *SetupError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("%s: %s (%q)", e.Code, e.Message, e.Subject)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConfigurationError creates a SetupError for an invalid namespace or
// property.
func NewConfigurationError(message, subject string) *SetupError {
	return &SetupError{Code: ErrCodeConfiguration, Message: message, Subject: subject}
}

// NewFormatError creates a SetupError for a malformed event name.
func NewFormatError(event string) *SetupError {
	return &SetupError{
		Code:    ErrCodeFormat,
		Message: "event name must be namespace/event shaped",
		Subject: event,
	}
}

// NewReducerTypeError creates a SetupError for an invalid handler result.
func NewReducerTypeError(namespace string) *SetupError {
	return &SetupError{
		Code:    ErrCodeReducerType,
		Message: "handler returned neither a reducer nor a no-op",
		Subject: namespace,
	}
}

// IsConfigurationError returns true if err is a configuration setup error.
// Uses errors.As to handle wrapped errors.
func IsConfigurationError(err error) bool {
	var se *SetupError
	return errors.As(err, &se) && se.Code == ErrCodeConfiguration
}

// IsFormatError returns true if err is an event-format setup error.
func IsFormatError(err error) bool {
	var se *SetupError
	return errors.As(err, &se) && se.Code == ErrCodeFormat
}

// IsReducerTypeError returns true if err is a reducer-type error.
func IsReducerTypeError(err error) bool {
	var se *SetupError
	return errors.As(err, &se) && se.Code == ErrCodeReducerType
}

// ParseEvent splits a fully-qualified event name into its namespace and bare
// event parts. The namespace is everything before the first "/".
func ParseEvent(event string) (namespace, name string, err error) {
	idx := strings.Index(event, "/")
	if idx <= 0 || idx == len(event)-1 {
		return "", "", NewFormatError(event)
	}
	return event[:idx], event[idx+1:], nil
}

// ValidateNamespace checks that a namespace contains neither "." nor "/".
func ValidateNamespace(namespace string) error {
	if namespace == "" || strings.ContainsAny(namespace, "./") {
		return NewConfigurationError(`namespace must not contain "." or "/"`, namespace)
	}
	return nil
}

// ValidateProperty checks that a selector property contains no ".".
func ValidateProperty(property string) error {
	if strings.Contains(property, ".") {
		return NewConfigurationError(`property must not contain "."`, property)
	}
	return nil
}
