// Package errors provides the error definitions shared by devices, stores
// and the acquisition loop.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Typed errors carrying device/channel context
// - Error category checking functions
// - Error wrapping utilities
// - A validation error collector

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound        = errors.New("not found")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDriverNotFound  = errors.New("driver not found")
	ErrDatasetNotFound = errors.New("dataset not found")

	// Validation errors
	ErrInvalidName     = errors.New("invalid name")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMissingField    = errors.New("missing required field")

	// State errors
	ErrInvalidState = errors.New("invalid state")
	ErrNotActivated = errors.New("device not activated")
	ErrNoSample     = errors.New("no sample acquired yet")

	// Transport errors
	ErrTransport = errors.New("transport error")
	ErrTimeout   = errors.New("timeout")

	// Configuration errors
	ErrConfiguration = errors.New("configuration rejected")

	// Store errors
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrCapacityExhausted  = errors.New("dataset capacity exhausted")
	ErrCorruptRecord      = errors.New("corrupt record")
	ErrInvalidFile        = errors.New("invalid file")
	ErrStoreClosed        = errors.New("store is closed")
	ErrBufferFull         = errors.New("buffer full")
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// ============================================================================
// Typed errors
// ============================================================================

// TransportError reports that a device's channel could not be opened or that a
// blocking read failed as a whole.
type TransportError struct {
	Device string
	Op     string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, ErrTransport)
	}
	return fmt.Sprintf("%s: %s: %v", e.Device, e.Op, e.Err)
}

// Is makes every TransportError match ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransport creates a TransportError.
func NewTransport(device, op string, err error) error {
	return &TransportError{Device: device, Op: op, Err: err}
}

// SchemaMismatchError reports a sample whose shape disagrees with the shape
// frozen for its channel at first append.
type SchemaMismatchError struct {
	Device   string
	Channel  string
	Role     string
	Expected string
	Actual   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s/%s/%s: expected %s, got %s: %v",
		e.Device, e.Channel, e.Role, e.Expected, e.Actual, ErrSchemaMismatch)
}

func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

// ConfigurationError reports a configuration update that was rejected. The
// device keeps its previous configuration.
type ConfigurationError struct {
	Device string
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Device, e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes every ConfigurationError match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDriverNotFound) ||
		errors.Is(err, ErrDatasetNotFound)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsStateError returns true if err is a state-related error.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotActivated) ||
		errors.Is(err, ErrNoSample)
}

// IsTransport returns true if err is a transport failure.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrTimeout)
}

// IsConfiguration returns true if err is a rejected configuration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsSchemaMismatch returns true if err is a schema mismatch.
func IsSchemaMismatch(err error) bool {
	return errors.Is(err, ErrSchemaMismatch)
}

// IsStoreError returns true if err originates from a store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrCapacityExhausted) ||
		errors.Is(err, ErrCorruptRecord) ||
		errors.Is(err, ErrInvalidFile) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrUnsupportedVersion)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return IsTransport(err) ||
		IsNotFound(err) ||
		errors.Is(err, ErrBufferFull)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
