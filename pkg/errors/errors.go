// Package errors provides standardized error handling for dispatchd.
// It implements structured error types with proper wrapping and classification
// following Go 1.20+ error handling best practices.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// Job-related errors
	ErrJobNotFound       = errors.New("job not found")
	ErrJobAlreadyExists  = errors.New("job already exists")
	ErrJobNotRunning     = errors.New("job is not running")
	ErrJobAlreadyRunning = errors.New("job is already running")
	ErrInvalidJobSpec    = errors.New("invalid job specification")
	ErrJobTimeout        = errors.New("job execution timeout")

	// Resource-related errors
	ErrResourceExhausted    = errors.New("resource exhausted")
	ErrInvalidResourceSpec  = errors.New("invalid resource specification")
	ErrResourceNotAvailable = errors.New("resource not available")

	// System-related errors
	ErrPermissionDenied = errors.New("permission denied")
	ErrTimeout          = errors.New("operation timed out")
	ErrInvalidConfig    = errors.New("invalid configuration")
)

// JobError represents an error related to a specific job
type JobError struct {
	JobID     string
	Operation string
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: operation %s: %v", e.JobID, e.Operation, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// ConfigError represents an error related to configuration
type ConfigError struct {
	Component string
	Field     string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config %s.%s: %v", e.Component, e.Field, e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Error wrapping constructors
func WrapJobError(jobID, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &JobError{JobID: jobID, Operation: operation, Err: err}
}

func WrapConfigError(component, field string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigError{Component: component, Field: field, Err: err}
}

// Error classification functions
func IsJobError(err error) bool {
	var je *JobError
	return errors.As(err, &je)
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// Specific error type checks
func IsResourceError(err error) bool {
	return errors.Is(err, ErrResourceExhausted) ||
		errors.Is(err, ErrInvalidResourceSpec) ||
		errors.Is(err, ErrResourceNotAvailable)
}

func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrJobTimeout)
}

func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

// IsAlreadyExists reports whether err is (or wraps) ErrJobAlreadyExists,
// the sentinel storage.Backend implementations reuse for both job and
// task creation conflicts.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrJobAlreadyExists)
}

func IsPermissionError(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// Error extraction helpers
func GetJobID(err error) (string, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.JobID, true
	}
	return "", false
}

// Convenience functions for common error patterns
func NewJobNotFoundError(jobID string) error {
	return WrapJobError(jobID, "lookup", ErrJobNotFound)
}

func NewConfigError(component, field string, err error) error {
	return WrapConfigError(component, field, fmt.Errorf("%w: %v", ErrInvalidConfig, err))
}

// Context-aware error handling
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
