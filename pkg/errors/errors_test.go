package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// Test custom error types
func TestJobError(t *testing.T) {
	originalErr := errors.New("process exited with code 1")
	jobErr := &JobError{
		JobID:     "job-123",
		Operation: "execute",
		Err:       originalErr,
	}

	expectedMsg := "job job-123: operation execute: process exited with code 1"
	if jobErr.Error() != expectedMsg {
		t.Errorf("JobError.Error() = %v, want %v", jobErr.Error(), expectedMsg)
	}

	// Test Unwrap
	if unwrapped := jobErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("JobError.Unwrap() = %v, want %v", unwrapped, originalErr)
	}
}

func TestConfigError(t *testing.T) {
	originalErr := errors.New("bad value")
	cfgErr := &ConfigError{Component: "storage", Field: "databasePath", Err: originalErr}

	expectedMsg := "config storage.databasePath: bad value"
	if cfgErr.Error() != expectedMsg {
		t.Errorf("ConfigError.Error() = %v, want %v", cfgErr.Error(), expectedMsg)
	}
	if unwrapped := cfgErr.Unwrap(); unwrapped != originalErr {
		t.Errorf("ConfigError.Unwrap() = %v, want %v", unwrapped, originalErr)
	}
}

// Test sentinel errors
func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"ErrJobNotFound", ErrJobNotFound, "job not found"},
		{"ErrJobAlreadyExists", ErrJobAlreadyExists, "job already exists"},
		{"ErrJobNotRunning", ErrJobNotRunning, "job is not running"},
		{"ErrJobAlreadyRunning", ErrJobAlreadyRunning, "job is already running"},
		{"ErrInvalidJobSpec", ErrInvalidJobSpec, "invalid job specification"},
		{"ErrResourceExhausted", ErrResourceExhausted, "resource exhausted"},
		{"ErrPermissionDenied", ErrPermissionDenied, "permission denied"},
		{"ErrTimeout", ErrTimeout, "operation timed out"},
		{"ErrInvalidConfig", ErrInvalidConfig, "invalid configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.msg {
				t.Errorf("Error message = %v, want %v", tt.err.Error(), tt.msg)
			}
		})
	}
}

// Test error classification
func TestIsJobError(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		isJob bool
	}{
		{"JobError", &JobError{JobID: "123", Operation: "start", Err: errors.New("test")}, true},
		{"Wrapped JobError", fmt.Errorf("wrapped: %w", &JobError{JobID: "123", Operation: "start", Err: errors.New("test")}), true},
		{"Regular error", errors.New("not a job error"), false},
		{"Nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsJobError(tt.err)
			if result != tt.isJob {
				t.Errorf("IsJobError() = %v, want %v", result, tt.isJob)
			}
		})
	}
}

func TestIsConfigError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		isConfig bool
	}{
		{"ConfigError", &ConfigError{Component: "storage", Err: errors.New("test")}, true},
		{"Wrapped ConfigError", fmt.Errorf("wrapped: %w", &ConfigError{Component: "storage", Err: errors.New("test")}), true},
		{"Regular error", errors.New("not a config error"), false},
		{"Nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsConfigError(tt.err)
			if result != tt.isConfig {
				t.Errorf("IsConfigError() = %v, want %v", result, tt.isConfig)
			}
		})
	}
}

func TestIsResourceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		isResource bool
	}{
		{"ErrResourceExhausted", ErrResourceExhausted, true},
		{"Wrapped resource error", fmt.Errorf("context: %w", ErrResourceExhausted), true},
		{"Regular error", errors.New("not a resource error"), false},
		{"Nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsResourceError(tt.err)
			if result != tt.isResource {
				t.Errorf("IsResourceError() = %v, want %v", result, tt.isResource)
			}
		})
	}
}

func TestIsTimeoutError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		isTimeout bool
	}{
		{"ErrTimeout", ErrTimeout, true},
		{"Wrapped timeout error", fmt.Errorf("operation failed: %w", ErrTimeout), true},
		{"Regular error", errors.New("not a timeout error"), false},
		{"Nil error", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTimeoutError(tt.err)
			if result != tt.isTimeout {
				t.Errorf("IsTimeoutError() = %v, want %v", result, tt.isTimeout)
			}
		})
	}
}

// Test error wrapping helpers
func TestWrapJobError(t *testing.T) {
	originalErr := errors.New("original error")
	wrappedErr := WrapJobError("job-123", "start", originalErr)

	jobErr, ok := wrappedErr.(*JobError)
	if !ok {
		t.Fatalf("WrapJobError() returned %T, want *JobError", wrappedErr)
	}

	if jobErr.JobID != "job-123" {
		t.Errorf("JobID = %v, want job-123", jobErr.JobID)
	}
	if jobErr.Operation != "start" {
		t.Errorf("Operation = %v, want start", jobErr.Operation)
	}
	if jobErr.Err != originalErr {
		t.Errorf("Err = %v, want %v", jobErr.Err, originalErr)
	}
}

func TestNewJobNotFoundError(t *testing.T) {
	err := NewJobNotFoundError("job-123")
	if !errors.Is(err, ErrJobNotFound) {
		t.Error("NewJobNotFoundError() should wrap ErrJobNotFound")
	}
	jobID, ok := GetJobID(err)
	if !ok || jobID != "job-123" {
		t.Errorf("GetJobID() = (%v, %v), want (job-123, true)", jobID, ok)
	}
}

// Test error cause extraction
func TestGetJobID(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		jobID string
		hasID bool
	}{
		{
			name:  "Direct JobError",
			err:   &JobError{JobID: "job-123", Operation: "start", Err: errors.New("test")},
			jobID: "job-123",
			hasID: true,
		},
		{
			name:  "Wrapped JobError",
			err:   fmt.Errorf("context: %w", &JobError{JobID: "job-456", Operation: "stop", Err: errors.New("test")}),
			jobID: "job-456",
			hasID: true,
		},
		{
			name:  "Non-JobError",
			err:   errors.New("regular error"),
			jobID: "",
			hasID: false,
		},
		{
			name:  "Nil error",
			err:   nil,
			jobID: "",
			hasID: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobID, hasID := GetJobID(tt.err)
			if jobID != tt.jobID {
				t.Errorf("GetJobID() jobID = %v, want %v", jobID, tt.jobID)
			}
			if hasID != tt.hasID {
				t.Errorf("GetJobID() hasID = %v, want %v", hasID, tt.hasID)
			}
		})
	}
}

// Test error chain operations
func TestErrorChain(t *testing.T) {
	baseErr := errors.New("base error")
	jobErr := WrapJobError("job-123", "start", baseErr)
	wrappedErr := fmt.Errorf("context: %w", jobErr)

	// Test that we can unwrap to the base error
	if !errors.Is(wrappedErr, baseErr) {
		t.Error("errors.Is() should find base error in chain")
	}

	// Test that we can find JobError in chain
	var je *JobError
	if !errors.As(wrappedErr, &je) {
		t.Error("errors.As() should find JobError in chain")
	}
	if je.JobID != "job-123" {
		t.Errorf("Found JobError has JobID = %v, want job-123", je.JobID)
	}
}

func TestIsContextError(t *testing.T) {
	if !IsContextError(context.Canceled) {
		t.Error("IsContextError(context.Canceled) should be true")
	}
	if IsContextError(errors.New("unrelated")) {
		t.Error("IsContextError() should be false for unrelated errors")
	}
}

// Benchmark tests
func BenchmarkJobError_Error(b *testing.B) {
	err := &JobError{
		JobID:     "job-12345678-1234-1234-1234-123456789012",
		Operation: "execute_command",
		Err:       errors.New("process failed with exit code 1"),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = err.Error()
	}
}

func BenchmarkIsJobError(b *testing.B) {
	err := fmt.Errorf("wrapped: %w", &JobError{
		JobID:     "job-123",
		Operation: "start",
		Err:       errors.New("test"),
	})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IsJobError(err)
	}
}
