// Package rierrors defines the three domain error kinds the pipeline's
// stages distinguish between: configuration (file-fatal), validation
// (record-rejecting) and execution (record-transient, possibly retriable).
package rierrors

import (
	"errors"
	"fmt"
)

// Closed set of error codes, mirroring the codes a HTTP status or a
// hand-raised domain error may carry.
const (
	CodeOtherConfiguration = "OTHER_CONFIGURATION_ERROR"
	CodeOtherValidation    = "OTHER_VALIDATION_ERROR"
	CodeOtherExecution     = "OTHER_EXECUTION_ERROR"
	CodeConnection         = "CONNECTION_ERROR"
	CodeTimeout            = "TIMEOUT_ERROR"
	CodeUnknown            = "ERRORCODE_UNKNOWN"
)

// AutoRetryCodes are the upload-response codes that mark a failure as
// safe to automatically retry.
var AutoRetryCodes = map[string]bool{
	"408": true, "429": true, "500": true, "502": true, "503": true, "504": true,
	CodeConnection: true, CodeTimeout: true,
}

// ConfigurationError is systemic and always file-level: a missing host,
// a header mismatch, a bad parameter, a missing column. Raising one
// always aborts the whole file regardless of which stage or function
// function raised it.
type ConfigurationError struct {
	ErrorCode    string
	Summary      string
	HTTPResponse *HTTPResponse
	APILogID     string
	Cause        error
}

func (e *ConfigurationError) Error() string {
	if e.Summary != "" {
		return e.Summary
	}
	return fmt.Sprintf("configuration error (%s)", e.ErrorCode)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// ValidationError is record-level data rejection: the loop continues to
// the next record after recording it.
type ValidationError struct {
	ErrorCode    string
	Summary      string
	HTTPResponse *HTTPResponse
	APILogID     string
	Cause        error
}

func (e *ValidationError) Error() string {
	if e.Summary != "" {
		return e.Summary
	}
	return fmt.Sprintf("validation error (%s)", e.ErrorCode)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ExecutionError is record-level and transient (an API timeout, a 5xx
// response); AutoRetry signals whether a later pass should attempt the
// record again.
type ExecutionError struct {
	ErrorCode    string
	Summary      string
	AutoRetry    bool
	HTTPResponse *HTTPResponse
	APILogID     string
	Cause        error
}

func (e *ExecutionError) Error() string {
	if e.Summary != "" {
		return e.Summary
	}
	return fmt.Sprintf("execution error (%s)", e.ErrorCode)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// HTTPResponse captures the response metadata an upload function's error
// may carry, persisted alongside the apilog entry.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// NewConfigurationError builds a ConfigurationError with the generic code.
func NewConfigurationError(summary string) *ConfigurationError {
	return &ConfigurationError{ErrorCode: CodeOtherConfiguration, Summary: summary}
}

// NewValidationError builds a ValidationError with the generic code.
func NewValidationError(summary string) *ValidationError {
	return &ValidationError{ErrorCode: CodeOtherValidation, Summary: summary}
}

// NewExecutionError builds an ExecutionError with the generic code.
func NewExecutionError(summary string, autoRetry bool) *ExecutionError {
	return &ExecutionError{ErrorCode: CodeOtherExecution, Summary: summary, AutoRetry: autoRetry}
}

// Classify reports which of the three domain kinds err belongs to, and
// its error code/summary/auto-retry flag. Any other error classifies as
// a configuration error with CodeUnknown, matching spec.md §7's "any
// other exception is treated as configuration-type" rule.
func Classify(err error) (kind string, code string, summary string, autoRetry bool) {
	var cfg *ConfigurationError
	var val *ValidationError
	var exe *ExecutionError

	switch {
	case errors.As(err, &cfg):
		return "configuration", cfg.ErrorCode, cfg.Error(), false
	case errors.As(err, &val):
		return "validation", val.ErrorCode, val.Error(), false
	case errors.As(err, &exe):
		return "execution", exe.ErrorCode, exe.Error(), exe.AutoRetry
	default:
		return "configuration", CodeUnknown, err.Error(), false
	}
}
