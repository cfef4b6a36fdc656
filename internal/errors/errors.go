// Package errors defines the coded error types shared by the scanner, the
// share index and the API. Codes survive wrapping and decide whether a
// failure is isolated to a host, retryable or fatal to a job.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents different types of errors that can occur.
type ErrorCode string

const (
	// General errors.
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeValidation    ErrorCode = "VALIDATION"
	CodeConfiguration ErrorCode = "CONFIGURATION"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeCanceled      ErrorCode = "CANCELED"
	CodePermission    ErrorCode = "PERMISSION"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeConflict      ErrorCode = "CONFLICT"

	// Network and scanning errors.
	CodeHostUnreachable      ErrorCode = "HOST_UNREACHABLE"
	CodeRangeInvalid         ErrorCode = "RANGE_INVALID"
	CodeRangeTooLarge        ErrorCode = "RANGE_TOO_LARGE"
	CodeSubstrateUnavailable ErrorCode = "SUBSTRATE_UNAVAILABLE"
	CodeTransportLost        ErrorCode = "TRANSPORT_LOST"
	CodeScanFailed           ErrorCode = "SCAN_FAILED"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"

	// Share protocol errors.
	CodeAuthFailed        ErrorCode = "AUTH_FAILED"
	CodeNegotiationFailed ErrorCode = "NEGOTIATION_FAILED"
	CodeEnumerationFailed ErrorCode = "ENUMERATION_FAILED"
	CodeShareUnavailable  ErrorCode = "SHARE_UNAVAILABLE"

	// Index errors.
	CodeIndexBuilding    ErrorCode = "INDEX_BUILDING"
	CodeIndexBuildFailed ErrorCode = "INDEX_BUILD_FAILED"
	CodeSessionNotFound  ErrorCode = "SESSION_NOT_FOUND"

	// Service errors.
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
)

// render formats "[CODE] message (k: v, ...): cause". Empty detail values
// are left out.
func render(code ErrorCode, message string, cause error, details ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", code, message)
	sep := " ("
	for i := 0; i+1 < len(details); i += 2 {
		if details[i+1] == "" {
			continue
		}
		b.WriteString(sep + details[i] + ": " + details[i+1])
		sep = ", "
	}
	if sep == ", " {
		b.WriteString(")")
	}
	if cause != nil {
		fmt.Fprintf(&b, ": %v", cause)
	}
	return b.String()
}

// ScanError is a job-level failure: a bad range, an unusable substrate, a
// lost worker or a rejected state change.
type ScanError struct {
	Code      ErrorCode
	Message   string
	Target    string
	Operation string
	Cause     error
	Context   map[string]interface{}
}

func (e *ScanError) Error() string {
	return render(e.Code, e.Message, e.Cause, "target", e.Target)
}

func (e *ScanError) Unwrap() error { return e.Cause }

// WithContext attaches a key/value detail and returns e.
func (e *ScanError) WithContext(key string, value interface{}) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithOperation records which operation failed.
func (e *ScanError) WithOperation(op string) *ScanError {
	e.Operation = op
	return e
}

func NewScanError(code ErrorCode, message string) *ScanError {
	return &ScanError{Code: code, Message: message}
}

func NewScanErrorWithTarget(code ErrorCode, message, target string) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target}
}

func WrapScanError(code ErrorCode, message string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Cause: err}
}

func WrapScanErrorWithTarget(code ErrorCode, message, target string, err error) *ScanError {
	return &ScanError{Code: code, Message: message, Target: target, Cause: err}
}

// EnumerationError is a failure confined to one host, and optionally one of
// its shares. It never stops a job.
type EnumerationError struct {
	Code    ErrorCode
	Message string
	Host    string
	Share   string
	Cause   error
}

func (e *EnumerationError) Error() string {
	return render(e.Code, e.Message, e.Cause, "host", e.Host, "share", e.Share)
}

func (e *EnumerationError) Unwrap() error { return e.Cause }

// WithShare records the share involved in the failure.
func (e *EnumerationError) WithShare(share string) *EnumerationError {
	e.Share = share
	return e
}

func NewEnumerationError(code ErrorCode, message, host string) *EnumerationError {
	return &EnumerationError{Code: code, Message: message, Host: host}
}

func WrapEnumerationError(code ErrorCode, message, host string, err error) *EnumerationError {
	return &EnumerationError{Code: code, Message: message, Host: host, Cause: err}
}

// IndexError is a share index or browse session failure.
type IndexError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Path      string
	Cause     error
}

func (e *IndexError) Error() string {
	return render(e.Code, e.Message, e.Cause, "session", e.SessionID, "path", e.Path)
}

func (e *IndexError) Unwrap() error { return e.Cause }

func NewIndexError(code ErrorCode, message, sessionID string) *IndexError {
	return &IndexError{Code: code, Message: message, SessionID: sessionID}
}

func WrapIndexError(code ErrorCode, message, sessionID, path string, err error) *IndexError {
	return &IndexError{Code: code, Message: message, SessionID: sessionID, Path: path, Cause: err}
}

// ConfigError reports a bad or unreadable configuration.
type ConfigError struct {
	Code    ErrorCode
	Message string
	Field   string
	Value   interface{}
	Cause   error
}

func (e *ConfigError) Error() string {
	return render(e.Code, e.Message, e.Cause, "field", e.Field)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func NewConfigError(code ErrorCode, message string) *ConfigError {
	return &ConfigError{Code: code, Message: message}
}

func NewConfigFieldError(code ErrorCode, message, field string, value interface{}) *ConfigError {
	return &ConfigError{Code: code, Message: message, Field: field, Value: value}
}

func WrapConfigError(code ErrorCode, message string, err error) *ConfigError {
	return &ConfigError{Code: code, Message: message, Cause: err}
}

// coded is satisfied by every error type in this package.
type coded interface {
	errorCode() ErrorCode
}

func (e *ScanError) errorCode() ErrorCode        { return e.Code }
func (e *EnumerationError) errorCode() ErrorCode { return e.Code }
func (e *IndexError) errorCode() ErrorCode       { return e.Code }
func (e *ConfigError) errorCode() ErrorCode      { return e.Code }

// IsCode reports whether any error in err's chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if c, ok := err.(coded); ok && c.errorCode() == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// GetCode extracts the outermost error code from an error chain.
func GetCode(err error) ErrorCode {
	var c coded
	if stderrors.As(err, &c) {
		return c.errorCode()
	}
	return CodeUnknown
}

// IsRetryable determines if an error indicates a retryable condition.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeTimeout, CodeHostUnreachable, CodeIndexBuildFailed, CodeIndexBuilding, CodeServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsFatal determines if an error indicates a fatal condition that should stop
// a whole scan job rather than a single host.
func IsFatal(err error) bool {
	return IsCode(err, CodeSubstrateUnavailable) ||
		IsCode(err, CodeTransportLost) ||
		IsCode(err, CodeConfiguration)
}

// ErrInvalidRange creates an error for an unparsable address range.
func ErrInvalidRange(rng string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeRangeInvalid, "Invalid address range", rng, err)
}

// ErrRangeTooLarge creates an error for ranges above the configured limit.
func ErrRangeTooLarge(rng string, size, limit uint64) *ScanError {
	return NewScanErrorWithTarget(CodeRangeTooLarge, "Address range exceeds limit", rng).
		WithContext("size", size).
		WithContext("limit", limit)
}

// ErrSubstrateUnavailable creates an error for an unusable connectivity substrate.
func ErrSubstrateUnavailable(substrate string, err error) *ScanError {
	return WrapScanErrorWithTarget(CodeSubstrateUnavailable, "Connectivity substrate unavailable", substrate, err)
}

// ErrTransportLost creates an error for a worker that went away mid-job.
func ErrTransportLost(err error) *ScanError {
	return WrapScanError(CodeTransportLost, "Worker transport lost", err)
}

// ErrInvalidTransition creates an error for a rejected job state change.
func ErrInvalidTransition(from, to string) *ScanError {
	return NewScanError(CodeInvalidTransition, fmt.Sprintf("Invalid job state transition %s -> %s", from, to))
}

// ErrAuthFailed creates an error for rejected credentials.
func ErrAuthFailed(host string, err error) *EnumerationError {
	return WrapEnumerationError(CodeAuthFailed, "Authentication rejected", host, err)
}

// ErrNegotiationFailed creates an error for a failed SMB session setup.
func ErrNegotiationFailed(host string, err error) *EnumerationError {
	return WrapEnumerationError(CodeNegotiationFailed, "Session negotiation failed", host, err)
}

// ErrIndexBuildFailed creates an error for a failed index walk.
func ErrIndexBuildFailed(sessionID, path string, err error) *IndexError {
	return WrapIndexError(CodeIndexBuildFailed, "Index build failed", sessionID, path, err)
}

// ErrIndexBuilding creates an error for a query issued during a build.
func ErrIndexBuilding(sessionID string) *IndexError {
	return NewIndexError(CodeIndexBuilding, "Index build in progress", sessionID)
}

// ErrSessionNotFound creates an error for an unknown browse session.
func ErrSessionNotFound(sessionID string) *IndexError {
	return NewIndexError(CodeSessionNotFound, "Session not found", sessionID)
}

// ErrConfigInvalid creates an error for invalid configuration.
func ErrConfigInvalid(field string, value interface{}) *ConfigError {
	return NewConfigFieldError(CodeValidation, "Invalid configuration value", field, value)
}

// ErrConfigMissing creates an error for missing required configuration.
func ErrConfigMissing(field string) *ConfigError {
	return NewConfigFieldError(CodeConfiguration, "Required configuration field missing", field, nil)
}
