package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		CodeUnknown,
		CodeValidation,
		CodeConfiguration,
		CodeTimeout,
		CodeCanceled,
		CodePermission,
		CodeNotFound,
		CodeConflict,
		CodeHostUnreachable,
		CodeRangeInvalid,
		CodeRangeTooLarge,
		CodeSubstrateUnavailable,
		CodeTransportLost,
		CodeScanFailed,
		CodeInvalidTransition,
		CodeAuthFailed,
		CodeNegotiationFailed,
		CodeEnumerationFailed,
		CodeShareUnavailable,
		CodeIndexBuilding,
		CodeIndexBuildFailed,
		CodeSessionNotFound,
		CodeServiceUnavailable,
		CodeRateLimited,
	}

	seen := make(map[ErrorCode]bool)
	for _, code := range codes {
		if string(code) == "" {
			t.Errorf("Error code %v should not be empty", code)
		}
		if seen[code] {
			t.Errorf("Error code %s is duplicated", code)
		}
		seen[code] = true
	}
}

func TestScanError(t *testing.T) {
	t.Run("basic error creation", func(t *testing.T) {
		err := NewScanError(CodeScanFailed, "scan failed")
		if err.Code != CodeScanFailed {
			t.Errorf("Expected code %s, got %s", CodeScanFailed, err.Code)
		}
		if err.Error() != "[SCAN_FAILED] scan failed" {
			t.Errorf("Unexpected message: %s", err.Error())
		}
	})

	t.Run("error with target and cause", func(t *testing.T) {
		cause := fmt.Errorf("dial tcp: connection refused")
		err := WrapScanErrorWithTarget(CodeSubstrateUnavailable, "proxy down", "socks5://127.0.0.1:1337", cause)
		if !strings.Contains(err.Error(), "target: socks5://127.0.0.1:1337") {
			t.Errorf("Expected target in message, got %s", err.Error())
		}
		if !errors.Is(err, cause) {
			t.Error("Expected cause to be reachable through Unwrap")
		}
	})

	t.Run("with context and operation", func(t *testing.T) {
		err := NewScanError(CodeTimeout, "slow").WithContext("attempt", 2).WithOperation("probe")
		if err.Context["attempt"] != 2 {
			t.Errorf("Expected context attempt=2, got %v", err.Context["attempt"])
		}
		if err.Operation != "probe" {
			t.Errorf("Expected operation probe, got %s", err.Operation)
		}
	})
}

func TestEnumerationError(t *testing.T) {
	cause := errors.New("logon failure")
	err := ErrAuthFailed("10.0.0.5", cause).WithShare("public")

	if err.Code != CodeAuthFailed {
		t.Errorf("Expected %s, got %s", CodeAuthFailed, err.Code)
	}
	msg := err.Error()
	for _, want := range []string{"AUTH_FAILED", "host: 10.0.0.5", "share: public", "logon failure"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected %q in %q", want, msg)
		}
	}
	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to find cause")
	}
}

func TestIndexError(t *testing.T) {
	t.Run("without path", func(t *testing.T) {
		err := ErrSessionNotFound("abc")
		if err.Error() != "[SESSION_NOT_FOUND] Session not found (session: abc)" {
			t.Errorf("Unexpected message: %s", err.Error())
		}
	})

	t.Run("with path", func(t *testing.T) {
		err := ErrIndexBuildFailed("abc", "a/c", errors.New("reset"))
		if !strings.Contains(err.Error(), "path: a/c") {
			t.Errorf("Expected path in message: %s", err.Error())
		}
	})
}

func TestConfigError(t *testing.T) {
	err := ErrConfigInvalid("scanning.port", 0)
	if err.Field != "scanning.port" {
		t.Errorf("Expected field scanning.port, got %s", err.Field)
	}
	if !strings.Contains(err.Error(), "field: scanning.port") {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	missing := ErrConfigMissing("api.listen_addr")
	if missing.Code != CodeConfiguration {
		t.Errorf("Expected %s, got %s", CodeConfiguration, missing.Code)
	}
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct scan error", NewScanError(CodeTimeout, "t"), CodeTimeout, true},
		{"wrong code", NewScanError(CodeTimeout, "t"), CodeScanFailed, false},
		{"wrapped with fmt", fmt.Errorf("outer: %w", ErrTransportLost(nil)), CodeTransportLost, true},
		{
			"nested package errors",
			WrapEnumerationError(CodeEnumerationFailed, "x", "h", ErrSubstrateUnavailable("direct", nil)),
			CodeSubstrateUnavailable,
			true,
		},
		{"plain error", errors.New("plain"), CodeUnknown, false},
		{"nil", nil, CodeUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Errorf("IsCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(errors.New("plain")); got != CodeUnknown {
		t.Errorf("Expected %s, got %s", CodeUnknown, got)
	}
	if got := GetCode(fmt.Errorf("ctx: %w", ErrIndexBuilding("s"))); got != CodeIndexBuilding {
		t.Errorf("Expected %s, got %s", CodeIndexBuilding, got)
	}
	if got := GetCode(NewConfigError(CodeConfiguration, "bad")); got != CodeConfiguration {
		t.Errorf("Expected %s, got %s", CodeConfiguration, got)
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []error{
		NewScanError(CodeTimeout, "t"),
		ErrIndexBuildFailed("s", "", nil),
		ErrIndexBuilding("s"),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("Expected %v to be retryable", err)
		}
	}

	if IsRetryable(ErrAuthFailed("h", nil)) {
		t.Error("Auth failures should not be retryable")
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"substrate", ErrSubstrateUnavailable("socks5", nil), true},
		{"transport lost", ErrTransportLost(nil), true},
		{"wrapped substrate", ErrNegotiationFailed("h", ErrSubstrateUnavailable("socks5", nil)), true},
		{"config", ErrConfigMissing("x"), true},
		{"auth", ErrAuthFailed("h", nil), false},
		{"index", ErrIndexBuildFailed("s", "", nil), false},
		{"plain", errors.New("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.want {
				t.Errorf("IsFatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrRangeTooLarge(t *testing.T) {
	err := ErrRangeTooLarge("10.0.0.0/8", 1<<24, 1<<16)
	if err.Context["size"] != uint64(1<<24) {
		t.Errorf("Expected size in context, got %v", err.Context["size"])
	}
	if err.Target != "10.0.0.0/8" {
		t.Errorf("Expected target 10.0.0.0/8, got %s", err.Target)
	}
}

func TestErrInvalidTransition(t *testing.T) {
	err := ErrInvalidTransition("completed", "enumerating")
	if !strings.Contains(err.Error(), "completed -> enumerating") {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
