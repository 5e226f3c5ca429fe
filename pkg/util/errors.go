// Package util provides the shared logger, coded error types, and small
// path/string helpers used across telebrowse.
package util

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced at the CLI and HTTP boundaries.
const (
	CodeAuth              = "auth"
	CodeAuthEncryptedKey  = "auth/encrypted-key-needs-passphrase"
	CodeNotConnected      = "transport/not-connected"
	CodeConnection        = "connection"
	CodeTimeout           = "timeout"
	CodeExec              = "exec"
	CodePortForward       = "port-forward"
	CodeBrowserNotFound   = "browser/not-found"
	CodeBrowserLaunch     = "browser/launch-failed"
	CodeBrowserTimeout    = "browser/launch-timeout"
	CodeCDPClosed         = "cdp/transport-closed"
	CodeCDPTimeout        = "cdp/timeout"
	CodeCDPProtocol       = "cdp/protocol"
	CodeCDPNoTarget       = "cdp/no-target"
	CodeNavFailed         = "page/nav-failed"
	CodeNavTimeout        = "page/nav-timeout"
	CodeEvalFailed        = "page/eval-failed"
	CodeConfigInvalid     = "config/invalid"
	CodeConfigIO          = "config/io"
	CodeValidation        = "validation"
	CodeStartFailed       = "session/start-failed"
	CodeAlreadyActive     = "session/already-active"
	CodeNotActive         = "session/not-active"
	CodeNotFound          = "not-found"
)

// CodedError carries a stable machine-readable code alongside the
// human-readable message. The boundary layers (CLI, HTTP) map the code to
// exit statuses and HTTP statuses; everything in between just wraps.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// Is matches any *CodedError with the same code, so callers can test
// errors.Is(err, util.Coded(util.CodeTimeout)).
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	return ok && t.Code == e.Code
}

// E creates a coded error with a formatted message.
func E(code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapE wraps an existing error under a code, preserving the cause chain.
func WrapE(code string, err error, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Coded returns a bare matcher for errors.Is comparisons against a code.
func Coded(code string) *CodedError {
	return &CodedError{Code: code}
}

// CodeOf walks the error chain and returns the first stable code found,
// or "internal" if the chain carries none.
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "internal"
}

// ExecError reports a remote command that ran but exited nonzero.
type ExecError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("exec %q: exit %d: %s", e.Command, e.ExitCode, e.Stderr)
}

func (e *ExecError) Unwrap() error {
	return Coded(CodeExec)
}

// ValidationError reports a rejected field on a connection descriptor or
// request body.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return Coded(CodeValidation)
}

// NewValidationError creates a validation error for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
