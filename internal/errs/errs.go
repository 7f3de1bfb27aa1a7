// Package errs defines the closed error taxonomy shared by every layer of
// the server. Callers branch on Code, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class. The set is closed; the RPC layer maps
// these 1:1 onto its own status codes.
type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"
	CodeStale           Code = "STALE"
	CodeCapacity        Code = "CAPACITY"
	CodeBrowserGone     Code = "BROWSER_GONE"
	CodePageClosed      Code = "PAGE_CLOSED"
	CodeTimeout         Code = "TIMEOUT"
	CodeCDPProtocol     Code = "CDP_PROTOCOL"
	CodeTransportClosed Code = "TRANSPORT_CLOSED"
	CodeLagged          Code = "LAGGED"
	CodeInternal        Code = "INTERNAL"
)

// Error carries a Code plus a human-readable message and optional
// structured details. Messages never echo sensitive inputs.
type Error struct {
	Code    Code
	Message string
	Details map[string]any

	// ProtocolCode holds Chromium's numeric error code verbatim when
	// Code is CodeCDPProtocol.
	ProtocolCode int64

	cause error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports code equality, so errors.Is(err, &Error{Code: c}) and the
// sentinel helpers below both work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// New constructs an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, keeping it unwrappable.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Protocol builds a CDP_PROTOCOL error preserving Chromium's numeric code
// and message verbatim.
func Protocol(code int64, message string) *Error {
	return &Error{Code: CodeCDPProtocol, Message: message, ProtocolCode: code}
}

// CodeOf extracts the Code from err, or CodeInternal for foreign errors.
// A nil err has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
