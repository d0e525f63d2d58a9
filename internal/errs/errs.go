// Package errs defines the error-kind taxonomy that replaces the original
// exception-driven control flow (§9 of the design notes): retries and
// fallbacks key off an explicit Kind, never off a caught exception class
// or a string match.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error kinds from the error handling design.
type Kind string

const (
	Config            Kind = "config"
	NoServiceAvailable Kind = "no_service_available"
	Unavailable       Kind = "unavailable"
	Timeout           Kind = "timeout"
	Protocol          Kind = "protocol"
	Security          Kind = "security"
	Cancelled         Kind = "cancelled"
)

// OxideError carries a Kind so callers can switch on policy without
// inspecting message strings.
type OxideError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *OxideError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OxideError) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *OxideError {
	return &OxideError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *OxideError {
	return &OxideError{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Protocol for any error
// that didn't originate as an *OxideError — an adapter returning a plain
// error (e.g. a JSON decode failure) is treated as a malformed stream.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var oe *OxideError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Protocol
}

// Retryable reports whether the orchestrator should retry in place
// (as opposed to walking to the next fallback or failing fatally).
// Timeout is deliberately excluded: a timed-out backend is treated the
// same as Unavailable and walked away from immediately, not retried.
func Retryable(kind Kind) bool {
	return kind == Protocol
}

// Fatal reports whether the kind should never be retried or fallen back
// from — it aborts the whole request immediately.
func Fatal(kind Kind) bool {
	switch kind {
	case Config, Security, Cancelled:
		return true
	default:
		return false
	}
}
