package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record has the requested id.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidState is returned when an operation is not allowed in the record's current status.
	ErrInvalidState = errors.New("invalid record state")
)

// TransientNetworkError represents timeouts, refused or reset connections and
// DNS failures. They are retried silently.
type TransientNetworkError struct {
	Operation string // The operation that failed (e.g., "fetch", "extract")
	Reason    string // Human-readable explanation
	Err       error  // Underlying error, if any
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Reason)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// ResourceError represents local resource failures such as a full disk,
// denied permissions or a conflicting file.
type ResourceError struct {
	Path   string // The path involved, if any
	Reason string // Human-readable explanation
	Err    error  // Underlying error, if any
}

func (e *ResourceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("resource error: %s", e.Reason)
	}

	return fmt.Sprintf("resource error for '%s': %s", e.Path, e.Reason)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}

// ProtocolError represents malformed URLs, checksum mismatches and formats
// rejected by the source. Fallback is set when another strategy may still succeed.
type ProtocolError struct {
	URL      string // The source URL, if known
	Reason   string // Human-readable explanation
	Fallback bool   // Whether a fallback strategy is worth trying
	Err      error  // Underlying error, if any
}

func (e *ProtocolError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}

	return fmt.Sprintf("protocol error for %s: %s", e.URL, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ProcessError represents spawn failures and unexpected process termination.
type ProcessError struct {
	Program  string // The backend program name
	ExitCode int    // Exit code, -1 when terminated by a signal
	Signal   string // Terminating signal, if any
	Err      error  // Underlying error, if any
}

func (e *ProcessError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("%s terminated by signal %s", e.Program, e.Signal)
	}

	if e.Err != nil && e.ExitCode == 0 {
		return fmt.Sprintf("%s failed: %v", e.Program, e.Err)
	}

	return fmt.Sprintf("%s exited with code %d", e.Program, e.ExitCode)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Class is the retry classification of a failure.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassResource
	ClassProtocol
	ClassProcess
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassResource:
		return "resource"
	case ClassProtocol:
		return "protocol"
	case ClassProcess:
		return "process"
	}

	return "unknown"
}

// Retryable reports whether the class is retried rather than surfaced.
func (c Class) Retryable() bool {
	return c == ClassTransient
}

// Classify maps an error chain to its class. Untyped errors count as process failures.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var (
		netErr  *TransientNetworkError
		resErr  *ResourceError
		protErr *ProtocolError
		procErr *ProcessError
	)

	switch {
	case errors.As(err, &netErr):
		return ClassTransient
	case errors.As(err, &resErr):
		return ClassResource
	case errors.As(err, &protErr):
		return ClassProtocol
	case errors.As(err, &procErr):
		return ClassProcess
	}

	return ClassProcess
}

// Reason returns the short text shown to the user for a terminal failure.
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var (
		netErr  *TransientNetworkError
		resErr  *ResourceError
		protErr *ProtocolError
		procErr *ProcessError
	)

	switch {
	case errors.As(err, &netErr):
		return "Network error: " + netErr.Reason
	case errors.As(err, &resErr):
		return resErr.Reason
	case errors.As(err, &protErr):
		return protErr.Reason
	case errors.As(err, &procErr):
		return procErr.Error()
	}

	return err.Error()
}
