package cdperr

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodePortInUse      = "PORT_IN_USE"
	CodeBinaryNotFound = "BINARY_NOT_FOUND"
	CodeStartupFailed  = "STARTUP_FAILED"
	CodeProcessDied    = "PROCESS_DIED"
	CodeConnectFailure = "CONNECT_FAILURE"
	CodeCommunications = "COMMUNICATIONS"
	CodeTabNotFound    = "TAB_NOT_FOUND"
	CodeValidation     = "VALIDATION"
	CodeClosed         = "CLOSED"
	CodeTimeout        = "TIMEOUT"
)

// CodedError is a typed error used for stable mapping at package boundaries.
type CodedError struct {
	Code    string
	Message string
	Cause   error

	// Transient marks failures that a bounded retry loop may try again.
	Transient bool
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// New returns a terminal coded error.
func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Newf is New with a formatted message and no cause.
func Newf(code, format string, args ...any) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient returns a coded error that retry loops treat as retryable.
func Transient(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause, Transient: true}
}

// Is reports whether err carries a CodedError with the given code.
func Is(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// Code returns the code of the outermost CodedError in err, or "".
func Code(err error) string {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return ""
	}
	return coded.Code
}

// Retryable reports whether err was marked transient.
func Retryable(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Transient
}

// ProcessExit describes a supervised process that exited on its own. It is the
// cause of every PROCESS_DIED error.
type ProcessExit struct {
	PID      int
	ExitCode int
	Stdout   string
	Stderr   string
}

func (p *ProcessExit) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "browser process %d exited with code %d", p.PID, p.ExitCode)
	fmt.Fprintf(&b, "\n\tstdout: %s", p.Stdout)
	fmt.Fprintf(&b, "\n\tstderr: %s", p.Stderr)
	return b.String()
}
