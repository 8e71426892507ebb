package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/dan-solli/ontograph/pkg/incremental"
)

// Exit codes for CLI commands.
const (
	ExitSuccess = 0 // Successful execution
	ExitFailure = 1 // A unit failed, or a stage could not run
	ExitUsage   = 2 // Bad arguments, flags or configuration
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (ExitFailure or ExitUsage)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that are not an
// ExitError come from cobra's own argument and flag parsing, so they map
// to ExitUsage.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitUsage
}

// stageResult reports one stage run and turns its outcome into the command
// error: a stage error or any failed unit exits 1.
func stageResult(w io.Writer, name, article string, summary *incremental.Summary, err error) error {
	if summary != nil {
		summary.WriteReport(w)
	}
	if err != nil {
		return WrapExitError(ExitFailure, fmt.Sprintf("%s %q", name, article), err)
	}
	if summary != nil && summary.Failed() {
		return NewExitError(ExitFailure, fmt.Sprintf("%s %q: %d units failed", name, article, summary.Errors))
	}
	return nil
}
