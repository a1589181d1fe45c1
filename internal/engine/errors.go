package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pgbarletta/nbval/internal/compare"
)

// ExecutionError reports that a cell could not be executed to the end.
//
// Execution errors include:
//   - Timeout: no execute_reply within the reply timeout
//   - Submit failed: the execute_request could not be sent
//   - Session closed: the kernel went away mid-cell
type ExecutionError struct {
	// Code identifies the error category.
	Code ExecutionErrorCode

	// Index is the cell index within the notebook.
	Index int

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// ExecutionErrorCode categorizes execution errors.
type ExecutionErrorCode string

const (
	// ErrCodeTimeout indicates the kernel did not reply in time.
	ErrCodeTimeout ExecutionErrorCode = "TIMEOUT"

	// ErrCodeSubmitFailed indicates the request never reached the kernel.
	ErrCodeSubmitFailed ExecutionErrorCode = "SUBMIT_FAILED"

	// ErrCodeSessionClosed indicates the session stopped during the cell.
	ErrCodeSessionClosed ExecutionErrorCode = "SESSION_CLOSED"
)

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: cell %d: %s: %v", e.Code, e.Index, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: cell %d: %s", e.Code, e.Index, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CellFailure is the structured failure of a cell whose outputs did not
// match the recorded ones.
type CellFailure struct {
	Index       int
	Description string
	Source      string

	// Diff is the accumulated trail of every failing output pair.
	Diff compare.Diff
}

// Error implements the error interface.
func (f *CellFailure) Error() string {
	return fmt.Sprintf("cell %d: %s: outputs differ", f.Index, f.Description)
}

// Trail joins the diff fragments into one plain-text block.
func (f *CellFailure) Trail() string {
	return strings.Join(f.Diff.Lines(), "\n")
}

// IsTimeout returns true if err is an execution timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeTimeout
	}
	return false
}

// IsCellFailure returns true if err is an output mismatch.
func IsCellFailure(err error) bool {
	var cf *CellFailure
	return errors.As(err, &cf)
}
