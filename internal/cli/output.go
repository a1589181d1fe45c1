package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pgbarletta/nbval/internal/harness"
	"github.com/pgbarletta/nbval/internal/report"
	"github.com/pgbarletta/nbval/internal/style"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // every cell passed
	ExitFailure      = 1 // at least one cell failed
	ExitCommandError = 2 // bad arguments, config, notebook or kernel session
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
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

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitCommandError for plain errors.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// OutputFormatter writes check results as text or canonical JSON.
type OutputFormatter struct {
	Format string
	Writer io.Writer
	Theme  report.Theme
}

// Results writes the results of one check run.
func (f *OutputFormatter) Results(results []*harness.Result) error {
	if f.Format == "json" {
		data, err := harness.MarshalResults(results...)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		_, err = fmt.Fprintf(f.Writer, "%s\n", data)
		return err
	}

	var pass, fail, errored int
	for _, r := range results {
		f.notebook(r)
		p, fl, e := r.Counts()
		pass += p
		fail += fl
		errored += e + len(r.Errors)
	}
	summary := fmt.Sprintf("%d passed, %d failed, %d errors", pass, fail, errored)
	tok := style.Success
	if fail > 0 || errored > 0 {
		tok = style.Failure
	}
	fmt.Fprintln(f.Writer, f.Theme.Render(tok, summary))
	return nil
}

func (f *OutputFormatter) notebook(r *harness.Result) {
	w := f.Writer
	fmt.Fprintln(w, f.Theme.Render(style.Header, r.Path))
	for _, item := range r.Items {
		switch item.Outcome {
		case harness.OutcomePass:
			fmt.Fprintf(w, "  %s %s\n", f.Theme.Render(style.Success, "✓"), item.Label)
		case harness.OutcomeFail:
			fmt.Fprintf(w, "  %s %s\n", f.Theme.Render(style.Failure, "✗"), item.Label)
			fmt.Fprintln(w, indent(item.Failure, "    "))
		default:
			fmt.Fprintf(w, "  %s %s\n", f.Theme.Render(style.Warning, "!"), item.Label)
			fmt.Fprintln(w, indent(item.Failure, "    "))
		}
	}
	for _, e := range r.Errors {
		fmt.Fprintf(w, "  %s %s\n", f.Theme.Render(style.Warning, "!"), e)
	}
}

func indent(text, prefix string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}
