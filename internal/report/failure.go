package report

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pgbarletta/nbval/internal/engine"
	"github.com/pgbarletta/nbval/internal/notebook"
	"github.com/pgbarletta/nbval/internal/style"
)

// FailureText renders the failure of the cell at index.
//
// Output mismatches and timeouts get the full cell block:
//
//	Notebook execution failed
//	Cell 3: print("hello")
//
//	Input:
//	print("hello")
//
//	Traceback:
//	missing key output_type:
//	...
//
// Anything else is reported as a harness error.
func FailureText(t Theme, index int, cell notebook.Cell, err error) string {
	var cf *engine.CellFailure
	switch {
	case errors.As(err, &cf):
		return cellBlock(t, "Notebook execution failed", cf.Index, cf.Description, cf.Source, t.Diff(cf.Diff))
	case engine.IsTimeout(err):
		return cellBlock(t, "Execution timed out", index, cell.Description(), cell.Source, t.Render(style.Failure, err.Error()))
	case err == nil:
		return ""
	default:
		return t.Render(style.Failure, "harness error: ") + err.Error()
	}
}

func cellBlock(t Theme, headline string, index int, description, source, trail string) string {
	var sb strings.Builder
	sb.WriteString(t.Render(style.Header, headline))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Cell %d: %s\n\n", index, description)
	sb.WriteString(t.Render(style.Info, "Input:"))
	fmt.Fprintf(&sb, "\n%s\n\n", source)
	sb.WriteString(t.Render(style.Info, "Traceback:"))
	fmt.Fprintf(&sb, "\n%s\n", trail)
	return sb.String()
}

// Label returns the item label "cell N: description".
func Label(index int, cell notebook.Cell) string {
	return fmt.Sprintf("cell %d: %s", index, cell.Description())
}
