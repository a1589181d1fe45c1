package report

import (
	"errors"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"github.com/pgbarletta/nbval/internal/compare"
	"github.com/pgbarletta/nbval/internal/engine"
	"github.com/pgbarletta/nbval/internal/kernel"
	"github.com/pgbarletta/nbval/internal/notebook"
	"github.com/pgbarletta/nbval/internal/style"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestFailureText_CellFailure(t *testing.T) {
	cell := notebook.Cell{Kind: notebook.CellCode, Source: `print("hello")`}
	err := &engine.CellFailure{
		Index:       3,
		Description: cell.Description(),
		Source:      cell.Source,
		Diff: compare.Diff{
			{Style: style.Failure, Text: "missing key output_type:"},
			{Style: style.Plain, Text: "[]  !=  [output_type stream text]"},
		},
	}

	newGoldie(t).Assert(t, "cell_failure", []byte(FailureText(PlainTheme(), 3, cell, err)))
}

func TestFailureText_Timeout(t *testing.T) {
	cell := notebook.Cell{Kind: notebook.CellCode, Source: "while True:\n    pass"}
	err := &engine.ExecutionError{
		Code:    engine.ErrCodeTimeout,
		Index:   2,
		Message: "execution timed out",
		Err:     kernel.ErrTimeout,
	}

	newGoldie(t).Assert(t, "timeout", []byte(FailureText(PlainTheme(), 2, cell, err)))
}

func TestFailureText_HarnessError(t *testing.T) {
	cell := notebook.Cell{Kind: notebook.CellCode, Source: "x"}
	got := FailureText(PlainTheme(), 0, cell, errors.New("kernel died"))
	assert.Equal(t, "harness error: kernel died", got)
}

func TestFailureText_NoError(t *testing.T) {
	assert.Empty(t, FailureText(PlainTheme(), 0, notebook.Cell{}, nil))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "cell 4: import numpy as np",
		Label(4, notebook.Cell{Source: "import numpy as np\nnp.zeros(3)"}))
	assert.Equal(t, "cell 0: no description", Label(0, notebook.Cell{}))
	assert.Equal(t, "cell 3: no description", Label(3, notebook.Cell{Source: "\nx = 1"}))
}

func TestTheme_Plain(t *testing.T) {
	th := PlainTheme()
	assert.Equal(t, "mismatch text:", th.Render(style.Failure, "mismatch text:"))

	var zero Theme
	assert.Equal(t, "x", zero.Render(style.Header, "x"))
}

func TestTheme_Color(t *testing.T) {
	th := ColorTheme()

	out := th.Render(style.Failure, "line one\nline two")
	assert.Contains(t, out, "line one")
	assert.Contains(t, out, "line two")
	assert.Equal(t, "plain", th.Render(style.Plain, "plain"), "Plain has no style")
}

func TestTheme_Diff(t *testing.T) {
	d := compare.Diff{
		{Style: style.Failure, Text: "mismatch text:"},
		{Style: style.Plain, Text: "a"},
		{Style: style.Plain, Text: "  !=  "},
		{Style: style.Plain, Text: "b"},
	}
	assert.Equal(t, "mismatch text:\na\n  !=  \nb", PlainTheme().Diff(d))
}
