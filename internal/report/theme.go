package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/pgbarletta/nbval/internal/compare"
	"github.com/pgbarletta/nbval/internal/style"
)

// Theme resolves style tokens to terminal styles.
// The zero Theme renders plain text.
type Theme struct {
	styles map[style.Token]lipgloss.Style
}

// ColorTheme returns the terminal theme.
func ColorTheme() Theme {
	return Theme{styles: map[style.Token]lipgloss.Style{
		style.Header:  lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true),
		style.Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		style.Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		style.Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		style.Failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}}
}

// PlainTheme returns a theme without any styling, for files and pipes.
func PlainTheme() Theme {
	return Theme{}
}

// Render styles text with the token's style.
//
// Lines are styled one at a time so multi-line values are not padded to a
// common width.
func (t Theme) Render(tok style.Token, text string) string {
	s, ok := t.styles[tok]
	if !ok {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = s.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// Diff renders a diff trail, one fragment per line.
func (t Theme) Diff(d compare.Diff) string {
	parts := make([]string, len(d))
	for i, f := range d {
		parts[i] = t.Render(f.Style, f.Text)
	}
	return strings.Join(parts, "\n")
}
