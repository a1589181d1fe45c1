// Package compare checks a freshly produced cell output against the
// reference output recorded in the notebook.
//
// The reference drives the check: every field of the reference must be
// present in the produced output and, unless ignored, equal to it after
// sanitization. Fields only present in the produced output are never looked
// at. Comparison stops at the first failing field.
package compare

import (
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pgbarletta/nbval/internal/sanitize"
	"github.com/pgbarletta/nbval/internal/style"
)

// DefaultIgnore lists the fields skipped by default: image payloads,
// tracebacks, rendered math and the execution counter.
var DefaultIgnore = []string{"png", "jpeg", "traceback", "latex", "execution_count"}

// Fragment is one piece of a diff trail.
type Fragment struct {
	Style style.Token
	Text  string
}

// Diff is the ordered trail recorded by a failed comparison.
type Diff []Fragment

// Lines returns the fragment texts without styling.
func (d Diff) Lines() []string {
	lines := make([]string, len(d))
	for i, f := range d {
		lines[i] = f.Text
	}
	return lines
}

// Comparator compares output field maps.
type Comparator struct {
	ignore    map[string]struct{}
	sanitizer *sanitize.Sanitizer
}

// Option configures a Comparator.
type Option func(*Comparator)

// WithIgnore replaces the ignored field set.
func WithIgnore(fields ...string) Option {
	return func(c *Comparator) {
		c.ignore = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			c.ignore[f] = struct{}{}
		}
	}
}

// WithSanitizer sets the sanitizer applied to both sides before comparing.
// A nil sanitizer only normalizes newlines.
func WithSanitizer(s *sanitize.Sanitizer) Option {
	return func(c *Comparator) {
		if s == nil {
			s = &sanitize.Sanitizer{}
		}
		c.sanitizer = s
	}
}

// New creates a Comparator with DefaultIgnore and the default sanitizer.
func New(opts ...Option) *Comparator {
	c := &Comparator{sanitizer: sanitize.Default()}
	WithIgnore(DefaultIgnore...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ignored reports whether field is skipped.
func (c *Comparator) Ignored(field string) bool {
	_, ok := c.ignore[field]
	return ok
}

// Compare reports whether produced matches reference.
//
// Reference fields are visited in sorted order so the first mismatch is
// deterministic. On failure the returned Diff describes that one field.
func (c *Comparator) Compare(produced, reference map[string]any) (bool, Diff) {
	for _, field := range sortedKeys(reference) {
		got, ok := produced[field]
		if !ok {
			return false, Diff{
				{Style: style.Failure, Text: fmt.Sprintf("missing key %s:", field)},
				{Style: style.Plain, Text: fmt.Sprintf("%v  !=  %v", sortedKeys(produced), sortedKeys(reference))},
			}
		}
		if c.Ignored(field) {
			continue
		}

		want := reference[field]
		if !c.equal(got, want) {
			return false, Diff{
				{Style: style.Failure, Text: fmt.Sprintf("mismatch %s:", field)},
				{Style: style.Plain, Text: formatValue(got)},
				{Style: style.Plain, Text: "  !=  "},
				{Style: style.Plain, Text: formatValue(want)},
			}
		}
	}
	return true, nil
}

func (c *Comparator) equal(got, want any) bool {
	got = c.sanitizer.Sanitize(got)
	want = c.sanitizer.Sanitize(want)

	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok || wok {
		return gok && wok && gs == ws
	}
	return cmp.Equal(got, want, cmpopts.EquateEmpty())
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
