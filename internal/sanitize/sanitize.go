// Package sanitize normalizes volatile substrings in cell output before it is
// compared against the reference output stored in a notebook.
//
// Text goes through the following steps, in order:
//
//  1. Timestamped log lines ("[...] INFO: ...", DEBUG, WARNING) are replaced
//     by fixed tokens.
//  2. matplotlib UserWarning lines become "MATPLOTLIB USERWARNING".
//  3. gmsh "Info    :" lines become "GMSH INFO".
//  4. "\r\n" line endings become "\n".
//  5. Trailing newlines are removed. Other trailing whitespace is kept.
//  6. Hexadecimal addresses ("0x7f...") become "0xFFFFFFFF".
//  7. UUIDs become "U-U-I-D".
//
// Values that are not strings are returned unchanged.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule replaces every match of Pattern with Replacement.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// NewRule compiles a rule. Replacement may use $1-style group references.
func NewRule(pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid sanitize pattern %q: %w", pattern, err)
	}
	return Rule{Pattern: re, Replacement: replacement}, nil
}

func (r Rule) apply(s string) string {
	return r.Pattern.ReplaceAllString(s, r.Replacement)
}

// Line rules run before newline normalization.
var lineRules = []Rule{
	{regexp.MustCompile(`\[.*\] INFO:.*`), "FINMAG INFO:"},
	{regexp.MustCompile(`\[.*\] DEBUG:.*`), "FINMAG DEBUG:"},
	{regexp.MustCompile(`\[.*\] WARNING:.*`), "FINMAG WARNING:"},
	{regexp.MustCompile(`.*/matplotlib/.*UserWarning:.*`), "MATPLOTLIB USERWARNING"},
	{regexp.MustCompile(`Info    :.*`), "GMSH INFO"},
}

// Token rules run after trailing newlines are stripped.
var tokenRules = []Rule{
	{regexp.MustCompile(`0x[a-f0-9]+`), "0xFFFFFFFF"},
	{regexp.MustCompile(`[a-f0-9]{8}(\-[a-f0-9]{4}){3}\-[a-f0-9]{12}`), "U-U-I-D"},
}

// Sanitizer holds an ordered rule set. The zero value applies only the
// newline steps; use Default for the full set.
type Sanitizer struct {
	line  []Rule
	token []Rule
}

// Default returns a Sanitizer with the built-in rules.
func Default() *Sanitizer {
	return &Sanitizer{line: lineRules, token: tokenRules}
}

// WithRules returns a copy of s that also applies extra after the built-in
// token rules.
func (s *Sanitizer) WithRules(extra ...Rule) *Sanitizer {
	token := make([]Rule, 0, len(s.token)+len(extra))
	token = append(token, s.token...)
	token = append(token, extra...)
	return &Sanitizer{line: s.line, token: token}
}

// Sanitize normalizes v if it is a string and returns it unchanged otherwise.
func (s *Sanitizer) Sanitize(v any) any {
	text, ok := v.(string)
	if !ok {
		return v
	}
	return s.String(text)
}

// String normalizes a single text value.
func (s *Sanitizer) String(text string) string {
	for _, r := range s.line {
		text = r.apply(text)
	}

	// "\r\r\n" collapses in two passes, so repeat until stable.
	for strings.Contains(text, "\r\n") {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}

	text = strings.TrimRight(text, "\n")

	for _, r := range s.token {
		text = r.apply(text)
	}
	return text
}

// Sanitize normalizes v with the default rule set.
func Sanitize(v any) any {
	return defaultSanitizer.Sanitize(v)
}

var defaultSanitizer = Default()
