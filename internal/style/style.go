// Package style names the presentation roles used in reports.
//
// Producers (the comparator, the harness) tag text with a Token; the
// reporting layer decides what a token looks like on the current output.
package style

// Token is a named presentation role.
type Token int

const (
	Plain Token = iota
	Header
	Info
	Success
	Warning
	Failure
)

var tokenNames = [...]string{
	Plain:   "plain",
	Header:  "header",
	Info:    "info",
	Success: "success",
	Warning: "warning",
	Failure: "failure",
}

// String returns the token name.
func (t Token) String() string {
	if t < 0 || int(t) >= len(tokenNames) {
		return "unknown"
	}
	return tokenNames[t]
}
