package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/pgbarletta/nbval/internal/report"
)

// CanonicalMap converts the result to a map[string]any for
// report.MarshalCanonical.
func (r *Result) CanonicalMap() map[string]any {
	items := make([]any, len(r.Items))
	for i, item := range r.Items {
		m := map[string]any{
			"index":   item.Index,
			"label":   item.Label,
			"outcome": string(item.Outcome),
			"state":   item.State,
			"outputs": item.Outputs,
		}
		if item.Failure != "" {
			m["failure"] = item.Failure
		}
		items[i] = m
	}

	errs := make([]any, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}

	return map[string]any{
		"path":   r.Path,
		"pass":   r.Pass,
		"items":  items,
		"errors": errs,
	}
}

// MarshalResults encodes results as one canonical JSON document.
func MarshalResults(results ...*Result) ([]byte, error) {
	list := make([]any, len(results))
	for i, r := range results {
		list[i] = r.CanonicalMap()
	}
	return report.MarshalCanonical(map[string]any{"notebooks": list})
}

// AssertGolden compares the result against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := report.MarshalCanonical(result.CanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
