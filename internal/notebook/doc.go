// Package notebook provides the document model that nbval checks.
//
// A Notebook is a list of worksheets, each an ordered list of cells. Only
// code cells are executed; every cell carries the outputs captured when the
// notebook was authored, and those outputs are the reference the checker
// compares fresh outputs against.
//
// # Formats
//
// Both on-disk notebook formats are understood:
//
//   - nbformat 3: top-level "worksheets", cell source under "input",
//     results as "pyout"/"pyerr" with MIME payloads flattened onto the
//     output ("text", "png", "latex", ...).
//   - nbformat 4: top-level "cells", cell source under "source", results as
//     "execute_result"/"error" with MIME payloads nested under "data".
//
// A v4 notebook is loaded as a single worksheet so callers see one shape.
//
// # Outputs
//
// Output is a sealed sum type with one variant per output kind. Fields
// flattens any variant into the attribute map the comparator works on, using
// the attribute names produced by AttrName for MIME payloads.
package notebook
