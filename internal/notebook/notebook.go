package notebook

import "strings"

// CellKind tags a cell's type. Only KindCode cells are executed.
type CellKind string

const (
	CellCode     CellKind = "code"
	CellMarkdown CellKind = "markdown"
	CellRaw      CellKind = "raw"
	CellHeading  CellKind = "heading" // nbformat 3 only
)

// NoDescription is the description of a cell with no source.
const NoDescription = "no description"

// Notebook is a loaded notebook document.
type Notebook struct {
	// Path is the file the notebook was loaded from (empty for Parse).
	Path string

	// Format is the major nbformat version (3 or 4).
	Format int

	// Worksheets holds the cells. nbformat 4 documents have exactly one.
	Worksheets []Worksheet
}

// Worksheet is an ordered list of cells.
type Worksheet struct {
	Cells []Cell
}

// Cell is one notebook cell together with its recorded outputs.
// Cells are never mutated after load.
type Cell struct {
	Kind    CellKind
	Source  string
	Outputs []Output
}

// Description returns the first line of the cell source, or NoDescription
// when that line is empty.
func (c Cell) Description() string {
	first, _, _ := strings.Cut(c.Source, "\n")
	if first == "" {
		return NoDescription
	}
	return first
}

// IndexedCell pairs a code cell with its position in the document.
type IndexedCell struct {
	// Index counts every cell before this one, across worksheets,
	// including non-code cells.
	Index int
	Cell  Cell
}

// CodeCells returns the code cells in document order.
func (nb *Notebook) CodeCells() []IndexedCell {
	var cells []IndexedCell
	index := 0
	for _, ws := range nb.Worksheets {
		for _, cell := range ws.Cells {
			if cell.Kind == CellCode {
				cells = append(cells, IndexedCell{Index: index, Cell: cell})
			}
			index++
		}
	}
	return cells
}
