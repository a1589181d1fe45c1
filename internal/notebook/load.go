package notebook

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// rawNotebook covers the top level of both nbformat 3 and 4.
type rawNotebook struct {
	NBFormat   int            `json:"nbformat"`
	Worksheets []rawWorksheet `json:"worksheets"` // v3
	Cells      []rawCell      `json:"cells"`      // v4
}

type rawWorksheet struct {
	Cells []rawCell `json:"cells"`
}

type rawCell struct {
	CellType string            `json:"cell_type"`
	Input    json.RawMessage   `json:"input"`  // v3 code cells
	Source   json.RawMessage   `json:"source"` // v3 text cells, all v4 cells
	Outputs  []json.RawMessage `json:"outputs"`
}

// Load reads and parses a notebook file.
func Load(path string) (*Notebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open notebook: %w", err)
	}
	defer f.Close()

	nb, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	nb.Path = path
	return nb, nil
}

// Parse decodes a notebook document from r.
func Parse(r io.Reader) (*Notebook, error) {
	var raw rawNotebook
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse notebook JSON: %w", err)
	}

	switch raw.NBFormat {
	case 3:
		nb := &Notebook{Format: 3}
		for i, ws := range raw.Worksheets {
			cells, err := convertCells(ws.Cells, 3)
			if err != nil {
				return nil, fmt.Errorf("worksheet %d: %w", i, err)
			}
			nb.Worksheets = append(nb.Worksheets, Worksheet{Cells: cells})
		}
		return nb, nil
	case 4:
		cells, err := convertCells(raw.Cells, 4)
		if err != nil {
			return nil, err
		}
		return &Notebook{Format: 4, Worksheets: []Worksheet{{Cells: cells}}}, nil
	default:
		return nil, fmt.Errorf("unsupported nbformat %d (want 3 or 4)", raw.NBFormat)
	}
}

func convertCells(raws []rawCell, format int) ([]Cell, error) {
	cells := make([]Cell, 0, len(raws))
	for i, rc := range raws {
		cell, err := convertCell(rc, format)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func convertCell(rc rawCell, format int) (Cell, error) {
	cell := Cell{Kind: CellKind(rc.CellType)}

	src := rc.Source
	if format == 3 && cell.Kind == CellCode {
		src = rc.Input
	}
	source, err := decodeMultiline(src)
	if err != nil {
		return Cell{}, fmt.Errorf("source: %w", err)
	}
	cell.Source = source

	for i, ro := range rc.Outputs {
		out, err := convertOutput(ro, format)
		if err != nil {
			return Cell{}, fmt.Errorf("output %d: %w", i, err)
		}
		cell.Outputs = append(cell.Outputs, out)
	}
	return cell, nil
}

// decodeMultiline decodes an nbformat multi-line string: either a plain
// string or a list of lines to be concatenated. Missing values decode to "".
func decodeMultiline(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch s := joinLines(v).(type) {
	case string:
		return s, nil
	default:
		return "", fmt.Errorf("expected string or list of strings, got %T", v)
	}
}

func convertOutput(raw json.RawMessage, format int) (Output, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	outputType, _ := fields["output_type"].(string)

	switch outputType {
	case "stream":
		name, _ := fields["name"].(string)
		if format == 3 {
			name, _ = fields["stream"].(string)
		}
		text, _ := joinLines(fields["text"]).(string)
		return StreamOutput{Name: name, Text: text}, nil

	case "display_data":
		data, metadata := mimeData(fields, format)
		return DisplayOutput{Data: data, Metadata: metadata}, nil

	case "execute_result", "pyout":
		data, metadata := mimeData(fields, format)
		out := ResultOutput{Data: data, Metadata: metadata}
		countKey := "execution_count"
		if format == 3 {
			countKey = "prompt_number"
		}
		if n, ok := fields[countKey].(float64); ok {
			count := int(n)
			out.ExecutionCount = &count
		}
		return out, nil

	case "error", "pyerr":
		ename, _ := fields["ename"].(string)
		evalue, _ := fields["evalue"].(string)
		var tb []string
		if list, ok := fields["traceback"].([]any); ok {
			for _, line := range list {
				if s, ok := line.(string); ok {
					tb = append(tb, s)
				}
			}
		}
		return ErrorOutput{Name: ename, Value: evalue, Traceback: tb}, nil

	default:
		return nil, fmt.Errorf("unknown output_type %q", outputType)
	}
}

// mimeData extracts the payload and metadata of a display/result output.
// nbformat 4 nests payloads under "data" keyed by MIME type; nbformat 3
// flattens them onto the output keyed by attribute name already. Metadata
// stays nil when the output has no metadata key.
func mimeData(fields map[string]any, format int) (map[string]any, map[string]any) {
	metadata, _ := fields["metadata"].(map[string]any)

	if format == 4 {
		bundle, _ := fields["data"].(map[string]any)
		return DataFromMIME(bundle), metadata
	}

	data := make(map[string]any)
	for key, payload := range fields {
		switch key {
		case "output_type", "metadata", "prompt_number":
			continue
		}
		data[key] = joinLines(payload)
	}
	return data, metadata
}
