package notebook

import (
	"strings"
)

// Output is a sealed interface over the output variants.
// Only StreamOutput, DisplayOutput, ResultOutput and ErrorOutput implement it.
type Output interface {
	output() // Sealed
}

// Output kind names as they appear in the "output_type" attribute.
// Legacy nbformat 3 names are mapped onto these on load.
const (
	KindStream  = "stream"
	KindDisplay = "display_data"
	KindResult  = "execute_result"
	KindError   = "error"
)

// StreamOutput is text written to a named stream (stdout, stderr).
type StreamOutput struct {
	Name string
	Text string
}

func (StreamOutput) output() {}

// DisplayOutput is rich data published with display().
// Data is keyed by attribute name (see AttrName), not by MIME type.
type DisplayOutput struct {
	Data     map[string]any
	Metadata map[string]any
}

func (DisplayOutput) output() {}

// ResultOutput is the value of the last expression in a cell.
// ExecutionCount is nil when the notebook did not record one.
type ResultOutput struct {
	Data           map[string]any
	Metadata       map[string]any
	ExecutionCount *int
}

func (ResultOutput) output() {}

// ErrorOutput is an exception raised while executing a cell.
type ErrorOutput struct {
	Name      string
	Value     string
	Traceback []string
}

func (ErrorOutput) output() {}

// Kind returns the output_type name of an output variant.
func Kind(o Output) string {
	switch o.(type) {
	case StreamOutput:
		return KindStream
	case DisplayOutput:
		return KindDisplay
	case ResultOutput:
		return KindResult
	case ErrorOutput:
		return KindError
	default:
		return ""
	}
}

// Fields flattens an output into its attribute map.
//
// Attribute names:
//   - output_type: always present
//   - stream, text: stream outputs
//   - one attribute per MIME payload: display and result outputs
//   - metadata: display and result outputs whose Metadata is non-nil
//   - execution_count: result outputs that recorded one
//   - ename, evalue, traceback: error outputs
//
// A nil output yields an empty map, which fails every reference key.
func Fields(o Output) map[string]any {
	fields := make(map[string]any)

	switch v := o.(type) {
	case StreamOutput:
		fields["output_type"] = KindStream
		fields["stream"] = v.Name
		fields["text"] = v.Text
	case DisplayOutput:
		fields["output_type"] = KindDisplay
		if v.Metadata != nil {
			fields["metadata"] = v.Metadata
		}
		for attr, payload := range v.Data {
			fields[attr] = payload
		}
	case ResultOutput:
		fields["output_type"] = KindResult
		if v.Metadata != nil {
			fields["metadata"] = v.Metadata
		}
		for attr, payload := range v.Data {
			fields[attr] = payload
		}
		if v.ExecutionCount != nil {
			fields["execution_count"] = *v.ExecutionCount
		}
	case ErrorOutput:
		fields["output_type"] = KindError
		fields["ename"] = v.Name
		fields["evalue"] = v.Value
		tb := make([]any, len(v.Traceback))
		for i, line := range v.Traceback {
			tb[i] = line
		}
		fields["traceback"] = tb
	}

	return fields
}

// AttrName derives the attribute name for a MIME type.
//
// The subtype is lowered, a "+xml" suffix is folded away and the generic
// "plain" subtype becomes "text":
//
//	text/plain       -> text
//	text/html        -> html
//	image/svg+xml    -> svg
//	application/json -> json
func AttrName(mime string) string {
	attr := mime
	if i := strings.LastIndex(mime, "/"); i >= 0 {
		attr = mime[i+1:]
	}
	attr = strings.ToLower(attr)
	attr = strings.ReplaceAll(attr, "+xml", "")
	return strings.ReplaceAll(attr, "plain", "text")
}

// DataFromMIME re-keys a MIME-typed payload map by attribute name.
// Multi-line payloads given as string lists are joined.
func DataFromMIME(bundle map[string]any) map[string]any {
	data := make(map[string]any, len(bundle))
	for mime, payload := range bundle {
		data[AttrName(mime)] = joinLines(payload)
	}
	return data
}

// joinLines collapses nbformat multi-line strings ([]any of strings) into a
// single string. Any other value is returned as is.
func joinLines(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	var sb strings.Builder
	for _, elem := range list {
		s, ok := elem.(string)
		if !ok {
			return v
		}
		sb.WriteString(s)
	}
	return sb.String()
}
