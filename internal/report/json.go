package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/onionproxy/internal/model"
)

// JSONWriter outputs reports in JSON format.
// This format is designed for tool integration and programmatic processing.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	indent bool

	indentPrefix string
	indentString string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint is WithIndent("", "  ").
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{baseWriter: newBaseWriter(output)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write outputs the report as one JSON document followed by a newline.
func (w *JSONWriter) Write(report *model.StatusReport) (int, error) {
	out := *report
	if out.Bridges == nil {
		out.Bridges = []model.BridgeStatus{}
	}
	if out.Events == nil {
		out.Events = []model.Event{}
	}

	var (
		data []byte
		err  error
	)
	if w.indent {
		data, err = json.MarshalIndent(out, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(out)
	}
	if err != nil {
		return 0, err
	}
	data = append(data, '\n')
	return w.output.Write(data)
}
