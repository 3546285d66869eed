package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/onionproxy/internal/model"
)

// Format names an output format accepted by NewWriter.
type Format string

const (
	// FormatText is the SimpleWriter format.
	FormatText Format = "text"
	// FormatMarkdown is the MarkdownWriter format.
	FormatMarkdown Format = "markdown"
	// FormatJSON is the JSONWriter format, pretty printed.
	FormatJSON Format = "json"
)

// Formats lists the accepted formats.
var Formats = []Format{FormatText, FormatMarkdown, FormatJSON}

// Writer defines the interface for report output.
type Writer interface {
	// Write outputs the report to the configured destination.
	// Returns the number of bytes written and any error encountered.
	Write(report *model.StatusReport) (int, error)
}

// NewWriter returns the writer for format.
func NewWriter(format string, output io.Writer) (Writer, error) {
	switch Format(strings.ToLower(format)) {
	case FormatText:
		return NewSimpleWriter(output), nil
	case FormatMarkdown:
		return NewMarkdownWriter(output), nil
	case FormatJSON:
		return NewJSONWriter(output, WithPrettyPrint()), nil
	default:
		return nil, fmt.Errorf("unknown report format %q (want text, markdown or json)", format)
	}
}

// MultiWriter writes to multiple Writers simultaneously.
// This is useful for outputting to both terminal and file.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the report to all configured Writers.
// Stops on first error encountered.
func (m *MultiWriter) Write(report *model.StatusReport) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(report)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// baseWriter provides common functionality for report writers.
type baseWriter struct {
	output io.Writer
}

func newBaseWriter(output io.Writer) baseWriter {
	return baseWriter{output: output}
}

// orDash returns s, or "-" when s is empty.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncateString truncates a string to maxLen characters with ellipsis.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

const timeLayout = "2006-01-02 15:04:05 MST"
