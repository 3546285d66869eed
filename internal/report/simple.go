package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/onionproxy/internal/model"
)

// SimpleWriter outputs human-readable text reports.
//
// Design decision: We use plain text with ASCII formatting rather than
// ANSI colors so the output can be piped to files or other tools.
type SimpleWriter struct {
	baseWriter
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer) *SimpleWriter {
	return &SimpleWriter{baseWriter: newBaseWriter(output)}
}

// Write outputs the report in human-readable format.
func (w *SimpleWriter) Write(report *model.StatusReport) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, report)
	w.writeProxy(&sb, report)
	w.writeBridges(&sb, report)
	w.writeEvents(&sb, report)

	return io.WriteString(w.output, sb.String())
}

// writeHeader prints the title block with the state.
func (w *SimpleWriter) writeHeader(sb *strings.Builder, report *model.StatusReport) {
	sb.WriteString("onionproxy status\n")
	sb.WriteString(strings.Repeat("=", 40) + "\n")
	fmt.Fprintf(sb, "Generated:   %s\n", report.GeneratedAt.Format(timeLayout))
	fmt.Fprintf(sb, "Config:      %s\n", orDash(report.ConfigPath))
	fmt.Fprintf(sb, "State:       %s\n", report.State.Label())
	sb.WriteString("\n")
}

// writeProxy prints the routes and the listener.
func (w *SimpleWriter) writeProxy(sb *strings.Builder, report *model.StatusReport) {
	sb.WriteString("Routing\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	fmt.Fprintf(sb, "Requests:    %s\n", report.Route)
	fmt.Fprintf(sb, "Anonymous:   %s\n", report.AnonymousRoute)
	if report.ProxyURL != "" {
		fmt.Fprintf(sb, "Proxy:       %s\n", report.ProxyURL)
	}
	fmt.Fprintf(sb, "SOCKS:       %s (%s)\n", report.ListenAddr, report.Handshake)
	fmt.Fprintf(sb, "Tor binary:  %s\n", orDash(report.TorBinary))
	sb.WriteString("\n")
}

// writeBridges prints the bridge section. The heading is printed even
// when no bridge is configured.
func (w *SimpleWriter) writeBridges(sb *strings.Builder, report *model.StatusReport) {
	status := "disabled"
	if report.UseBridges {
		status = "enabled"
	}
	fmt.Fprintf(sb, "Bridges (%s)\n", status)
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	if len(report.Bridges) == 0 {
		sb.WriteString("  none configured\n\n")
		return
	}
	for _, b := range report.Bridges {
		fmt.Fprintf(sb, "  [%s] %s\n", b.Protocol.DisplayName(), b.Launch)
		fmt.Fprintf(sb, "      %s\n", b.ConnectionLine)
	}
	sb.WriteString("\n")
}

// writeEvents prints recent transitions, newest first.
func (w *SimpleWriter) writeEvents(sb *strings.Builder, report *model.StatusReport) {
	sb.WriteString("Recent events\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	if len(report.Events) == 0 {
		sb.WriteString("  no events recorded\n")
		return
	}
	for _, ev := range report.Events {
		fmt.Fprintf(sb, "  %s  %-8s %s\n", ev.Time.Local().Format(timeLayout), ev.State, ev.Message)
	}
}
