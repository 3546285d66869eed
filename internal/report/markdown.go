package report

import (
	"io"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/onionproxy/internal/model"
)

// MarkdownWriter outputs reports in Markdown format.
// This format is designed for pasting into issues and documentation.
type MarkdownWriter struct {
	baseWriter
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{baseWriter: newBaseWriter(output)}
}

// Write outputs the report in Markdown format.
func (w *MarkdownWriter) Write(report *model.StatusReport) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, report)
	w.writeAlert(md, report)
	w.writeBridges(md, report)
	w.writeEvents(md, report)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// writeHeader renders the title and the summary table.
func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, report *model.StatusReport) {
	md.H1("onionproxy status")
	md.PlainText("")

	proxyURL := "-"
	if report.ProxyURL != "" {
		proxyURL = "`" + report.ProxyURL + "`"
	}
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Generated", report.GeneratedAt.Format(timeLayout)},
			{"Config", "`" + orDash(report.ConfigPath) + "`"},
			{"State", report.State.Label()},
			{"Request route", report.Route.String()},
			{"Anonymous route", report.AnonymousRoute.String()},
			{"Proxy", proxyURL},
			{"SOCKS listener", "`" + report.ListenAddr + "` (" + report.Handshake + ")"},
			{"Tor binary", "`" + orDash(report.TorBinary) + "`"},
		},
	})
	md.PlainText("")
}

// writeAlert picks one callout from the last state and whether the
// listener answers.
func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, report *model.StatusReport) {
	switch {
	case report.State == model.StateError:
		md.Cautionf("The last start failed: %s", lastMessage(report))
	case report.Reachable:
		md.Tip("The SOCKS listener answers on " + report.ListenAddr + ".")
	case report.State == model.StateRunning:
		md.Warningf("The journal says running, but %s does not answer (%s).", report.ListenAddr, report.Handshake)
	default:
		md.Note("The proxy is not running.")
	}
	md.PlainText("")
}

// lastMessage returns the message of the newest event, if any.
func lastMessage(report *model.StatusReport) string {
	if len(report.Events) == 0 || report.Events[0].Message == "" {
		return "no details recorded"
	}
	return report.Events[0].Message
}

// writeBridges lists configured bridges. Connection lines are cut at 80
// characters to keep the table readable.
func (w *MarkdownWriter) writeBridges(md *markdown.Markdown, report *model.StatusReport) {
	md.H2("Bridges")
	md.PlainText("")

	if !report.UseBridges {
		md.PlainText("Bridges are disabled.")
		md.PlainText("")
	}
	if len(report.Bridges) == 0 {
		md.PlainText("No bridges configured.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(report.Bridges))
	for i, b := range report.Bridges {
		rows[i] = []string{
			b.Protocol.DisplayName(),
			"`" + b.Launch + "`",
			"`" + truncateString(b.ConnectionLine, 80) + "`",
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Protocol", "Launch", "Connection line"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeEvents renders recent transitions as a table, newest first.
func (w *MarkdownWriter) writeEvents(md *markdown.Markdown, report *model.StatusReport) {
	md.H2("Recent events")
	md.PlainText("")

	if len(report.Events) == 0 {
		md.PlainText("No events recorded.")
		md.PlainText("")
		return
	}

	rows := make([][]string, len(report.Events))
	for i, ev := range report.Events {
		rows[i] = []string{
			ev.Time.Format(timeLayout),
			ev.State.String(),
			orDash(truncateString(ev.Message, 60)),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Time", "State", "Message"},
		Rows:   rows,
	})
	md.PlainText("")

	w.writePieChart(md, report)
}

// writePieChart shows how often each state was entered.
func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, report *model.StatusReport) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("State transitions"),
		piechart.WithShowData(true),
	)

	counts := report.EventCounts()
	for _, s := range []model.State{model.StateStarting, model.StateRunning, model.StateStopping, model.StateIdle, model.StateError} {
		if counts[s] > 0 {
			chart.LabelAndIntValue(s.String(), uint64(counts[s]))
		}
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

// writeFooter credits the tool.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	md.PlainText("*Report generated by [onionproxy](https://github.com/nao1215/onionproxy)*")
}
