// Package report renders status reports.
//
// This package contains writers for different output formats:
//   - SimpleWriter: Human-readable text output for terminal display
//   - MarkdownWriter: Markdown for issue trackers and documentation
//   - JSONWriter: Structured JSON output for tool integration
//
// Design decision: We separate report writing from the report data
// (model.StatusReport) so that a new output format never touches the code
// that gathers the status.
package report
