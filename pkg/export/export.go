// Package export writes a transcript to JSON, Markdown or HTML.
package export

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/shawkym/reqchat/pkg/transcript"
)

// Format represents the export format type.
type Format string

const (
	// FormatJSON exports the transcript as JSON
	FormatJSON Format = "json"
	// FormatMarkdown exports the transcript as Markdown
	FormatMarkdown Format = "markdown"
	// FormatHTML exports the transcript as a standalone HTML page
	FormatHTML Format = "html"
)

// ParseFormat maps a flag value to a Format. "md" is accepted for Markdown.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "html":
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unsupported export format: %s", s)
	}
}

// ExportOptions contains options for exporting a transcript.
type ExportOptions struct {
	// Format specifies the export format (json, markdown, html)
	Format Format
	// IncludeSummary adds per-author counts
	IncludeSummary bool
	// IncludeTimestamps includes entry timestamps
	IncludeTimestamps bool
	// Title is an optional title
	Title string
	// Now overrides the export time, for reproducible output
	Now func() time.Time
}

// Exporter handles transcript exports to different formats.
type Exporter struct {
	options ExportOptions
}

// NewExporter creates a new Exporter with the given options.
func NewExporter(options ExportOptions) *Exporter {
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Exporter{
		options: options,
	}
}

// Export writes entries to writer in the configured format.
func (e *Exporter) Export(entries []transcript.Entry, writer io.Writer) error {
	switch e.options.Format {
	case FormatJSON:
		return e.exportJSON(entries, writer)
	case FormatMarkdown:
		return e.exportMarkdown(entries, writer)
	case FormatHTML:
		return e.exportHTML(entries, writer)
	default:
		return fmt.Errorf("unsupported export format: %s", e.options.Format)
	}
}

func (e *Exporter) exportJSON(entries []transcript.Entry, writer io.Writer) error {
	if entries == nil {
		entries = []transcript.Entry{}
	}
	output := struct {
		Title      string             `json:"title,omitempty"`
		ExportedAt string             `json:"exported_at"`
		Entries    []transcript.Entry `json:"entries"`
		Summary    *ExportSummary     `json:"summary,omitempty"`
	}{
		Title:      e.options.Title,
		ExportedAt: e.options.Now().Format(time.RFC3339),
		Entries:    entries,
	}

	if e.options.IncludeSummary {
		output.Summary = calculateSummary(entries)
	}

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func (e *Exporter) exportMarkdown(entries []transcript.Entry, writer io.Writer) error {
	var sb strings.Builder

	if e.options.Title != "" {
		sb.WriteString("# ")
		sb.WriteString(e.options.Title)
		sb.WriteString("\n\n")
	}

	sb.WriteString("*Exported: ")
	sb.WriteString(e.options.Now().Format("2006-01-02 15:04:05"))
	sb.WriteString("*\n\n")

	if e.options.IncludeSummary {
		summary := calculateSummary(entries)
		sb.WriteString("## Summary\n\n")
		fmt.Fprintf(&sb, "- **Entries**: %d\n", summary.TotalEntries)
		fmt.Fprintf(&sb, "- **User**: %d\n", summary.UserEntries)
		fmt.Fprintf(&sb, "- **Agent**: %d\n", summary.AgentEntries)
		fmt.Fprintf(&sb, "- **System**: %d\n", summary.SystemEntries)
		fmt.Fprintf(&sb, "- **Errors**: %d\n", summary.Errors)
		sb.WriteString("\n---\n\n")
	}

	sb.WriteString("## Conversation\n\n")

	for _, entry := range entries {
		sb.WriteString("### ")
		sb.WriteString(heading(entry))
		if e.options.IncludeTimestamps && !entry.CreatedAt.IsZero() {
			sb.WriteString(" - ")
			sb.WriteString(entry.CreatedAt.Local().Format("15:04:05"))
		}
		sb.WriteString("\n\n")

		if entry.Kind == transcript.KindNotice {
			sb.WriteString("> ")
			sb.WriteString(strings.ReplaceAll(entry.Body, "\n", "\n> "))
		} else {
			sb.WriteString(entry.Body)
		}
		sb.WriteString("\n\n---\n\n")
	}

	_, err := io.WriteString(writer, sb.String())
	return err
}

func (e *Exporter) exportHTML(entries []transcript.Entry, writer io.Writer) error {
	var sb strings.Builder

	title := e.options.Title
	if title == "" {
		title = "reqchat conversation"
	}

	sb.WriteString("<!DOCTYPE html>\n")
	sb.WriteString("<html lang=\"en\">\n")
	sb.WriteString("<head>\n")
	sb.WriteString("  <meta charset=\"UTF-8\">\n")
	fmt.Fprintf(&sb, "  <title>%s</title>\n", html.EscapeString(title))
	sb.WriteString("  <style>\n")
	sb.WriteString(css)
	sb.WriteString("  </style>\n")
	sb.WriteString("</head>\n")
	sb.WriteString("<body>\n")
	sb.WriteString("  <div class=\"container\">\n")
	fmt.Fprintf(&sb, "    <h1>%s</h1>\n", html.EscapeString(title))
	fmt.Fprintf(&sb, "    <p class=\"export-date\">Exported: %s</p>\n", e.options.Now().Format("2006-01-02 15:04:05"))

	if e.options.IncludeSummary {
		summary := calculateSummary(entries)
		fmt.Fprintf(&sb, "    <p class=\"summary\">%d entries: %d user, %d agent, %d system, %d errors</p>\n",
			summary.TotalEntries, summary.UserEntries, summary.AgentEntries, summary.SystemEntries, summary.Errors)
	}

	for _, entry := range entries {
		fmt.Fprintf(&sb, "    <div class=\"entry author-%s kind-%s\">\n", entry.Author, entry.Kind)
		sb.WriteString("      <div class=\"entry-header\">\n")
		fmt.Fprintf(&sb, "        <span class=\"author\">%s</span>\n", html.EscapeString(heading(entry)))
		if e.options.IncludeTimestamps && !entry.CreatedAt.IsZero() {
			fmt.Fprintf(&sb, "        <span class=\"timestamp\">%s</span>\n", entry.CreatedAt.Local().Format("15:04:05"))
		}
		sb.WriteString("      </div>\n")
		content := strings.ReplaceAll(html.EscapeString(entry.Body), "\n", "<br>")
		fmt.Fprintf(&sb, "      <div class=\"entry-body\">%s</div>\n", content)
		sb.WriteString("    </div>\n")
	}

	sb.WriteString("  </div>\n")
	sb.WriteString("</body>\n")
	sb.WriteString("</html>\n")

	_, err := io.WriteString(writer, sb.String())
	return err
}

func heading(e transcript.Entry) string {
	var name string
	switch e.Author {
	case transcript.AuthorUser:
		name = "You"
	case transcript.AuthorAgent:
		name = "Agent"
	default:
		name = "[SYSTEM]"
	}
	if e.Kind == transcript.KindError {
		name += " (error)"
	}
	return name
}

// ExportSummary counts entries by author.
type ExportSummary struct {
	TotalEntries  int `json:"total_entries"`
	UserEntries   int `json:"user_entries"`
	AgentEntries  int `json:"agent_entries"`
	SystemEntries int `json:"system_entries"`
	Errors        int `json:"errors"`
}

func calculateSummary(entries []transcript.Entry) *ExportSummary {
	summary := &ExportSummary{}
	for _, e := range entries {
		summary.TotalEntries++
		switch e.Author {
		case transcript.AuthorUser:
			summary.UserEntries++
		case transcript.AuthorAgent:
			summary.AgentEntries++
		default:
			summary.SystemEntries++
		}
		if e.Kind == transcript.KindError {
			summary.Errors++
		}
	}
	return summary
}

const css = `    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
      line-height: 1.6;
      color: #333;
      margin: 0;
      background-color: #f5f5f5;
    }
    .container {
      max-width: 900px;
      margin: 0 auto;
      padding: 20px;
      background-color: white;
    }
    .export-date, .summary {
      color: #7f8c8d;
      font-style: italic;
    }
    .entry {
      margin-bottom: 20px;
      padding: 12px 15px;
      border-radius: 8px;
      border-left: 4px solid #3498db;
    }
    .author-user { border-left-color: #16a085; }
    .author-system { border-left-color: #95a5a6; background-color: #fafafa; }
    .kind-error { border-left-color: #c0392b; }
    .entry-header {
      display: flex;
      justify-content: space-between;
      font-weight: bold;
      margin-bottom: 6px;
    }
    .timestamp {
      color: #95a5a6;
      font-weight: normal;
      font-size: 0.9em;
    }
`
