package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/export"
	"github.com/shawkym/reqchat/pkg/transcript"
)

var exportCmd = &cobra.Command{
	Use:   "export [log-file]",
	Short: "Export a saved chat log to different formats",
	Long: `Export a chat log written by "reqchat chat" to JSON, Markdown, or HTML.

Only logs saved with log_format: json (.jsonl files) can be exported; text
logs are meant for reading.

Examples:
  # Export to Markdown
  reqchat export ~/.reqchat/chats/chat_2024-05-01_10-00-00.jsonl

  # Export to HTML with a custom title
  reqchat export chat.jsonl --format html --title "Checkout stories"

  # Export the latest conversation
  reqchat export --latest --format json
`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var (
	exportFormat     string
	exportOutput     string
	exportSummary    bool
	exportTimestamps bool
	exportTitle      string
	exportLatest     bool
)

func init() {
	rootCmd.AddCommand(exportCmd)

	addExportFlags(exportCmd)
	exportCmd.Flags().BoolVar(&exportLatest, "latest", false, "Export the latest chat log")
}

func addExportFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&exportFormat, "format", "f", "markdown", "Export format (json, markdown, html)")
	cmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
	cmd.Flags().BoolVar(&exportSummary, "summary", true, "Include entry counts")
	cmd.Flags().BoolVar(&exportTimestamps, "timestamps", true, "Include timestamps")
	cmd.Flags().StringVar(&exportTitle, "title", "", "Conversation title")
}

func runExport(cmd *cobra.Command, args []string) error {
	var inputFile string
	if exportLatest {
		logDir := config.NewDefaultConfig().Logging.ChatLogDir
		if cfg, err := loadConfig(); err == nil {
			logDir = cfg.Logging.ChatLogDir
		}
		latest, err := findLatestLog(logDir)
		if err != nil {
			return fmt.Errorf("failed to find latest log: %w", err)
		}
		inputFile = latest
		fmt.Fprintf(os.Stderr, "Exporting latest conversation: %s\n", filepath.Base(inputFile))
	} else {
		if len(args) == 0 {
			return fmt.Errorf("log file path required (or use --latest flag)")
		}
		inputFile = args[0]
	}

	entries, err := readLogFile(inputFile)
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no entries found in log file")
	}

	title := exportTitle
	if title == "" {
		title = fmt.Sprintf("Conversation - %s", filepath.Base(inputFile))
	}
	return writeExport(entries, title, cmd.OutOrStdout())
}

// writeExport writes entries with the export flags to --output, or to
// stdout when no output file is given.
func writeExport(entries []transcript.Entry, title string, stdout io.Writer) error {
	format, err := export.ParseFormat(exportFormat)
	if err != nil {
		return fmt.Errorf("invalid format: %s (use json, markdown, or html)", exportFormat)
	}

	exporter := export.NewExporter(export.ExportOptions{
		Format:            format,
		IncludeSummary:    exportSummary,
		IncludeTimestamps: exportTimestamps,
		Title:             title,
	})

	writer := stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer func() {
			if closeErr := f.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close output file: %v\n", closeErr)
			}
		}()
		writer = f
	}

	if err := exporter.Export(entries, writer); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	// Report on stderr so it does not mix with the output.
	if exportOutput != "" {
		fmt.Fprintf(os.Stderr, "Exported %d entries to %s\n", len(entries), exportOutput)
	}
	return nil
}

// readLogFile reads a JSON lines chat log. Blank lines are skipped.
func readLogFile(path string) ([]transcript.Entry, error) {
	if filepath.Ext(path) != ".jsonl" {
		return nil, fmt.Errorf("%s is not a JSON chat log (set logging.log_format: json)", filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []transcript.Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var e transcript.Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// findLatestLog returns the most recent JSON chat log in dir. Log names
// carry a sortable timestamp.
func findLatestLog(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "chat_*.jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no JSON chat logs in %s", dir)
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
