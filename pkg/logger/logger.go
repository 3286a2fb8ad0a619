// Package logger prints the transcript to a terminal in line mode and
// keeps a chat log file next to it.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/shawkym/reqchat/pkg/transcript"
)

// ChatLogger writes transcript entries to a console and an optional file.
// Safe for concurrent use.
type ChatLogger struct {
	mu        sync.Mutex
	logFile   *os.File
	logPath   string
	logFormat string
	console   io.Writer
	termWidth int
}

var (
	userBadgeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("51")).
			Foreground(lipgloss.Color("0")).
			Bold(true).
			Padding(0, 1).
			MarginRight(1)

	agentBadgeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("86")).
			Foreground(lipgloss.Color("0")).
			Bold(true).
			Padding(0, 1).
			MarginRight(1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")).
			Italic(true)

	systemBadgeStyle = lipgloss.NewStyle().
				Background(lipgloss.Color("235")).
				Foreground(lipgloss.Color("244")).
				Padding(0, 1).
				MarginRight(1)

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	separatorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("236"))
)

// NewChatLogger creates a logger. With an empty logDir nothing is written
// to disk. logFormat is "text" or "json".
func NewChatLogger(logDir string, logFormat string, console io.Writer) (*ChatLogger, error) {
	l := &ChatLogger{
		logFormat: logFormat,
		console:   console,
		termWidth: 80,
	}
	if logDir == "" {
		return l, nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	ext := "log"
	if logFormat == "json" {
		ext = "jsonl"
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("chat_%s.%s", timestamp, ext))

	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	l.logFile = logFile
	l.logPath = logPath

	if logFormat != "json" {
		l.writeToFile("=== reqchat log ===\n")
		l.writeToFile("Started: " + time.Now().Format("2006-01-02 15:04:05") + "\n")
		l.writeToFile("====================\n\n")
	}

	if console != nil {
		fmt.Fprintf(console, "Chat logged to: %s\n", logPath)
	}

	return l, nil
}

// Path returns the log file path, empty when not logging to disk.
func (l *ChatLogger) Path() string {
	return l.logPath
}

// SetWidth sets the wrap width.
func (l *ChatLogger) SetWidth(width int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if width > 0 {
		l.termWidth = width
	}
}

// LogEntry writes one transcript entry. It fits transcript.Observer.
func (l *ChatLogger) LogEntry(e transcript.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeFileLog(e)
	l.writeConsoleLog(e)
}

// LogStatus prints a connection status change.
func (l *ChatLogger) LogStatus(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	timestamp := time.Now().Format("15:04:05")
	if l.logFile != nil && l.logFormat != "json" {
		l.writeToFile(fmt.Sprintf("[%s] -- %s --\n\n", timestamp, label))
	}
	if l.console != nil {
		fmt.Fprintf(l.console, "%s %s\n",
			timestampStyle.Render("["+timestamp+"]"),
			statusStyle.Render("connection "+label))
	}
}

// LogIndicator prints the busy indicator when one is shown.
func (l *ChatLogger) LogIndicator(ind transcript.Indicator) {
	if l.console == nil {
		return
	}
	var text string
	switch ind {
	case transcript.IndicatorTyping:
		text = "agent is typing..."
	case transcript.IndicatorBusy:
		text = "processing..."
	default:
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.console, systemStyle.Render(text))
}

func (l *ChatLogger) writeFileLog(e transcript.Entry) {
	if l.logFile == nil {
		return
	}

	if l.logFormat == "json" {
		data, err := json.Marshal(e)
		if err == nil {
			l.writeToFile(string(data) + "\n")
		}
		return
	}
	label := string(e.Author)
	if e.Kind != transcript.KindMessage {
		label += "/" + string(e.Kind)
	}
	l.writeToFile(fmt.Sprintf("[%s] %s: %s\n\n",
		e.CreatedAt.Local().Format("15:04:05"), label, e.Body))
}

func (l *ChatLogger) writeConsoleLog(e transcript.Entry) {
	if l.console == nil {
		return
	}

	var output strings.Builder
	timestamp := e.CreatedAt.Local().Format("15:04:05")

	if e.Author == transcript.AuthorSystem {
		output.WriteString(timestampStyle.Render(timestamp + " "))
		if e.Kind == transcript.KindError {
			output.WriteString(errorStyle.Render("ERROR "))
			output.WriteString(e.Body)
		} else {
			output.WriteString(systemBadgeStyle.Render(" SYSTEM "))
			output.WriteString(systemStyle.Render(e.Body))
		}
		output.WriteString("\n")
		fmt.Fprint(l.console, output.String())
		return
	}

	output.WriteString(separatorStyle.Render(strings.Repeat("─", min(l.termWidth, 80))))
	output.WriteString("\n")
	output.WriteString(timestampStyle.Render(timestamp + " "))

	badge, content := agentBadgeStyle, agentStyle
	name := " AGENT "
	if e.Author == transcript.AuthorUser {
		badge, content = userBadgeStyle, userStyle
		name = " YOU "
	}
	output.WriteString(badge.Render(name))
	if e.Kind == transcript.KindError {
		output.WriteString(errorStyle.Render("error"))
		content = errorStyle
	}
	output.WriteString("\n")

	for _, line := range strings.Split(wrapText(e.Body, l.termWidth, 2), "\n") {
		output.WriteString(content.Render(line))
		output.WriteString("\n")
	}
	fmt.Fprint(l.console, output.String())
}

// wrapText wraps at word boundaries to width, indenting every line.
func wrapText(text string, width, indent int) string {
	indentStr := strings.Repeat(" ", indent)
	if width <= 0 {
		return indentStr + text
	}

	maxWidth := width - indent - 2
	if maxWidth <= 20 {
		maxWidth = 20
	}

	var wrapped []string
	for _, line := range strings.Split(text, "\n") {
		if len([]rune(line)) <= maxWidth {
			wrapped = append(wrapped, indentStr+line)
			continue
		}

		current := ""
		for _, word := range strings.Fields(line) {
			for len([]rune(word)) > maxWidth {
				if current != "" {
					wrapped = append(wrapped, indentStr+current)
					current = ""
				}
				r := []rune(word)
				wrapped = append(wrapped, indentStr+string(r[:maxWidth]))
				word = string(r[maxWidth:])
			}
			switch {
			case current == "":
				current = word
			case len([]rune(current))+1+len([]rune(word)) > maxWidth:
				wrapped = append(wrapped, indentStr+current)
				current = word
			default:
				current += " " + word
			}
		}
		if current != "" {
			wrapped = append(wrapped, indentStr+current)
		}
	}

	return strings.Join(wrapped, "\n")
}

func (l *ChatLogger) writeToFile(content string) {
	if l.logFile == nil {
		return
	}
	if _, err := l.logFile.WriteString(content); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to log file: %v\n", err)
	}
	if err := l.logFile.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "Error syncing log file: %v\n", err)
	}
}

// Close ends the log file.
func (l *ChatLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile != nil {
		if l.logFormat != "json" {
			l.writeToFile("\n=== Chat Ended ===\n")
			l.writeToFile("Ended: " + time.Now().Format("2006-01-02 15:04:05") + "\n")
		}
		l.logFile.Close()
		l.logFile = nil
	}
}
