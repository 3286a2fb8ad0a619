package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shawkym/reqchat/pkg/transcript"
)

func entry(author transcript.Author, kind transcript.Kind, body string) transcript.Entry {
	return transcript.Entry{
		ID:        "00000001-abcdef12",
		Author:    author,
		Kind:      kind,
		Body:      body,
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local),
	}
}

func TestNewChatLoggerWithoutLogDir(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewChatLogger("", "text", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.logFile != nil {
		t.Error("expected no log file when logDir is empty")
	}
	if logger.Path() != "" {
		t.Errorf("expected empty path, got %q", logger.Path())
	}
	logger.Close()
}

func TestNewChatLoggerWithLogDir(t *testing.T) {
	tempDir := filepath.Join(t.TempDir(), "nested", "chats")
	var buf bytes.Buffer

	logger, err := NewChatLogger(tempDir, "text", &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	files, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("failed to read log dir: %v", err)
	}
	if len(files) != 1 || !strings.HasSuffix(files[0].Name(), ".log") {
		t.Errorf("expected one .log file, got %v", files)
	}
	if !strings.Contains(buf.String(), "Chat logged to") {
		t.Error("expected console output to contain log file path")
	}

	logger.LogEntry(entry(transcript.AuthorUser, transcript.KindMessage, "hello"))
	logger.LogEntry(entry(transcript.AuthorSystem, transcript.KindError, "not connected"))
	logger.Close()

	data, err := os.ReadFile(logger.Path())
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"=== reqchat log ===", "user: hello", "system/error: not connected", "=== Chat Ended ==="} {
		if !strings.Contains(content, want) {
			t.Errorf("log file missing %q:\n%s", want, content)
		}
	}
}

func TestChatLoggerJSONFormat(t *testing.T) {
	tempDir := t.TempDir()
	logger, err := NewChatLogger(tempDir, "json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.LogEntry(entry(transcript.AuthorAgent, transcript.KindMessage, "hi there"))
	logger.LogEntry(entry(transcript.AuthorUser, transcript.KindMessage, "thanks"))
	logger.Close()

	f, err := os.Open(logger.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []transcript.Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e transcript.Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 || got[0].Body != "hi there" || got[1].Author != transcript.AuthorUser {
		t.Errorf("entries = %+v", got)
	}
}

func TestLogEntryConsole(t *testing.T) {
	tests := []struct {
		name string
		e    transcript.Entry
		want []string
	}{
		{"user", entry(transcript.AuthorUser, transcript.KindMessage, "hello"), []string{"YOU", "hello"}},
		{"agent", entry(transcript.AuthorAgent, transcript.KindMessage, "hi there"), []string{"AGENT", "hi there"}},
		{"agent error", entry(transcript.AuthorAgent, transcript.KindError, "overloaded"), []string{"AGENT", "error", "overloaded"}},
		{"system notice", entry(transcript.AuthorSystem, transcript.KindNotice, "Agent ready"), []string{"SYSTEM", "Agent ready"}},
		{"system error", entry(transcript.AuthorSystem, transcript.KindError, "send failed"), []string{"ERROR", "send failed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, _ := NewChatLogger("", "text", &buf)
			logger.LogEntry(tt.e)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}

func TestLogStatus(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := NewChatLogger("", "text", &buf)
	logger.LogStatus("offline")
	if !strings.Contains(buf.String(), "connection offline") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestLogIndicator(t *testing.T) {
	tests := []struct {
		ind  transcript.Indicator
		want string
	}{
		{transcript.IndicatorNone, ""},
		{transcript.IndicatorBusy, "processing..."},
		{transcript.IndicatorTyping, "agent is typing..."},
	}
	for _, tt := range tests {
		t.Run(tt.ind.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger, _ := NewChatLogger("", "text", &buf)
			logger.LogIndicator(tt.ind)
			if got := strings.TrimSpace(buf.String()); !strings.Contains(got, tt.want) || (tt.want == "" && got != "") {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width int
		want  string
	}{
		{"short", "hello", 80, "  hello"},
		{"no width", "hello", 0, "  hello"},
		{"keeps newlines", "a\nb", 80, "  a\n  b"},
		{"wraps words", strings.Repeat("word ", 10), 30, "  word word word word word\n  word word word word word"},
		{"breaks long word", strings.Repeat("x", 30), 24, "  " + strings.Repeat("x", 20) + "\n  " + strings.Repeat("x", 10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wrapText(tt.text, tt.width, 2); got != tt.want {
				t.Errorf("wrapText() = %q, want %q", got, tt.want)
			}
		})
	}
}
