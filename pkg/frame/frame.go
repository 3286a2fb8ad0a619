// Package frame classifies raw payloads received over the persistent
// channel into typed frames.
//
// The agent sends either plain text or a JSON envelope of the form
//
//	{"type": "text|error|system|typing", "content": "...",
//	 "metadata": {...}, "timestamp": "2024-05-01T10:00:00.123456"}
//
// Classification never fails: anything that is not a well-formed envelope
// becomes a Text frame carrying the raw payload.
package frame

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind discriminates inbound frames.
type Kind int

const (
	// Text is an agent reply (and the fallback for anything unrecognized).
	Text Kind = iota
	// Error is an error reported by the agent.
	Error
	// System is a notice from the server, e.g. the session welcome.
	System
	// Typing toggles the agent typing indicator.
	Typing
)

func (k Kind) String() string {
	switch k {
	case Error:
		return "error"
	case System:
		return "system"
	case Typing:
		return "typing"
	default:
		return "text"
	}
}

// Frame is one classified inbound payload.
type Frame struct {
	Kind      Kind
	Body      string
	IsTyping  bool
	Metadata  map[string]interface{}
	Timestamp time.Time
}

type envelope struct {
	Type      string                 `json:"type"`
	Content   *string                `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp string                 `json:"timestamp"`
}

// Timestamps produced by the agent are ISO-8601, usually without a zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Classify decodes raw into a Frame. It is total over all strings.
func Classify(raw string) Frame {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return Frame{Kind: Text, Body: raw}
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return Frame{Kind: Text, Body: raw}
	}

	f := Frame{
		Kind:      kindOf(env.Type),
		Metadata:  env.Metadata,
		Timestamp: parseTimestamp(env.Timestamp),
	}

	if f.Kind == Typing {
		f.IsTyping = typingState(env.Metadata)
		if env.Content != nil {
			f.Body = *env.Content
		}
		return f
	}

	if env.Content != nil && *env.Content != "" {
		f.Body = *env.Content
	} else {
		f.Body = raw
	}
	return f
}

func kindOf(t string) Kind {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "error":
		return Error
	case "system":
		return System
	case "typing":
		return Typing
	default:
		return Text
	}
}

// typingState reads metadata.is_typing. A typing frame without the flag
// means the agent started typing.
func typingState(meta map[string]interface{}) bool {
	v, ok := meta["is_typing"]
	if !ok {
		return true
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	case float64:
		return b != 0
	default:
		return true
	}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
