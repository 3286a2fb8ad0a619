// Package history fetches stored conversations so a resumed session can
// show what was said before.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/transcript"
)

// Stored message roles.
const (
	RoleUser   = 1
	RoleAgent  = 2
	RoleSystem = 3
)

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("history API error: HTTP %d: %s", e.StatusCode, e.Body)
}

// Message is one stored message as returned by the backend.
type Message struct {
	ID             int64     `json:"id"`
	Role           int       `json:"role"`
	Content        string    `json:"content"`
	ConversationID *int64    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// UnmarshalJSON accepts created_at with or without a zone.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var raw struct {
		alias
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message(raw.alias)
	m.CreatedAt = parseTime(raw.CreatedAt)
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Client reads conversations from the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
	}
}

// Messages returns the raw stored messages of a conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) (msgs []Message, err error) {
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordHistoryFetch(err)
		}
	}()

	u := c.baseURL + "/messages/conversation/" + url.PathEscape(conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}

// Conversation returns the conversation as transcript entries, oldest
// first.
func (c *Client) Conversation(ctx context.Context, conversationID string) ([]transcript.Entry, error) {
	msgs, err := c.Messages(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	entries := make([]transcript.Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, ToEntry(m))
	}

	log.WithFields(map[string]interface{}{
		"conversation": conversationID,
		"messages":     len(entries),
	}).Debug("loaded conversation history")
	return entries, nil
}

// ToEntry maps a stored message to a transcript entry. Unknown roles are
// shown as system notices.
func ToEntry(m Message) transcript.Entry {
	e := transcript.Entry{
		Body:      m.Content,
		Kind:      transcript.KindMessage,
		CreatedAt: m.CreatedAt,
	}
	switch m.Role {
	case RoleUser:
		e.Author = transcript.AuthorUser
	case RoleAgent:
		e.Author = transcript.AuthorAgent
	default:
		e.Author = transcript.AuthorSystem
		e.Kind = transcript.KindNotice
		if body, ok := storedResult(m.Content); ok {
			e.Body = body
		}
	}
	return e
}

// storedResult renders the pipeline results the agent saves as system
// messages instead of showing their raw JSON.
func storedResult(content string) (string, bool) {
	if !strings.HasPrefix(strings.TrimSpace(content), "{") {
		return "", false
	}
	var r struct {
		Type         string            `json:"type"`
		ProjectID    string            `json:"project_id"`
		Requirements []json.RawMessage `json:"requirements"`
	}
	if err := json.Unmarshal([]byte(content), &r); err != nil || r.Type != "pipeline_result" {
		return "", false
	}
	body := fmt.Sprintf("Stored pipeline result: %d requirements", len(r.Requirements))
	if r.ProjectID != "" {
		body += " (" + r.ProjectID + ")"
	}
	return body, true
}
