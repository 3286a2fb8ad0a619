package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/connection"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/router"
	"github.com/shawkym/reqchat/pkg/transcript"
)

type memTransport struct {
	in        chan string
	out       chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newMemTransport() *memTransport {
	return &memTransport{
		in:     make(chan string, 16),
		out:    make(chan string, 16),
		closed: make(chan struct{}),
	}
}

func (t *memTransport) Read(ctx context.Context) (string, error) {
	select {
	case s := <-t.in:
		return s, nil
	case <-t.closed:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *memTransport) Write(ctx context.Context, payload string) error {
	select {
	case t.out <- payload:
		return nil
	case <-t.closed:
		return io.ErrClosedPipe
	}
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

type memDialer struct {
	mu  sync.Mutex
	t   *memTransport
	err error
}

func (d *memDialer) Dial(ctx context.Context, url string) (connection.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.t = newMemTransport()
	return d.t, nil
}

func (d *memDialer) transport() *memTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.t
}

// idleScheduler never fires, so reconnects stay pending.
type idleScheduler struct{}

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

func (idleScheduler) AfterFunc(time.Duration, func()) connection.Timer { return idleTimer{} }

func testConfig(baseURL string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Channel.URL = "ws://agent.test/ws/chat"
	if baseURL != "" {
		cfg.Pipeline.BaseURL = baseURL
		cfg.History.BaseURL = baseURL
	}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func closeSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestSendHelloReceivesReply(t *testing.T) {
	d := &memDialer{}
	s, err := New(testConfig(""), WithDialer(d), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != connection.Open {
		t.Fatalf("state = %s, want open", s.State())
	}

	if dec := s.Submit(context.Background(), "hello"); dec != router.Realtime {
		t.Fatalf("decision = %s", dec)
	}
	tr := d.transport()
	select {
	case got := <-tr.out:
		if got != "hello" {
			t.Errorf("wrote %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nothing written")
	}

	entries := s.Transcript().Entries()
	if len(entries) != 1 || entries[0].Author != transcript.AuthorUser || entries[0].Body != "hello" {
		t.Fatalf("entries after send = %+v", entries)
	}
	if !s.Transcript().PipelineBusy() {
		t.Error("busy should be set while waiting for the reply")
	}

	tr.in <- `{"type":"text","content":"hi there"}`
	waitFor(t, "agent reply", func() bool { return s.Transcript().Len() == 2 })

	e := s.Transcript().Entries()[1]
	if e.Author != transcript.AuthorAgent || e.Kind != transcript.KindMessage || e.Body != "hi there" {
		t.Errorf("reply entry = %+v", e)
	}
	if s.Transcript().PipelineBusy() {
		t.Error("busy should be cleared by the reply")
	}
}

func TestSendWhileIdleAppendsOneError(t *testing.T) {
	s, err := New(testConfig(""), WithDialer(&memDialer{}), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)

	if s.State() != connection.Idle {
		t.Fatalf("state = %s", s.State())
	}
	before := s.Transcript().Len()
	s.Submit(context.Background(), "x")

	entries := s.Transcript().Entries()
	if len(entries) != before+1 {
		t.Fatalf("expected exactly one new entry, got %+v", entries)
	}
	if entries[0].Kind != transcript.KindError {
		t.Errorf("entry = %+v", entries[0])
	}
	if s.Transcript().PipelineBusy() {
		t.Error("busy should be cleared")
	}
}

func TestFrameKindsReachTranscript(t *testing.T) {
	d := &memDialer{}
	s, err := New(testConfig(""), WithDialer(d), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)
	s.Start(context.Background())

	tr := d.transport()
	rec := s.Transcript()

	tr.in <- `{"type":"typing","metadata":{"is_typing":true}}`
	waitFor(t, "typing", rec.AgentTyping)
	if rec.Indicator() != transcript.IndicatorTyping {
		t.Errorf("indicator = %s", rec.Indicator())
	}
	if rec.Len() != 0 {
		t.Error("typing frames must not add entries")
	}

	tr.in <- `{"type":"system","content":"Agent ready"}`
	tr.in <- `{"type":"error","content":"model overloaded"}`
	tr.in <- `plain words`
	tr.in <- `{"type":"typing","metadata":{"is_typing":false}}`
	waitFor(t, "three entries", func() bool { return rec.Len() == 3 })
	waitFor(t, "typing off", func() bool { return !rec.AgentTyping() })

	want := []struct {
		author transcript.Author
		kind   transcript.Kind
		body   string
	}{
		{transcript.AuthorSystem, transcript.KindNotice, "Agent ready"},
		{transcript.AuthorAgent, transcript.KindError, "model overloaded"},
		{transcript.AuthorAgent, transcript.KindMessage, "plain words"},
	}
	for i, e := range rec.Entries() {
		if e.Author != want[i].author || e.Kind != want[i].kind || e.Body != want[i].body {
			t.Errorf("entry %d = %+v, want %+v", i, e, want[i])
		}
	}
}

func TestFrameCountedOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	d := &memDialer{}
	s, err := New(testConfig(""), WithDialer(d), WithScheduler(idleScheduler{}), WithMetrics(metrics.NewMetrics(reg)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)
	s.Start(context.Background())

	d.transport().in <- `{"type":"text","content":"hi there"}`
	waitFor(t, "agent entry", func() bool { return s.Transcript().Len() == 1 })

	want := `
# HELP reqchat_frames_received_total Inbound frames by classified kind
# TYPE reqchat_frames_received_total counter
reqchat_frames_received_total{kind="text"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "reqchat_frames_received_total"); err != nil {
		t.Error(err)
	}
}

func TestTypingClearedOnClose(t *testing.T) {
	d := &memDialer{}
	s, err := New(testConfig(""), WithDialer(d), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)
	s.Start(context.Background())

	d.transport().in <- `{"type":"typing"}`
	waitFor(t, "typing", s.Transcript().AgentTyping)

	d.transport().Close()
	waitFor(t, "closed", func() bool { return s.State() == connection.Closed })
	waitFor(t, "typing cleared", func() bool { return !s.Transcript().AgentTyping() })
	if got := s.Status().Label(); got != "disconnected, retrying (1/5)" {
		t.Errorf("label = %q", got)
	}
}

func TestHistorySeededBeforeLiveTraffic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/conversation/17" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `[
			{"id":1,"role":1,"content":"earlier question","created_at":"2024-05-01T10:00:00"},
			{"id":2,"role":2,"content":"earlier answer","created_at":"2024-05-01T10:00:01"}
		]`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.History.ConversationID = "17"
	d := &memDialer{}
	var loaded []transcript.Entry
	s, err := New(cfg, WithDialer(d), WithScheduler(idleScheduler{}),
		OnHistory(func(entries []transcript.Entry) { loaded = entries }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID == "" {
		t.Errorf("OnHistory got %+v", loaded)
	}
	d.transport().in <- "welcome back"
	waitFor(t, "live entry", func() bool { return s.Transcript().Len() == 3 })

	bodies := []string{}
	for _, e := range s.Transcript().Entries() {
		bodies = append(bodies, e.Body)
	}
	if strings.Join(bodies, "|") != "earlier question|earlier answer|welcome back" {
		t.Errorf("bodies = %q", bodies)
	}
}

func TestHistoryFailureIsANotice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.History.ConversationID = "9"
	s, err := New(cfg, WithDialer(&memDialer{}), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.State() != connection.Open {
		t.Error("history failure should not stop the connection")
	}
	entries := s.Transcript().Entries()
	if len(entries) != 1 || entries[0].Kind != transcript.KindNotice || !strings.Contains(entries[0].Body, "conversation 9") {
		t.Errorf("entries = %+v", entries)
	}
}

func TestPipelineUtterance(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp/pipeline" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		io.WriteString(w, `{"analysis":{"summary":{"total_stories":1,"total_issues":0}},
			"requirements":[{"id":"R1","title":"Export PDF"}],
			"prioritized":[{"id":"R1","title":"Export PDF","score":0.8}]}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Pipeline.ProjectID = "project_1"
	d := &memDialer{}
	s, err := New(cfg, WithDialer(d), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())

	if dec := s.Submit(context.Background(), "Story: Export Report\nAs a user, I want a PDF"); dec != router.Pipeline {
		t.Fatalf("decision = %s", dec)
	}
	closeSession(t, s)

	entries := s.Transcript().Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	if !strings.Contains(entries[1].Body, "1. Export PDF (score 0.80)") {
		t.Errorf("summary = %q", entries[1].Body)
	}
	if got["project_id"] != "project_1" {
		t.Errorf("request = %v", got)
	}
	select {
	case w := <-d.transport().out:
		t.Errorf("pipeline utterance written to channel: %q", w)
	default:
	}
}

func TestCloseStopsSession(t *testing.T) {
	d := &memDialer{}
	s, err := New(testConfig(""), WithDialer(d), WithScheduler(idleScheduler{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var mu sync.Mutex
	var states []string
	s2, _ := New(testConfig(""), WithDialer(&memDialer{}), WithStateListener(func(from, to connection.State) {
		mu.Lock()
		states = append(states, to.String())
		mu.Unlock()
	}))
	s2.Start(context.Background())
	closeSession(t, s2)

	s.Start(context.Background())
	closeSession(t, s)
	closeSession(t, s)

	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v", err)
	}
	if s.Status().Label() != "offline" {
		t.Errorf("label = %q", s.Status().Label())
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(states, ",") != "connecting,open,closed" {
		t.Errorf("states = %v", states)
	}
}

func TestApplyConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Pipeline.RateLimit = 1
	cfg.Pipeline.RateLimitBurst = 1
	s, err := New(cfg, WithDialer(&memDialer{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)

	next := testConfig("")
	next.Channel.MaxReconnectAttempts = 2
	next.Pipeline.RateLimit = 4
	next.Pipeline.RateLimitBurst = 3
	s.ApplyConfig(cfg, next)

	if s.Status().Ceiling != 2 {
		t.Errorf("ceiling = %d", s.Status().Ceiling)
	}
	if got := s.Pipeline().Limiter().String(); got != "4.00 req/s, burst=3" {
		t.Errorf("limiter = %q", got)
	}
}

func TestHealthFollowsConnection(t *testing.T) {
	srv := metrics.NewServer(metrics.ServerConfig{Addr: "127.0.0.1:0"})
	d := &memDialer{}
	s, err := New(testConfig(""), WithDialer(d), WithScheduler(idleScheduler{}), ReportHealth(srv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if h := s.Health(); h.Status != metrics.HealthDegraded || h.State != "idle" {
		t.Errorf("before Start: %+v", h)
	}

	s.Start(context.Background())
	h := s.Health()
	if h.Status != metrics.HealthOK || h.Connection != "online" {
		t.Errorf("after Start: %+v", h)
	}

	closeSession(t, s)
	if h := s.Health(); h.Status != metrics.HealthOffline || h.Connection != "offline" {
		t.Errorf("after Close: %+v", h)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Channel.URL = "http://not-a-websocket"
	if _, err := New(cfg); err == nil {
		t.Error("expected error")
	}
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		st   Status
		want string
	}{
		{Status{State: connection.Idle}, "idle"},
		{Status{State: connection.Connecting}, "connecting"},
		{Status{State: connection.Connecting, Attempts: 2, Ceiling: 5}, "reconnecting (2/5)"},
		{Status{State: connection.Open}, "online"},
		{Status{State: connection.Closed}, "disconnected"},
		{Status{State: connection.Closed, Attempts: 5, Ceiling: 5, Exhausted: true}, "offline"},
	}
	for _, tt := range tests {
		if got := tt.st.Label(); got != tt.want {
			t.Errorf("%+v.Label() = %q, want %q", tt.st, got, tt.want)
		}
	}
}

func TestWebSocketEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, []byte(`{"type":"system","content":"connected"}`))
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			reply, _ := json.Marshal(map[string]string{"type": "text", "content": "echo: " + string(data)})
			c.Write(ctx, websocket.MessageText, reply)
		}
	}))
	defer srv.Close()

	cfg := testConfig("")
	cfg.Channel.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeSession(t, s)

	s.Start(context.Background())
	if s.State() != connection.Open {
		t.Fatalf("state = %s", s.State())
	}
	waitFor(t, "welcome", func() bool { return s.Transcript().Len() == 1 })

	s.Submit(context.Background(), "ping")
	waitFor(t, "echo", func() bool { return s.Transcript().Len() == 3 })

	entries := s.Transcript().Entries()
	if entries[1].Body != "ping" || entries[2].Body != "echo: ping" {
		t.Errorf("entries = %+v", entries)
	}
}
