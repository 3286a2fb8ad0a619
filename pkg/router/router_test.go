package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shawkym/reqchat/pkg/connection"
	"github.com/shawkym/reqchat/pkg/middleware"
	"github.com/shawkym/reqchat/pkg/pipeline"
	"github.com/shawkym/reqchat/pkg/transcript"
)

type fakeSender struct {
	mu   sync.Mutex
	open bool
	sent []string
	tr   transcript.Appender
}

func (s *fakeSender) Send(payload string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	s.sent = append(s.sent, payload)
	if s.tr != nil {
		s.tr.Append(transcript.Entry{Author: transcript.AuthorUser, Body: payload})
	}
	return true
}

type fakeRunner struct {
	mu    sync.Mutex
	reqs  []pipeline.Request
	res   *pipeline.Result
	err   error
	gate  chan struct{}
	calls chan struct{}
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(chan struct{}, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate := f.gate
	f.mu.Unlock()
	f.calls <- struct{}{}
	if gate != nil {
		<-gate
	}
	return f.res, f.err
}

func (f *fakeRunner) requests() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.reqs...)
}

func wait(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestRoute(t *testing.T) {
	rules := DefaultRules()
	tests := []struct {
		name      string
		utterance string
		want      Decision
	}{
		{"plain", "hello", Realtime},
		{"story block", "Story: Export Report\nAs a user, I want...", Pipeline},
		{"user story lowercase", "user story: login", Pipeline},
		{"marker on later line", "Here are my stories\n  Requirement: audit", Pipeline},
		{"marker mid line", "the story: so far", Realtime},
		{"analyze command", "/analyze the login flow", Pipeline},
		{"bare command", "/report", Pipeline},
		{"command case", "/Pipeline stuff", Pipeline},
		{"prefix of longer word", "/reports please", Realtime},
		{"unknown command", "/help", Realtime},
		{"slash inside", "what is /analyze", Realtime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rules.Route(tt.utterance); got != tt.want {
				t.Errorf("Route(%q) = %s, want %s", tt.utterance, got, tt.want)
			}
		})
	}
}

func TestNewRules(t *testing.T) {
	rules, err := NewRules([]string{"/run", " "}, []string{`(?m)^Epic:`})
	if err != nil {
		t.Fatalf("NewRules: %v", err)
	}
	if rules.Route("/run it") != Pipeline || rules.Route("/analyze it") != Realtime {
		t.Error("custom prefixes not applied")
	}
	if rules.Route("Epic: billing") != Pipeline || rules.Route("Story: x") != Realtime {
		t.Error("custom markers not applied")
	}

	if _, err := NewRules(nil, []string{"("}); err == nil {
		t.Error("expected error for invalid marker")
	}

	def, err := NewRules(nil, nil)
	if err != nil || len(def.CommandPrefixes) != 3 || len(def.BatchMarkers) != 1 {
		t.Errorf("NewRules(nil, nil) = %+v, %v", def, err)
	}
}

func TestSubmitRealtime(t *testing.T) {
	tr := transcript.New()
	sender := &fakeSender{open: true, tr: tr}
	r := New(DefaultRules(), sender, newFakeRunner(), tr)

	if d := r.Submit(context.Background(), "  hello "); d != Realtime {
		t.Fatalf("decision = %s", d)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "hello" {
		t.Errorf("sent = %q", sender.sent)
	}
	if !tr.PipelineBusy() {
		t.Error("busy should stay set until a reply arrives")
	}
	entries := tr.Entries()
	if len(entries) != 1 || entries[0].Author != transcript.AuthorUser {
		t.Errorf("entries = %+v", entries)
	}
}

func TestSubmitRealtimeNotConnected(t *testing.T) {
	tr := transcript.New()
	r := New(DefaultRules(), &fakeSender{}, newFakeRunner(), tr)

	before := tr.Len()
	r.Submit(context.Background(), "x")

	if tr.Len() != before+1 {
		t.Fatalf("expected exactly one new entry, got %d", tr.Len()-before)
	}
	e := tr.Entries()[0]
	if e.Kind != transcript.KindError || e.Author != transcript.AuthorSystem {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(e.Body, "reconnection") {
		t.Errorf("body = %q", e.Body)
	}
	if tr.PipelineBusy() {
		t.Error("busy should be cleared after a refused send")
	}
}

// refusingSender rejects every payload with err.
type refusingSender struct{ err error }

func (s refusingSender) Send(payload string) bool      { return s.err == nil }
func (s refusingSender) TrySend(payload string) error { return s.err }

func TestSubmitRealtimeRefusalReason(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    string
		notWant string
	}{
		{"not connected", connection.ErrNotConnected, "wait for reconnection", "queue full"},
		{"queue full", connection.ErrQueueFull, "outbound queue full", "reconnection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := transcript.New()
			r := New(DefaultRules(), refusingSender{err: tt.err}, newFakeRunner(), tr)

			if d := r.Submit(context.Background(), "hello"); d != Realtime {
				t.Fatalf("decision = %s", d)
			}
			entries := tr.Entries()
			if len(entries) != 1 {
				t.Fatalf("expected one error entry, got %+v", entries)
			}
			if !strings.Contains(entries[0].Body, tt.want) || strings.Contains(entries[0].Body, tt.notWant) {
				t.Errorf("body = %q", entries[0].Body)
			}
			if tr.PipelineBusy() {
				t.Error("busy should be cleared after a refused send")
			}
		})
	}
}

func TestSubmitPipelineSuccess(t *testing.T) {
	tr := transcript.New()
	runner := newFakeRunner()
	runner.res = &pipeline.Result{Requirements: []pipeline.Requirement{{ID: "R1"}, {ID: "R2"}}}
	sender := &fakeSender{open: true}
	r := New(DefaultRules(), sender, runner, tr, WithProjectID("project_7"))

	text := "Story: Export Report\nAs a user, I want a PDF\nAcceptance Criteria:\n- fast"
	if d := r.Submit(context.Background(), text); d != Pipeline {
		t.Fatalf("decision = %s", d)
	}
	wait(t, r)

	if len(sender.sent) != 0 {
		t.Error("pipeline utterance must not go over the channel")
	}
	reqs := runner.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 pipeline call, got %d", len(reqs))
	}
	if reqs[0].ProjectID != "project_7" || reqs[0].RawText != "" || len(reqs[0].Stories) != 1 {
		t.Errorf("request = %+v", reqs[0])
	}
	if reqs[0].Stories[0].Title != "Export Report" {
		t.Errorf("story = %+v", reqs[0].Stories[0])
	}

	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected user entry plus summary, got %+v", entries)
	}
	if entries[0].Author != transcript.AuthorUser || entries[1].Author != transcript.AuthorAgent {
		t.Errorf("authors = %s, %s", entries[0].Author, entries[1].Author)
	}
	if !strings.Contains(entries[1].Body, "2 requirements identified") {
		t.Errorf("summary = %q", entries[1].Body)
	}
	if tr.PipelineBusy() {
		t.Error("busy should be cleared after the call")
	}
}

func TestSubmitPipelineCommandSendsRawText(t *testing.T) {
	tr := transcript.New()
	runner := newFakeRunner()
	runner.res = &pipeline.Result{}
	r := New(DefaultRules(), &fakeSender{}, runner, tr)

	r.Submit(context.Background(), "/analyze users need to reset passwords")
	wait(t, r)

	reqs := runner.requests()
	if len(reqs) != 1 || reqs[0].RawText != "users need to reset passwords" || reqs[0].Stories != nil {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestSubmitPipelineFailure(t *testing.T) {
	tr := transcript.New()
	runner := newFakeRunner()
	runner.err = &pipeline.APIError{StatusCode: 500, Body: "model unavailable"}
	r := New(DefaultRules(), &fakeSender{}, runner, tr)

	r.Submit(context.Background(), "/pipeline something")
	wait(t, r)

	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	e := entries[1]
	if e.Kind != transcript.KindError || !strings.Contains(e.Body, "model unavailable") {
		t.Errorf("error entry = %+v", e)
	}
	if tr.PipelineBusy() {
		t.Error("busy should be cleared after a failure")
	}
}

func TestSubmitPipelineConcurrentCalls(t *testing.T) {
	tr := transcript.New()
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	runner.res = &pipeline.Result{}
	r := New(DefaultRules(), &fakeSender{}, runner, tr)

	r.Submit(context.Background(), "/analyze one")
	r.Submit(context.Background(), "/analyze one")
	for i := 0; i < 2; i++ {
		select {
		case <-runner.calls:
		case <-time.After(2 * time.Second):
			t.Fatal("second call was not issued while the first was outstanding")
		}
	}
	if !tr.PipelineBusy() {
		t.Error("busy should be set while calls are outstanding")
	}
	close(runner.gate)
	wait(t, r)

	if n := len(runner.requests()); n != 2 {
		t.Errorf("expected 2 calls, got %d", n)
	}
	if tr.Len() != 4 {
		t.Errorf("expected 4 entries, got %d", tr.Len())
	}
}

func TestSubmitPipelineOutlivesCaller(t *testing.T) {
	tr := transcript.New()
	runner := newFakeRunner()
	runner.res = &pipeline.Result{}
	r := New(DefaultRules(), &fakeSender{}, runner, tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Submit(ctx, "/report")
	wait(t, r)

	if n := len(runner.requests()); n != 1 {
		t.Errorf("expected the call to run, got %d calls", n)
	}
}

func TestSubmitRejected(t *testing.T) {
	tr := transcript.New()
	sender := &fakeSender{open: true}
	runner := newFakeRunner()
	chain := middleware.DefaultChain(5, nil, 0)
	r := New(DefaultRules(), sender, runner, tr, WithChain(chain))

	for _, text := range []string{"   ", "far too long"} {
		if d := r.Submit(context.Background(), text); d != Rejected {
			t.Errorf("Submit(%q) = %s, want rejected", text, d)
		}
	}
	wait(t, r)

	if len(sender.sent) != 0 || len(runner.requests()) != 0 {
		t.Error("rejected utterances must not be dispatched")
	}
	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected one entry per rejection, got %+v", entries)
	}
	for _, e := range entries {
		if e.Kind != transcript.KindError || strings.Contains(e.Body, "rejected by") {
			t.Errorf("entry = %+v", e)
		}
	}
	if tr.PipelineBusy() {
		t.Error("rejection must not set busy")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	runner := newFakeRunner()
	runner.gate = make(chan struct{})
	defer close(runner.gate)
	r := New(DefaultRules(), &fakeSender{}, runner, transcript.New())

	r.Submit(context.Background(), "/analyze x")
	<-runner.calls

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
}
