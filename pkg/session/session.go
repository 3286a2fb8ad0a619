// Package session wires one conversation together: the persistent channel,
// the transcript, the router and the pipeline and history clients. A
// Session owns its Manager; nothing is shared between sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shawkym/reqchat/pkg/config"
	"github.com/shawkym/reqchat/pkg/connection"
	"github.com/shawkym/reqchat/pkg/frame"
	"github.com/shawkym/reqchat/pkg/history"
	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/middleware"
	"github.com/shawkym/reqchat/pkg/pipeline"
	"github.com/shawkym/reqchat/pkg/ratelimit"
	"github.com/shawkym/reqchat/pkg/router"
	"github.com/shawkym/reqchat/pkg/transcript"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("session closed")

// Session is one live conversation.
type Session struct {
	cfg        *config.Config
	manager    *connection.Manager
	transcript *transcript.Reconciler
	router     *router.Router
	pipeline   *pipeline.Client
	history    *history.Client
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics

	dialer        connection.Dialer
	scheduler     connection.Scheduler
	runner        router.Runner
	onStateChange []func(from, to connection.State)
	onHistory     func(entries []transcript.Entry)
	healthServer  *metrics.Server

	mu      sync.Mutex
	started bool
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(s *Session) { s.dialer = d }
}

// WithScheduler replaces the reconnect timer source.
func WithScheduler(sc connection.Scheduler) Option {
	return func(s *Session) { s.scheduler = sc }
}

// WithRunner replaces the pipeline client used by the router.
func WithRunner(r router.Runner) Option {
	return func(s *Session) { s.runner = r }
}

// WithMetrics records session activity.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithStateListener is called on every connection state change.
func WithStateListener(fn func(from, to connection.State)) Option {
	return func(s *Session) {
		if fn != nil {
			s.onStateChange = append(s.onStateChange, fn)
		}
	}
}

// OnHistory is called once with the transcript after it was seeded from
// the configured conversation, before the channel is dialed.
func OnHistory(fn func(entries []transcript.Entry)) Option {
	return func(s *Session) { s.onHistory = fn }
}

// ReportHealth makes srv answer /health with this session's state.
func ReportHealth(srv *metrics.Server) Option {
	return func(s *Session) { s.healthServer = srv }
}

// New builds a session from cfg. Nothing is dialed until Start.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}

	s.transcript = transcript.New()
	if s.metrics != nil {
		m := s.metrics
		s.transcript.Observe(func(e transcript.Entry) {
			m.RecordTranscriptEntry(string(e.Author), string(e.Kind))
		})
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithTimeout(cfg.Pipeline.Timeout),
		pipeline.WithMetrics(s.metrics),
	}
	if cfg.Pipeline.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(cfg.Pipeline.RateLimit, cfg.Pipeline.RateLimitBurst)
		pipelineOpts = append(pipelineOpts, pipeline.WithLimiter(s.limiter))
	}
	s.pipeline = pipeline.NewClient(cfg.Pipeline.BaseURL, pipelineOpts...)
	s.history = history.NewClient(cfg.History.BaseURL, cfg.History.Timeout, s.metrics)

	if s.dialer == nil {
		s.dialer = &connection.WebSocketDialer{
			ReadLimit:    cfg.Channel.ReadLimit,
			WriteTimeout: cfg.Channel.WriteTimeout,
		}
	}
	managerOpts := []connection.Option{
		connection.WithDialer(s.dialer),
		connection.WithAppender(s.transcript),
		connection.WithMetrics(s.metrics),
		connection.OnFrame(s.handleFrame),
		connection.OnStateChange(s.handleStateChange),
	}
	if s.scheduler != nil {
		managerOpts = append(managerOpts, connection.WithScheduler(s.scheduler))
	}
	s.manager = connection.New(connection.Config{
		URL:                  cfg.Channel.URL,
		ReconnectInterval:    cfg.Channel.ReconnectInterval,
		MaxReconnectAttempts: cfg.Channel.MaxReconnectAttempts,
		OutboundQueue:        cfg.Channel.OutboundQueue,
	}, managerOpts...)

	rules, err := router.NewRules(cfg.Router.CommandPrefixes, cfg.Router.BatchMarkers)
	if err != nil {
		return nil, err
	}
	runner := s.runner
	if runner == nil {
		runner = s.pipeline
	}
	s.router = router.New(rules, s.manager, runner, s.transcript,
		router.WithChain(middleware.DefaultChain(
			cfg.Router.MaxUtteranceLength,
			cfg.Router.BlockedWords,
			cfg.Router.MaxPerMinute,
		)),
		router.WithProjectID(cfg.Pipeline.ProjectID),
		router.WithMetrics(s.metrics),
	)

	if s.healthServer != nil {
		s.healthServer.SetHealthFunc(s.Health)
	}
	return s, nil
}

// Start seeds the transcript from the configured conversation, then dials
// the channel. A history failure is shown as a notice and does not stop
// the session. Start returns once the first dial has finished, whatever
// its outcome; failures are retried in the background.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if id := s.cfg.History.ConversationID; id != "" {
		s.seedHistory(ctx, id)
	}

	s.manager.Connect(ctx)
	return nil
}

func (s *Session) seedHistory(ctx context.Context, id string) {
	entries, err := s.history.Conversation(ctx, id)
	if err != nil {
		log.WithField("conversation", id).WithError(err).Warn("failed to load conversation history")
		s.transcript.Append(transcript.Entry{
			Author: transcript.AuthorSystem,
			Kind:   transcript.KindNotice,
			Body:   fmt.Sprintf("Could not load conversation %s: %v", id, err),
		})
		return
	}
	s.transcript.Seed(entries)
	if s.onHistory != nil {
		s.onHistory(s.transcript.Entries())
	}
}

// Submit routes one utterance.
func (s *Session) Submit(ctx context.Context, utterance string) router.Decision {
	return s.router.Submit(ctx, utterance)
}

// Route reports where an utterance would go without sending it.
func (s *Session) Route(utterance string) router.Decision {
	return s.router.Route(utterance)
}

// Reconnect dials again after the channel went offline.
func (s *Session) Reconnect(ctx context.Context) {
	s.manager.Connect(ctx)
}

// State returns the connection state.
func (s *Session) State() connection.State {
	return s.manager.State()
}

// Transcript returns the session transcript.
func (s *Session) Transcript() *transcript.Reconciler {
	return s.transcript
}

// Pipeline returns the pipeline client.
func (s *Session) Pipeline() *pipeline.Client {
	return s.pipeline
}

// Config returns the configuration the session was built with.
func (s *Session) Config() *config.Config {
	return s.cfg
}

// ApplyConfig picks up the settings that can change while running: the
// reconnect policy and the pipeline rate limit.
func (s *Session) ApplyConfig(_, newConfig *config.Config) {
	if newConfig == nil {
		return
	}
	s.manager.SetPolicy(newConfig.Channel.ReconnectInterval, newConfig.Channel.MaxReconnectAttempts)
	if s.limiter != nil {
		s.limiter.SetRate(newConfig.Pipeline.RateLimit)
		s.limiter.SetBurst(newConfig.Pipeline.RateLimitBurst)
	} else if newConfig.Pipeline.RateLimit > 0 {
		log.Warn("pipeline rate limit enabled in config, restart to apply")
	}
}

// Close disconnects, cancels pending reconnects and waits for outstanding
// pipeline calls until ctx is done.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.manager.Close(); err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	if err := s.router.Wait(ctx); err != nil {
		log.WithError(err).Warn("pipeline calls still running at shutdown")
		return fmt.Errorf("waiting for pipeline calls: %w", err)
	}
	log.Info("session closed")
	return nil
}

// handleFrame turns a classified frame into transcript state. The Manager
// has already counted it.
func (s *Session) handleFrame(f frame.Frame) {
	if f.Kind == frame.Typing {
		s.transcript.SetAgentTyping(f.IsTyping)
		return
	}

	e := transcript.Entry{Body: f.Body, CreatedAt: f.Timestamp}
	switch f.Kind {
	case frame.Error:
		e.Author = transcript.AuthorAgent
		e.Kind = transcript.KindError
	case frame.System:
		e.Author = transcript.AuthorSystem
		e.Kind = transcript.KindNotice
	default:
		e.Author = transcript.AuthorAgent
		e.Kind = transcript.KindMessage
	}
	// Stamp locally when the server clock runs ahead.
	if e.CreatedAt.After(time.Now().Add(time.Minute)) {
		e.CreatedAt = time.Time{}
	}
	s.transcript.Append(e)
	s.transcript.SetPipelineBusy(false)
}

func (s *Session) handleStateChange(from, to connection.State) {
	if to == connection.Closed {
		// A typing indicator cannot outlive the link that reported it.
		s.transcript.SetAgentTyping(false)
	}
	for _, fn := range s.onStateChange {
		fn(from, to)
	}
}
