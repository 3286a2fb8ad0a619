// Package connection owns the persistent channel to the agent.
//
// A Manager dials the channel, keeps it open across transient failures with
// a bounded number of automatic reconnects, classifies inbound payloads and
// offers a best-effort Send. Each successful dial produces a link with its
// own reader and writer goroutine; events from a link that is no longer the
// active one are ignored.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shawkym/reqchat/pkg/frame"
	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/transcript"
)

// ErrNotConnected is reported when an operation needs an open channel.
var ErrNotConnected = errors.New("not connected")

// ErrQueueFull is reported when the open link cannot take another payload.
var ErrQueueFull = errors.New("outbound queue full")

// Config holds the channel settings.
type Config struct {
	URL               string
	ReconnectInterval time.Duration
	// MaxReconnectAttempts is the reconnect ceiling. Zero uses the default;
	// SetPolicy can lower it to zero to disable reconnects.
	MaxReconnectAttempts int
	// OutboundQueue is the per-link send buffer.
	OutboundQueue int
}

const (
	DefaultReconnectInterval    = 3 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultOutboundQueue        = 64
)

// Manager maintains one persistent channel. All methods are safe for
// concurrent use. Callbacks run on Manager goroutines, outside its lock.
type Manager struct {
	url      string
	queue    int
	dialer   Dialer
	sched    Scheduler
	appender transcript.Appender
	metrics  *metrics.Metrics

	onOpen        func()
	onClose       func(err error)
	onError       func(err error)
	onFrame       func(f frame.Frame)
	onStateChange func(from, to State)

	mu       sync.Mutex
	state    State
	budget   *Budget
	interval time.Duration
	active   *link
	pending  uint64 // id of the in-flight dial, 0 when none
	seq      uint64
	timer    Timer
	timerGen uint64 // bumped whenever the scheduled reconnect is replaced or cancelled
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type link struct {
	id        uint64
	t         Transport
	out       chan string
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closing   atomic.Bool
	cause     error // set before closing
}

func (l *link) stop() {
	l.stopWith(nil)
}

// stopWith closes the transport once. cause is what the reader reports as
// the close reason.
func (l *link) stopWith(cause error) {
	l.closeOnce.Do(func() {
		l.cause = cause
		l.closing.Store(true)
		if err := l.t.Close(); err != nil {
			log.WithField("link", l.id).WithError(err).Debug("transport close")
		}
		l.cancel()
	})
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer sets the transport dialer. The default is a WebSocketDialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithScheduler sets the timer source for reconnects.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.sched = s }
}

// WithAppender sets where user-authored entries are recorded on Send.
// Append is called with the Manager lock held and must not call back
// into the Manager.
func WithAppender(a transcript.Appender) Option {
	return func(m *Manager) { m.appender = a }
}

// WithMetrics enables Prometheus recording.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// OnOpen is called after a link opens, before its first frame.
func OnOpen(fn func()) Option {
	return func(m *Manager) { m.onOpen = fn }
}

// OnClose is called when the active link closes. err is nil for a clean
// or requested close.
func OnClose(fn func(err error)) Option {
	return func(m *Manager) { m.onClose = fn }
}

// OnError is called for dial, read and write failures.
func OnError(fn func(err error)) Option {
	return func(m *Manager) { m.onError = fn }
}

// OnFrame is called for every inbound frame, in arrival order.
func OnFrame(fn func(f frame.Frame)) Option {
	return func(m *Manager) { m.onFrame = fn }
}

// OnStateChange is called after every state transition.
func OnStateChange(fn func(from, to State)) Option {
	return func(m *Manager) { m.onStateChange = fn }
}

// New creates a Manager in the Idle state. Nothing is dialed until Connect.
func New(cfg Config, opts ...Option) *Manager {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = DefaultOutboundQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		url:      cfg.URL,
		queue:    cfg.OutboundQueue,
		dialer:   &WebSocketDialer{},
		sched:    timeScheduler{},
		state:    Idle,
		budget:   NewBudget(cfg.MaxReconnectAttempts),
		interval: cfg.ReconnectInterval,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the reconnect attempts spent since the last open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget.Attempts()
}

// Ceiling returns the reconnect ceiling.
func (m *Manager) Ceiling() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget.Ceiling()
}

// Exhausted reports whether the channel is closed with no reconnect left.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Closed && m.timer == nil && m.pending == 0 && m.budget.Exhausted()
}

// SetPolicy changes the reconnect interval and ceiling. Attempts already
// spent are kept.
func (m *Manager) SetPolicy(interval time.Duration, ceiling int) {
	m.mu.Lock()
	if interval > 0 {
		m.interval = interval
	}
	m.budget.SetCeiling(ceiling)
	m.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"interval": interval.String(),
		"ceiling":  ceiling,
	}).Info("reconnect policy updated")
}

// transitionLocked moves to next if the edge is legal. It returns the
// previous state and whether anything changed.
func (m *Manager) transitionLocked(next State) (State, bool) {
	from := m.state
	if from == next {
		return from, false
	}
	if !CanTransition(from, next) {
		log.WithFields(map[string]interface{}{
			"from": from.String(),
			"to":   next.String(),
		}).Warn("illegal connection state transition refused")
		return from, false
	}
	m.state = next
	if m.metrics != nil {
		m.metrics.SetConnectionState(int(next))
	}
	return from, true
}

// Connect dials the channel. It is a no-op while Connecting or Open, and
// after Close. The dial runs on the calling goroutine.
func (m *Manager) Connect(ctx context.Context) {
	m.connect(ctx, 0, false)
}

// connect dials unless the state forbids it. A call from a reconnect timer
// carries the generation it was scheduled with and gives up when that timer
// has since been cancelled or replaced.
func (m *Manager) connect(ctx context.Context, gen uint64, fromTimer bool) {
	m.mu.Lock()
	if fromTimer {
		if gen != m.timerGen {
			m.mu.Unlock()
			log.WithField("generation", gen).Debug("ignoring cancelled reconnect timer")
			return
		}
		m.timer = nil
	}
	if m.closed || m.state == Connecting || m.state == Open {
		m.mu.Unlock()
		return
	}
	m.cancelTimerLocked()
	from, changed := m.transitionLocked(Connecting)
	if !changed {
		m.mu.Unlock()
		return
	}
	m.seq++
	id := m.seq
	m.pending = id
	url := m.url
	m.mu.Unlock()

	m.notifyState(from, Connecting)
	log.WithFields(map[string]interface{}{
		"url":  url,
		"link": id,
	}).Info("connecting to agent")

	t, err := m.dialer.Dial(ctx, url)
	if err != nil {
		if m.metrics != nil {
			m.metrics.RecordConnectAttempt("error")
		}
		m.emitError(err)
		m.dialFailed(id, err)
		return
	}
	if m.metrics != nil {
		m.metrics.RecordConnectAttempt("success")
	}

	m.mu.Lock()
	if m.pending != id || m.state != Connecting || m.closed {
		// Disconnect ran while dialing.
		m.mu.Unlock()
		t.Close()
		log.WithField("link", id).Debug("discarding transport dialed after disconnect")
		return
	}
	m.pending = 0
	lctx, lcancel := context.WithCancel(m.ctx)
	l := &link{
		id:     id,
		t:      t,
		out:    make(chan string, m.queue),
		ctx:    lctx,
		cancel: lcancel,
	}
	m.active = l
	from, _ = m.transitionLocked(Open)
	m.budget.Reset()
	m.wg.Add(2)
	m.mu.Unlock()

	m.notifyState(from, Open)
	log.WithField("link", id).Info("connected to agent")
	if m.onOpen != nil {
		m.onOpen()
	}

	go m.writeLoop(l)
	go m.readLoop(l)
}

func (m *Manager) dialFailed(id uint64, err error) {
	m.mu.Lock()
	if m.pending != id {
		m.mu.Unlock()
		return
	}
	m.pending = 0
	m.mu.Unlock()
	m.handleClose(nil, err)
}

func (m *Manager) readLoop(l *link) {
	defer m.wg.Done()
	for {
		raw, err := l.t.Read(l.ctx)
		if err != nil {
			switch {
			case l.closing.Load():
				err = l.cause
			case errors.Is(err, io.EOF):
				err = nil
			default:
				err = fmt.Errorf("read: %w", err)
				m.emitError(err)
			}
			m.handleClose(l, err)
			return
		}

		f := frame.Classify(raw)
		if m.metrics != nil {
			m.metrics.RecordFrame(f.Kind.String())
		}
		log.WithFields(map[string]interface{}{
			"link": l.id,
			"kind": f.Kind.String(),
			"size": len(raw),
		}).Debug("frame received")
		if m.onFrame != nil {
			m.onFrame(f)
		}
	}
}

func (m *Manager) writeLoop(l *link) {
	defer m.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case payload := <-l.out:
			if err := l.t.Write(l.ctx, payload); err != nil {
				if l.closing.Load() {
					return
				}
				err = fmt.Errorf("write: %w", err)
				m.emitError(err)
				// The reader observes the closed transport and drives the
				// state change.
				l.stopWith(err)
				return
			}
		}
	}
}

// handleClose runs close handling for l. A nil link means a dial that never
// produced one. Closes from a link that is not active are stale and ignored.
func (m *Manager) handleClose(l *link, cause error) {
	m.mu.Lock()
	if l != nil {
		if m.active != l {
			m.mu.Unlock()
			log.WithField("link", l.id).Debug("ignoring close from stale link")
			return
		}
		m.active = nil
	}
	from, changed := m.transitionLocked(Closed)

	retry := false
	if !m.closed && m.budget.Spend() {
		retry = true
		m.cancelTimerLocked()
		gen := m.timerGen
		m.timer = m.sched.AfterFunc(m.interval, func() { m.connect(m.ctx, gen, true) })
	}
	attempts, ceiling, interval := m.budget.Attempts(), m.budget.Ceiling(), m.interval
	m.mu.Unlock()

	if l != nil {
		l.stop()
	}
	if changed {
		m.notifyState(from, Closed)
	}

	fields := map[string]interface{}{
		"attempt": attempts,
		"ceiling": ceiling,
	}
	if retry {
		fields["retry_in"] = interval.String()
		if m.metrics != nil {
			m.metrics.RecordReconnectScheduled()
		}
		log.WithFields(fields).Warn("connection closed, reconnect scheduled")
	} else {
		log.WithFields(fields).Warn("connection closed, no reconnect left")
	}

	if changed && m.onClose != nil {
		m.onClose(cause)
	}
}

// cancelTimerLocked stops the scheduled reconnect and invalidates its
// callback in case it already fired.
func (m *Manager) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Send queues payload on the open channel. It returns false, without
// writing or recording anything, unless the channel is open and the queue
// has room. On success a user-authored entry is appended first.
func (m *Manager) Send(payload string) bool {
	return m.TrySend(payload) == nil
}

// TrySend is Send reporting why a payload was refused: ErrNotConnected or
// ErrQueueFull.
func (m *Manager) TrySend(payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.active
	if m.state != Open || l == nil {
		if m.metrics != nil {
			m.metrics.RecordSend("not_open")
		}
		log.WithField("state", m.state.String()).Debug("send refused, channel not open")
		return ErrNotConnected
	}
	if len(l.out) >= cap(l.out) {
		if m.metrics != nil {
			m.metrics.RecordSend("queue_full")
		}
		log.WithField("queue", cap(l.out)).Warn("send refused, outbound queue full")
		return ErrQueueFull
	}

	if m.appender != nil {
		m.appender.Append(transcript.Entry{
			Author: transcript.AuthorUser,
			Kind:   transcript.KindMessage,
			Body:   payload,
		})
	}
	// Only Send enqueues and it holds the lock, so the room checked above
	// is still there.
	l.out <- payload
	if m.metrics != nil {
		m.metrics.RecordSend("sent")
	}
	return nil
}

// Disconnect closes the channel and cancels any pending reconnect. No
// automatic reconnect follows until a later Connect opens successfully.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.budget.Exhaust()
	m.cancelTimerLocked()
	m.pending = 0
	l := m.active
	m.active = nil
	from, changed := m.transitionLocked(Closed)
	m.mu.Unlock()

	if l != nil {
		l.stop()
	}
	if changed {
		log.Info("disconnected from agent")
		m.notifyState(from, Closed)
		if m.onClose != nil {
			m.onClose(nil)
		}
	}
}

// Close disconnects and waits for all link goroutines to exit. The Manager
// cannot be reused afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) notifyState(from, to State) {
	if m.onStateChange != nil {
		m.onStateChange(from, to)
	}
}

func (m *Manager) emitError(err error) {
	log.WithError(err).Warn("connection error")
	if m.onError != nil {
		m.onError(err)
	}
}
