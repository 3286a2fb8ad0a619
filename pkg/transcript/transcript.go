// Package transcript holds the conversation log shown to the user.
//
// The Reconciler is the single serialization point for entries arriving
// from the persistent channel, the analysis pipeline and local error
// reporting. Entries are kept in append order and never mutated.
package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shawkym/reqchat/pkg/log"
)

// Author identifies who produced an entry.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAgent  Author = "agent"
	AuthorSystem Author = "system"
)

// Kind distinguishes ordinary messages from errors and notices.
type Kind string

const (
	KindMessage Kind = "message"
	KindError   Kind = "error"
	KindNotice  Kind = "notice"
)

// Entry is one line of the transcript.
type Entry struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Kind      Kind      `json:"kind"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Indicator is the single busy indicator that should be displayed.
type Indicator int

const (
	IndicatorNone Indicator = iota
	// IndicatorBusy is the generic processing spinner.
	IndicatorBusy
	// IndicatorTyping is the agent-specific typing status.
	IndicatorTyping
)

func (i Indicator) String() string {
	switch i {
	case IndicatorBusy:
		return "busy"
	case IndicatorTyping:
		return "typing"
	default:
		return "none"
	}
}

// EventType identifies the payload of a subscriber event.
type EventType int

const (
	EventAppended EventType = iota
	EventIndicator
	EventSeeded
)

// Event is delivered to subscribers after each change.
type Event struct {
	Type      EventType
	Entry     Entry
	Indicator Indicator
}

// Appender is the narrow interface producers use to add entries.
type Appender interface {
	Append(e Entry) Entry
}

// Observer is called after every append while the Reconciler lock is held,
// so observers see entries in append order. Observers must not call back
// into the Reconciler.
type Observer func(e Entry)

const defaultSubscriberDepth = 256

// Reconciler is the append-only ordered transcript plus the two busy flags.
// All methods are safe for concurrent use.
type Reconciler struct {
	mu           sync.Mutex
	entries      []Entry
	seq          uint64
	pipelineBusy bool
	agentTyping  bool
	subs         map[chan Event]struct{}
	observers    []Observer
	depth        int
	now          func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithSubscriberDepth sets the buffer size of subscriber channels.
func WithSubscriberDepth(depth int) Option {
	return func(r *Reconciler) {
		if depth > 0 {
			r.depth = depth
		}
	}
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		entries: make([]Entry, 0),
		subs:    make(map[chan Event]struct{}),
		depth:   defaultSubscriberDepth,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// nextID returns a creation-ordered id. The sequence keeps ids sortable and
// unique within the process; the random suffix keeps them unique across
// sessions that share an export.
func (r *Reconciler) nextID() string {
	r.seq++
	return fmt.Sprintf("%08d-%s", r.seq, uuid.NewString()[:8])
}

// Append assigns an id (and a timestamp if missing) and appends e.
// The stored entry is returned.
func (r *Reconciler) Append(e Entry) Entry {
	r.mu.Lock()
	e.ID = r.nextID()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if e.Kind == "" {
		e.Kind = KindMessage
	}
	r.entries = append(r.entries, e)
	r.broadcastLocked(Event{Type: EventAppended, Entry: e})
	for _, obs := range r.observers {
		obs(e)
	}
	r.mu.Unlock()

	log.WithFields(map[string]interface{}{
		"id":     e.ID,
		"author": e.Author,
		"kind":   e.Kind,
		"size":   len(e.Body),
	}).Debug("transcript entry appended")

	return e
}

// Seed appends previously stored entries, keeping their timestamps.
// It is meant to run once before any live traffic.
func (r *Reconciler) Seed(entries []Entry) {
	if len(entries) == 0 {
		return
	}
	r.mu.Lock()
	for _, e := range entries {
		e.ID = r.nextID()
		if e.Kind == "" {
			e.Kind = KindMessage
		}
		r.entries = append(r.entries, e)
	}
	r.broadcastLocked(Event{Type: EventSeeded})
	r.mu.Unlock()

	log.WithField("entries", len(entries)).Info("transcript seeded from history")
}

// SetPipelineBusy sets the generic processing flag.
func (r *Reconciler) SetPipelineBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pipelineBusy == busy {
		return
	}
	r.pipelineBusy = busy
	r.broadcastLocked(Event{Type: EventIndicator, Indicator: r.indicatorLocked()})
}

// SetAgentTyping sets the agent typing flag.
func (r *Reconciler) SetAgentTyping(typing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.agentTyping == typing {
		return
	}
	r.agentTyping = typing
	r.broadcastLocked(Event{Type: EventIndicator, Indicator: r.indicatorLocked()})
}

// PipelineBusy reports the raw processing flag.
func (r *Reconciler) PipelineBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pipelineBusy
}

// AgentTyping reports the raw typing flag.
func (r *Reconciler) AgentTyping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentTyping
}

// Indicator returns the indicator to display. Typing wins over busy.
func (r *Reconciler) Indicator() Indicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indicatorLocked()
}

func (r *Reconciler) indicatorLocked() Indicator {
	switch {
	case r.agentTyping:
		return IndicatorTyping
	case r.pipelineBusy:
		return IndicatorBusy
	default:
		return IndicatorNone
	}
}

// Entries returns a copy of all entries in append order.
func (r *Reconciler) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Observe registers fn to run after every append.
func (r *Reconciler) Observe(fn Observer) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Subscribe returns a channel of events and a cancel func. Events that do
// not fit in the channel buffer are dropped for that subscriber.
func (r *Reconciler) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, r.depth)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ch)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Reconciler) broadcastLocked(ev Event) {
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("event", ev.Type).Warn("transcript subscriber full, dropping event")
		}
	}
}
