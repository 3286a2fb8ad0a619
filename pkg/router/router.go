// Package router decides whether an utterance goes to the analysis
// pipeline or over the persistent channel, and carries out that decision.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shawkym/reqchat/pkg/connection"
	"github.com/shawkym/reqchat/pkg/log"
	"github.com/shawkym/reqchat/pkg/metrics"
	"github.com/shawkym/reqchat/pkg/middleware"
	"github.com/shawkym/reqchat/pkg/pipeline"
	"github.com/shawkym/reqchat/pkg/transcript"
)

// DefaultMaxUtteranceLength caps utterances, in characters.
const DefaultMaxUtteranceLength = 20000

// Sender is the realtime channel. Send must not block and reports whether
// the payload was accepted.
type Sender interface {
	Send(payload string) bool
}

// causeSender is a Sender that can report why a payload was refused.
type causeSender interface {
	TrySend(payload string) error
}

// Runner runs one pipeline call.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Transcript is what the router writes to.
type Transcript interface {
	transcript.Appender
	SetPipelineBusy(busy bool)
}

// Router dispatches utterances. Safe for concurrent use.
type Router struct {
	rules      Rules
	chain      *middleware.Chain
	sender     Sender
	runner     Runner
	transcript Transcript
	projectID  string
	metrics    *metrics.Metrics

	seq      atomic.Int64
	inflight sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithChain replaces the default outbound middleware chain.
func WithChain(c *middleware.Chain) Option {
	return func(r *Router) {
		if c != nil {
			r.chain = c
		}
	}
}

// WithProjectID attaches a project id to pipeline requests.
func WithProjectID(id string) Option {
	return func(r *Router) { r.projectID = id }
}

// WithMetrics records routing decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// New creates a Router.
func New(rules Rules, sender Sender, runner Runner, t Transcript, opts ...Option) *Router {
	r := &Router{
		rules:      rules,
		chain:      middleware.DefaultChain(DefaultMaxUtteranceLength, nil, 0),
		sender:     sender,
		runner:     runner,
		transcript: t,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route classifies an utterance without side effects.
func (r *Router) Route(utterance string) Decision {
	return r.rules.Route(utterance)
}

// Submit processes one utterance and dispatches it. Pipeline calls run in
// the background; use Wait to wait for them. Every refused or failed
// utterance produces exactly one error entry.
func (r *Router) Submit(ctx context.Context, utterance string) Decision {
	mctx := &middleware.Context{
		Ctx:      ctx,
		Seq:      int(r.seq.Add(1)),
		Metadata: make(map[string]interface{}),
	}
	u, err := r.chain.Process(mctx, &middleware.Utterance{Text: utterance})
	if err != nil {
		r.reject(err)
		return Rejected
	}

	decision := r.rules.Route(u.Text)
	if r.metrics != nil {
		r.metrics.RecordUtterance(decision.String())
	}
	log.WithFields(map[string]interface{}{
		"seq":      mctx.Seq,
		"decision": decision.String(),
	}).Debug("utterance routed")

	switch decision {
	case Pipeline:
		r.dispatchPipeline(ctx, u.Text)
	default:
		r.dispatchRealtime(u.Text)
	}
	return decision
}

// Wait blocks until outstanding pipeline calls finish or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) reject(err error) {
	reason := err
	var rej *middleware.RejectedError
	if errors.As(err, &rej) {
		reason = rej.Reason
	}
	if r.metrics != nil {
		r.metrics.RecordUtterance(Rejected.String())
	}
	r.transcript.Append(transcript.Entry{
		Author: transcript.AuthorSystem,
		Kind:   transcript.KindError,
		Body:   fmt.Sprintf("Message not sent: %v", reason),
	})
}

func (r *Router) dispatchRealtime(text string) {
	r.transcript.SetPipelineBusy(true)
	err := r.send(text)
	if err == nil {
		return
	}

	body := fmt.Sprintf("Message not sent: %v, wait for reconnection and try again.", connection.ErrNotConnected)
	if errors.Is(err, connection.ErrQueueFull) {
		body = fmt.Sprintf("Message not sent: %v, try again in a moment.", err)
	}
	r.transcript.Append(transcript.Entry{
		Author: transcript.AuthorSystem,
		Kind:   transcript.KindError,
		Body:   body,
	})
	r.transcript.SetPipelineBusy(false)
}

// send uses TrySend when the sender can say why it refused.
func (r *Router) send(text string) error {
	if ts, ok := r.sender.(causeSender); ok {
		return ts.TrySend(text)
	}
	if !r.sender.Send(text) {
		return connection.ErrNotConnected
	}
	return nil
}

func (r *Router) dispatchPipeline(ctx context.Context, text string) {
	req := r.buildRequest(text)

	r.transcript.Append(transcript.Entry{
		Author: transcript.AuthorUser,
		Kind:   transcript.KindMessage,
		Body:   text,
	})
	r.transcript.SetPipelineBusy(true)

	// The call outlives a cancelled caller; only its own timeout stops it.
	callCtx := context.WithoutCancel(ctx)

	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.transcript.SetPipelineBusy(false)

		start := time.Now()
		res, err := r.runner.Run(callCtx, req)
		if err != nil {
			log.WithFields(map[string]interface{}{
				"stories":  len(req.Stories),
				"duration": time.Since(start).String(),
			}).WithError(err).Warn("pipeline call failed")
			r.transcript.Append(transcript.Entry{
				Author: transcript.AuthorSystem,
				Kind:   transcript.KindError,
				Body:   fmt.Sprintf("Analysis failed: %v", err),
			})
			return
		}

		log.WithFields(map[string]interface{}{
			"stories":      len(req.Stories),
			"requirements": len(res.Requirements),
			"duration":     time.Since(start).String(),
		}).Info("pipeline call completed")
		r.transcript.Append(transcript.Entry{
			Author: transcript.AuthorAgent,
			Kind:   transcript.KindMessage,
			Body:   pipeline.Summarize(res),
		})
	}()
}

// buildRequest sends story blocks as stories and everything else,
// including the remainder of a command, as raw text.
func (r *Router) buildRequest(text string) pipeline.Request {
	req := pipeline.Request{ProjectID: r.projectID}

	body := text
	if _, rest, ok := r.rules.Command(text); ok {
		body = rest
	}
	if r.rules.IsBatch(body) {
		if stories := pipeline.ParseStories(body); len(stories) > 0 {
			req.Stories = stories
			return req
		}
	}
	req.RawText = body
	return req
}
