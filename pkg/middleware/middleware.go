// Package middleware runs user utterances through a chain of checks and
// transforms before they are dispatched. A middleware can rewrite the
// utterance, annotate the context, or reject it by returning an error.
package middleware

import (
	"context"
	"errors"
	"fmt"

	"github.com/shawkym/reqchat/pkg/log"
)

// Context carries per-utterance information through the chain.
type Context struct {
	// Ctx is the request context
	Ctx context.Context

	// Seq numbers utterances within a session, starting at 1
	Seq int

	// Metadata is free-form data middleware can share
	Metadata map[string]interface{}
}

// Utterance is one piece of user input.
type Utterance struct {
	Text string
}

// Middleware processes utterances in a chain.
type Middleware interface {
	// Process handles u and normally calls next.
	Process(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error)

	// Name identifies the middleware in logs and errors.
	Name() string
}

// ProcessFunc is one step of the chain.
type ProcessFunc func(ctx *Context, u *Utterance) (*Utterance, error)

// RejectedError reports an utterance refused by a filter or validation.
type RejectedError struct {
	Middleware string
	Reason     error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by %s: %v", e.Middleware, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Reason
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Chain is an ordered list of middleware.
type Chain struct {
	middleware []Middleware
}

// NewChain creates a chain.
func NewChain(middleware ...Middleware) *Chain {
	return &Chain{
		middleware: middleware,
	}
}

// Add appends m to the chain. Not safe to call concurrently with Process.
func (c *Chain) Add(m Middleware) {
	c.middleware = append(c.middleware, m)
}

// Process runs u through the chain.
func (c *Chain) Process(ctx *Context, u *Utterance) (*Utterance, error) {
	if len(c.middleware) == 0 {
		return u, nil
	}

	process := func(ctx *Context, u *Utterance) (*Utterance, error) {
		return u, nil
	}
	for i := len(c.middleware) - 1; i >= 0; i-- {
		m := c.middleware[i]
		next := process
		process = func(ctx *Context, u *Utterance) (*Utterance, error) {
			return m.Process(ctx, u, next)
		}
	}

	return process(ctx, u)
}

// Len returns the number of middleware in the chain.
func (c *Chain) Len() int {
	return len(c.middleware)
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc struct {
	name string
	fn   func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error)
}

// NewMiddlewareFunc creates a middleware from fn.
func NewMiddlewareFunc(name string, fn func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error)) Middleware {
	return &MiddlewareFunc{
		name: name,
		fn:   fn,
	}
}

// Process implements Middleware.
func (m *MiddlewareFunc) Process(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
	return m.fn(ctx, u, next)
}

// Name implements Middleware.
func (m *MiddlewareFunc) Name() string {
	return m.name
}

// FilterFunc allows (true) or refuses (false) an utterance. A non-nil
// error is the reason for refusing.
type FilterFunc func(ctx *Context, u *Utterance) (bool, error)

// NewFilterMiddleware stops the chain with a RejectedError when filter
// refuses.
func NewFilterMiddleware(name string, filter FilterFunc) Middleware {
	return NewMiddlewareFunc(name, func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
		allowed, err := filter(ctx, u)
		if !allowed || err != nil {
			if err == nil {
				err = errors.New("not allowed")
			}
			log.WithFields(map[string]interface{}{
				"middleware": name,
				"seq":        ctx.Seq,
			}).WithError(err).Warn("utterance filtered")
			return nil, &RejectedError{Middleware: name, Reason: err}
		}
		return next(ctx, u)
	})
}

// TransformFunc rewrites an utterance.
type TransformFunc func(ctx *Context, u *Utterance) (*Utterance, error)

// NewTransformMiddleware creates middleware from transform.
func NewTransformMiddleware(name string, transform TransformFunc) Middleware {
	return NewMiddlewareFunc(name, func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
		transformed, err := transform(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("transform error in %s: %w", name, err)
		}
		return next(ctx, transformed)
	})
}

// ValidationFunc returns an error when an utterance is invalid.
type ValidationFunc func(ctx *Context, u *Utterance) error

// NewValidationMiddleware stops the chain with a RejectedError when
// validate fails.
func NewValidationMiddleware(name string, validate ValidationFunc) Middleware {
	return NewMiddlewareFunc(name, func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
		if err := validate(ctx, u); err != nil {
			log.WithFields(map[string]interface{}{
				"middleware": name,
				"seq":        ctx.Seq,
			}).WithError(err).Debug("utterance validation failed")
			return nil, &RejectedError{Middleware: name, Reason: err}
		}
		return next(ctx, u)
	})
}
