package middleware

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func newTestContext() *Context {
	return &Context{
		Ctx:      context.Background(),
		Seq:      1,
		Metadata: make(map[string]interface{}),
	}
}

// TestNewChain tests creating a new middleware chain
func TestNewChain(t *testing.T) {
	chain := NewChain()
	if chain == nil {
		t.Fatal("Expected non-nil chain")
	}
	if chain.Len() != 0 {
		t.Errorf("Expected empty chain, got %d middleware", chain.Len())
	}
}

// TestChain_Add tests adding middleware to a chain
func TestChain_Add(t *testing.T) {
	chain := NewChain()
	chain.Add(LoggingMiddleware())
	chain.Add(SanitizationMiddleware())

	if chain.Len() != 2 {
		t.Errorf("Expected 2 middleware, got %d", chain.Len())
	}
}

// TestChain_Process_EmptyChain tests that an empty chain passes the utterance through
func TestChain_Process_EmptyChain(t *testing.T) {
	u := &Utterance{Text: "hello"}
	result, err := NewChain().Process(newTestContext(), u)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != u {
		t.Error("Expected the same utterance back from an empty chain")
	}
}

// TestChain_Process_ExecutionOrder tests that middleware runs in the order added
func TestChain_Process_ExecutionOrder(t *testing.T) {
	var order []string
	record := func(name string) Middleware {
		return NewMiddlewareFunc(name, func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
			order = append(order, name+":before")
			result, err := next(ctx, u)
			order = append(order, name+":after")
			return result, err
		})
	}

	chain := NewChain(record("first"), record("second"), record("third"))
	if _, err := chain.Process(newTestContext(), &Utterance{Text: "x"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := []string{
		"first:before", "second:before", "third:before",
		"third:after", "second:after", "first:after",
	}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected order %v, got %v", expected, order)
	}
}

// TestTransformMiddleware tests utterance transformation
func TestTransformMiddleware(t *testing.T) {
	m := NewTransformMiddleware("upper", func(ctx *Context, u *Utterance) (*Utterance, error) {
		u.Text = strings.ToUpper(u.Text)
		return u, nil
	})

	result, err := NewChain(m).Process(newTestContext(), &Utterance{Text: "hello"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Text != "HELLO" {
		t.Errorf("Expected 'HELLO', got '%s'", result.Text)
	}
}

// TestTransformMiddleware_Error tests that transform errors are wrapped with the middleware name
func TestTransformMiddleware_Error(t *testing.T) {
	m := NewTransformMiddleware("broken", func(ctx *Context, u *Utterance) (*Utterance, error) {
		return nil, errors.New("boom")
	})

	_, err := NewChain(m).Process(newTestContext(), &Utterance{Text: "hello"})
	if err == nil {
		t.Fatal("Expected error from transform")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error to name the middleware, got: %v", err)
	}
	if IsRejected(err) {
		t.Error("Transform errors should not be reported as rejections")
	}
}

// TestFilterMiddleware tests filtering utterances
func TestFilterMiddleware(t *testing.T) {
	m := NewFilterMiddleware("no-secrets", func(ctx *Context, u *Utterance) (bool, error) {
		return !strings.Contains(u.Text, "password"), nil
	})
	chain := NewChain(m)

	if _, err := chain.Process(newTestContext(), &Utterance{Text: "hello"}); err != nil {
		t.Errorf("Expected allowed utterance, got error: %v", err)
	}

	_, err := chain.Process(newTestContext(), &Utterance{Text: "my password is x"})
	if err == nil {
		t.Fatal("Expected filtered utterance to fail")
	}
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("Expected *RejectedError, got %T", err)
	}
	if rej.Middleware != "no-secrets" {
		t.Errorf("Expected middleware 'no-secrets', got '%s'", rej.Middleware)
	}
}

// TestFilterMiddleware_Error tests that the filter's reason is kept
func TestFilterMiddleware_Error(t *testing.T) {
	reason := errors.New("too spicy")
	m := NewFilterMiddleware("spice", func(ctx *Context, u *Utterance) (bool, error) {
		return false, reason
	})

	_, err := NewChain(m).Process(newTestContext(), &Utterance{Text: "x"})
	if !errors.Is(err, reason) {
		t.Errorf("Expected error to wrap the filter reason, got: %v", err)
	}
}

// TestValidationMiddleware tests validation rejections
func TestValidationMiddleware(t *testing.T) {
	m := NewValidationMiddleware("short", func(ctx *Context, u *Utterance) error {
		if len(u.Text) > 5 {
			return errors.New("too long")
		}
		return nil
	})
	chain := NewChain(m)

	if _, err := chain.Process(newTestContext(), &Utterance{Text: "ok"}); err != nil {
		t.Errorf("Expected valid utterance, got error: %v", err)
	}
	_, err := chain.Process(newTestContext(), &Utterance{Text: "far too long"})
	if !IsRejected(err) {
		t.Errorf("Expected rejection, got: %v", err)
	}
}

// TestMiddlewareFunc_Name tests the middleware name
func TestMiddlewareFunc_Name(t *testing.T) {
	m := NewMiddlewareFunc("custom", func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
		return next(ctx, u)
	})
	if m.Name() != "custom" {
		t.Errorf("Expected name 'custom', got '%s'", m.Name())
	}
}

// TestChain_Process_ErrorPropagation tests that a rejection stops later middleware
func TestChain_Process_ErrorPropagation(t *testing.T) {
	called := false
	chain := NewChain(
		NewValidationMiddleware("reject-all", func(ctx *Context, u *Utterance) error {
			return errors.New("no")
		}),
		NewMiddlewareFunc("after", func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
			called = true
			return next(ctx, u)
		}),
	)

	if _, err := chain.Process(newTestContext(), &Utterance{Text: "x"}); err == nil {
		t.Error("Expected error")
	}
	if called {
		t.Error("Middleware after a rejection should not run")
	}
}

// TestChain_Process_MetadataAccess tests sharing metadata between middleware
func TestChain_Process_MetadataAccess(t *testing.T) {
	chain := NewChain(
		NewMiddlewareFunc("writer", func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
			ctx.Metadata["lang"] = "en"
			return next(ctx, u)
		}),
		NewMiddlewareFunc("reader", func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
			if ctx.Metadata["lang"] != "en" {
				t.Errorf("Expected metadata 'en', got %v", ctx.Metadata["lang"])
			}
			return next(ctx, u)
		}),
	)

	if _, err := chain.Process(newTestContext(), &Utterance{Text: "x"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

// TestChain_Process_ContextCancellation tests middleware observing a cancelled context
func TestChain_Process_ContextCancellation(t *testing.T) {
	m := NewMiddlewareFunc("ctx-check", func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
		if err := ctx.Ctx.Err(); err != nil {
			return nil, err
		}
		return next(ctx, u)
	})

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	mctx := newTestContext()
	mctx.Ctx = cctx

	_, err := NewChain(m).Process(mctx, &Utterance{Text: "x"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

// TestChain_Process_Concurrent tests running a chain from several goroutines
func TestChain_Process_Concurrent(t *testing.T) {
	chain := DefaultChain(100, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := newTestContext()
			ctx.Seq = i + 1
			if _, err := chain.Process(ctx, &Utterance{Text: "  hello  "}); err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
}
