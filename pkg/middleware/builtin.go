package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shawkym/reqchat/pkg/log"
)

// LoggingMiddleware logs each utterance before and after the rest of the
// chain.
func LoggingMiddleware() Middleware {
	return NewMiddlewareFunc("logging", func(ctx *Context, u *Utterance, next ProcessFunc) (*Utterance, error) {
		start := time.Now()

		log.WithFields(map[string]interface{}{
			"seq":         ctx.Seq,
			"content_len": len(u.Text),
		}).Debug("processing utterance")

		result, err := next(ctx, u)
		if err != nil {
			log.WithFields(map[string]interface{}{
				"seq":         ctx.Seq,
				"duration_ms": time.Since(start).Milliseconds(),
			}).WithError(err).Debug("utterance refused")
			return nil, err
		}

		return result, nil
	})
}

// SanitizationMiddleware trims surrounding whitespace, normalizes line
// endings and drops control characters other than newline and tab.
// Inner line breaks are kept since batch input is line oriented.
func SanitizationMiddleware() Middleware {
	return NewTransformMiddleware("sanitization", func(ctx *Context, u *Utterance) (*Utterance, error) {
		text := strings.ReplaceAll(u.Text, "\r\n", "\n")
		text = strings.Map(func(r rune) rune {
			if r == '\n' || r == '\t' {
				return r
			}
			if unicode.IsControl(r) || r == utf8.RuneError {
				return -1
			}
			return r
		}, text)
		u.Text = strings.TrimSpace(text)
		return u, nil
	})
}

// EmptyContentValidationMiddleware rejects blank utterances.
func EmptyContentValidationMiddleware() Middleware {
	return NewValidationMiddleware("empty-content", func(ctx *Context, u *Utterance) error {
		if strings.TrimSpace(u.Text) == "" {
			return fmt.Errorf("message cannot be empty")
		}
		return nil
	})
}

// ContentFilterMiddlewareConfig configures content filtering.
type ContentFilterMiddlewareConfig struct {
	// MaxLength is the maximum length in characters (0 = unlimited)
	MaxLength int

	// BlockedWords are refused anywhere in the text
	BlockedWords []string

	// CaseSensitive determines if word matching is case-sensitive
	CaseSensitive bool
}

// ContentFilterMiddleware refuses utterances that are too long or contain
// a blocked word.
func ContentFilterMiddleware(config ContentFilterMiddlewareConfig) Middleware {
	return NewFilterMiddleware("content-filter", func(ctx *Context, u *Utterance) (bool, error) {
		if n := utf8.RuneCountInString(u.Text); config.MaxLength > 0 && n > config.MaxLength {
			return false, fmt.Errorf("message is %d characters, the limit is %d", n, config.MaxLength)
		}

		text := u.Text
		if !config.CaseSensitive {
			text = strings.ToLower(text)
		}
		for _, word := range config.BlockedWords {
			w := word
			if !config.CaseSensitive {
				w = strings.ToLower(w)
			}
			if w != "" && strings.Contains(text, w) {
				return false, fmt.Errorf("message contains blocked word: %s", word)
			}
		}

		return true, nil
	})
}

// RateLimitConfig bounds how fast a user can submit.
type RateLimitConfig struct {
	MaxPerMinute int
}

// RateLimitMiddleware refuses utterances beyond MaxPerMinute in a fixed
// one-minute window. Zero disables it.
func RateLimitMiddleware(config RateLimitConfig) Middleware {
	return rateLimitMiddleware(config, time.Now)
}

func rateLimitMiddleware(config RateLimitConfig, now func() time.Time) Middleware {
	var (
		mu    sync.Mutex
		count int
		reset time.Time
	)

	return NewFilterMiddleware("rate-limit", func(ctx *Context, u *Utterance) (bool, error) {
		if config.MaxPerMinute <= 0 {
			return true, nil
		}

		mu.Lock()
		defer mu.Unlock()

		t := now()
		if !t.Before(reset) {
			count = 0
			reset = t.Add(time.Minute)
		}
		if count >= config.MaxPerMinute {
			return false, fmt.Errorf("more than %d messages per minute, try again in %s",
				config.MaxPerMinute, reset.Sub(t).Round(time.Second))
		}
		count++
		return true, nil
	})
}

// ErrorRecoveryMiddleware turns a panic further down the chain into an
// error.
func ErrorRecoveryMiddleware() Middleware {
	return NewMiddlewareFunc("error-recovery", func(ctx *Context, u *Utterance, next ProcessFunc) (result *Utterance, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(map[string]interface{}{
					"seq":   ctx.Seq,
					"panic": r,
				}).Error("middleware panic recovered")
				err = fmt.Errorf("middleware panic: %v", r)
				result = nil
			}
		}()

		return next(ctx, u)
	})
}

// DefaultChain is the outbound chain used by the router: recovery,
// logging, sanitization, empty check, length and word filter, rate limit.
func DefaultChain(maxLength int, blocked []string, maxPerMinute int) *Chain {
	return NewChain(
		ErrorRecoveryMiddleware(),
		LoggingMiddleware(),
		SanitizationMiddleware(),
		EmptyContentValidationMiddleware(),
		ContentFilterMiddleware(ContentFilterMiddlewareConfig{
			MaxLength:    maxLength,
			BlockedWords: blocked,
		}),
		RateLimitMiddleware(RateLimitConfig{MaxPerMinute: maxPerMinute}),
	)
}
