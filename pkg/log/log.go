// Package log provides structured logging for reqchat on top of zerolog.
// It exposes a small field-oriented API so call sites read the same way
// across packages: log.WithField("k", v).WithError(err).Error("msg").
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Level aliases so callers do not need to import zerolog directly.
const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	Disabled   = zerolog.Disabled
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
)

// InitLogger replaces the global logger.
// When pretty is true output goes through zerolog's ConsoleWriter, which is
// what the CLI uses; otherwise one JSON object is written per line.
func InitLogger(w io.Writer, level zerolog.Level, pretty bool) {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	mu.Lock()
	logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// SetLevel changes the level of the global logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	logger = logger.Level(level)
	mu.Unlock()
}

// GetLogger returns a copy of the global zerolog logger.
func GetLogger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Entry is a logger carrying accumulated fields.
type Entry struct {
	l zerolog.Logger
}

func base() Entry {
	return Entry{l: GetLogger()}
}

// WithField returns an entry with one extra field.
func (e Entry) WithField(key string, value interface{}) Entry {
	return Entry{l: e.l.With().Interface(key, value).Logger()}
}

// WithFields returns an entry with every field in fields.
func (e Entry) WithFields(fields map[string]interface{}) Entry {
	return Entry{l: e.l.With().Fields(fields).Logger()}
}

// WithError attaches err under the "error" key.
func (e Entry) WithError(err error) Entry {
	return Entry{l: e.l.With().Err(err).Logger()}
}

// Debug logs msg at debug level.
func (e Entry) Debug(msg string) { e.l.Debug().Msg(msg) }

// Info logs msg at info level.
func (e Entry) Info(msg string) { e.l.Info().Msg(msg) }

// Warn logs msg at warn level.
func (e Entry) Warn(msg string) { e.l.Warn().Msg(msg) }

// Error logs msg at error level.
func (e Entry) Error(msg string) { e.l.Error().Msg(msg) }

// WithField starts an entry from the global logger.
func WithField(key string, value interface{}) Entry {
	return base().WithField(key, value)
}

// WithFields starts an entry from the global logger.
func WithFields(fields map[string]interface{}) Entry {
	return base().WithFields(fields)
}

// WithError starts an entry from the global logger.
func WithError(err error) Entry {
	return base().WithError(err)
}

func Debug(msg string) { base().Debug(msg) }
func Info(msg string)  { base().Info(msg) }
func Warn(msg string)  { base().Warn(msg) }
func Error(msg string) { base().Error(msg) }
