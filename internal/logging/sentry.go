package logging

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const sentryFlushTimeout = 2 * time.Second

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

// WithSentry initialises Sentry and returns a logger that forwards error-level
// entries to it, plus a flush func to defer. Without a DSN the logger is
// returned unchanged.
func WithSentry(logger *zap.Logger, cfg SentryConfig) (*zap.Logger, func(), error) {
	if cfg.DSN == "" {
		return logger, func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sentry init: %w", err)
	}
	flush := func() { sentry.Flush(sentryFlushTimeout) }
	hub := sentry.CurrentHub()
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, NewSentryCore(hub, zapcore.ErrorLevel))
	})), flush, nil
}

// SentryCore reports entries at or above its level to a Sentry hub, with the
// logger and call-site fields attached as event extras.
type SentryCore struct {
	zapcore.LevelEnabler
	hub    *sentry.Hub
	fields []zapcore.Field
}

// NewSentryCore returns a core that captures entries enabled by level.
func NewSentryCore(hub *sentry.Hub, level zapcore.LevelEnabler) *SentryCore {
	return &SentryCore{LevelEnabler: level, hub: hub}
}

// With implements zapcore.Core.
func (c *SentryCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field(nil), c.fields...), fields...)
	return &clone
}

// Check implements zapcore.Core.
func (c *SentryCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

// Write implements zapcore.Core.
func (c *SentryCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	event := sentry.NewEvent()
	event.Level = sentryLevel(entry.Level)
	event.Message = entry.Message
	event.Logger = entry.LoggerName
	event.Timestamp = entry.Time
	event.Extra = enc.Fields
	if entry.Caller.Defined {
		event.Tags = map[string]string{"caller": entry.Caller.TrimmedPath()}
	}
	c.hub.CaptureEvent(event)
	return nil
}

// Sync flushes buffered events.
func (c *SentryCore) Sync() error {
	c.hub.Flush(sentryFlushTimeout)
	return nil
}

func sentryLevel(l zapcore.Level) sentry.Level {
	switch l {
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}
