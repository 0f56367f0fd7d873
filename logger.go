// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled reports false so callers skip formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() { loggerPtr.Store(slog.New(nopHandler{})) }

// SetLogger configures the logger for framelink and all its sub-packages.
// By default, nothing is logged. Pass nil to restore the default.
//
// Log levels used:
//   - [slog.LevelDebug]: individual records sent and received
//   - [slog.LevelInfo]: lifecycle events (handshake connected, view teardown)
//   - [slog.LevelWarn]: protocol anomalies that are ignored (stray messages)
//   - [slog.LevelError]: failures that terminate a channel or a view
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger used by framelink.
// Sub-packages call this to share the same configuration.
func Logger() *slog.Logger { return loggerPtr.Load() }
