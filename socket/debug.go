package socket

import (
	"context"
	"log/slog"

	"github.com/soypat/pgm/internal"
)

// logger embeds into Socket the same logenabled/debug/trace/logerr idiom
// used across this codebase's connection types, built on internal.LogAttrs
// so heap-allocation debugging (internal.HeapAllocDebugging) forces logging
// on regardless of the configured level.
type logger struct {
	log *slog.Logger
}

func (l *logger) logenabled(lvl slog.Level) bool {
	return internal.HeapAllocDebugging || (l.log != nil && l.log.Handler().Enabled(context.Background(), lvl))
}

func (l *logger) logattrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, lvl, msg, attrs...)
}

func (l *logger) debug(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelDebug, msg, attrs...)
}

func (l *logger) trace(msg string, attrs ...slog.Attr) {
	l.logattrs(internal.LevelTrace, msg, attrs...)
}

func (l *logger) logerr(msg string, attrs ...slog.Attr) {
	l.logattrs(slog.LevelError, msg, attrs...)
}
