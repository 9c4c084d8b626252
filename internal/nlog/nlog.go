// Package nlog provides the structured logging surface shared by every
// iotswarm component. It never configures handlers or sinks: callers
// that embed this module install their own *slog.Logger via SetLogger;
// a bare slog.Default() is used otherwise.
/*
 * Copyright (c) 2024-2025, iotswarm authors. All rights reserved.
 */
package nlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

func sprintf(format string, args ...any) string { return fmt.Sprintf(format, args...) }

func sprintln(args ...any) string {
	s := fmt.Sprintln(args...)
	return s[:len(s)-1]
}

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(slog.Default())
}

// SetLogger installs l as the package-wide logger. Passing nil resets
// to slog.Default().
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	current.Store(l)
}

func get() *slog.Logger { return current.Load() }

// With returns a child logger carrying the given structured attributes,
// matching the teacher's "instance logger" idiom (device, cycle, swarm
// context attached once and reused for every subsequent call site).
func With(args ...any) *slog.Logger { return get().With(args...) }

func Infof(format string, args ...any)    { get().Info(sprintf(format, args...)) }
func Warningf(format string, args ...any) { get().Warn(sprintf(format, args...)) }
func Errorf(format string, args ...any)   { get().Error(sprintf(format, args...)) }
func Debugf(format string, args ...any)   { get().Debug(sprintf(format, args...)) }

func Infoln(args ...any)    { get().Info(sprintln(args...)) }
func Warningln(args ...any) { get().Warn(sprintln(args...)) }
func Errorln(args ...any)   { get().Error(sprintln(args...)) }

// InfoCtx/WarningCtx/ErrorCtx carry a context for handlers that extract
// trace or request IDs from it (e.g. via otelslog). The core engine
// itself never populates such values.
func InfoCtx(ctx context.Context, msg string, args ...any)    { get().InfoContext(ctx, msg, args...) }
func WarningCtx(ctx context.Context, msg string, args ...any) { get().WarnContext(ctx, msg, args...) }
func ErrorCtx(ctx context.Context, msg string, args ...any)   { get().ErrorContext(ctx, msg, args...) }
