package corosio

import (
	"io"
	"log/slog"

	"github.com/joeycumines/logiface"
	logifaceslog "github.com/joeycumines/logiface-slog"
)

// Logger is the logging type used throughout the runtime: scheduler
// lifecycle transitions, reactor registration/deregistration, signal
// delivery and service construction/shutdown are all recorded through it.
// The generic logiface.Event alias keeps this package from committing to
// one concrete event representation.
type Logger = logiface.Logger[logiface.Event]

// discardLogger is the zero-config default: a Logger wired to slog's
// discard handler, so constructing an ExecutionContext without a logging
// option never panics and never writes anything.
func discardLogger() *Logger {
	return NewSlogLogger(slog.NewTextHandler(io.Discard, nil))
}

// NewSlogLogger adapts a standard library slog.Handler into a Logger,
// for use with WithLogger.
func NewSlogLogger(handler slog.Handler) *Logger {
	return logiface.New[*logifaceslog.Event](
		logifaceslog.NewLogger(handler),
	).Logger()
}
