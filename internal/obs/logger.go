// Package obs defines the small Logger/Metrics/Clock seams the context
// pipeline depends on, backed by zerolog and OpenTelemetry rather than a
// hand-rolled writer, matching the ambient stack used everywhere else in
// this repo.
package obs

import "github.com/rs/zerolog"

// Logger is the narrow logging surface the pipeline consumes, so tests
// can swap in a no-op or recording implementation without dragging in
// zerolog's full API.
type Logger interface {
	Info(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Debug(msg string, fields map[string]any)
}

// ZerologLogger adapts a zerolog.Logger to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger wraps log.
func NewZerologLogger(log zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: log}
}

func (z *ZerologLogger) Info(msg string, fields map[string]any)  { z.emit(z.log.Info(), msg, fields) }
func (z *ZerologLogger) Error(msg string, fields map[string]any) { z.emit(z.log.Error(), msg, fields) }
func (z *ZerologLogger) Debug(msg string, fields map[string]any) { z.emit(z.log.Debug(), msg, fields) }

func (z *ZerologLogger) emit(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// defaultLogger is a no-op, used when no Logger option is supplied.
type defaultLogger struct{}

func (defaultLogger) Info(string, map[string]any)  {}
func (defaultLogger) Error(string, map[string]any) {}
func (defaultLogger) Debug(string, map[string]any) {}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return defaultLogger{} }
