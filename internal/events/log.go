package events

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses the global zerolog logger.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	if logger == nil {
		return &LogSink{logger: log.Logger.With().Str("component", "engine").Logger()}
	}
	return &LogSink{logger: *logger}
}

// Status implements Sink.
func (l *LogSink) Status(msg string) {
	l.logger.Info().Msg(msg)
}

// StatusErr implements Sink.
func (l *LogSink) StatusErr(msg string, err error) {
	l.logger.Warn().Err(err).Msg(msg)
}

// Error implements Sink.
func (l *LogSink) Error(err error) {
	l.logger.Error().Err(err).Msg("engine error")
}

// OnDisconnect implements Sink.
func (l *LogSink) OnDisconnect() {
	l.logger.Info().Msg("disconnected from master")
}

// OnReconnect implements Sink.
func (l *LogSink) OnReconnect() {
	l.logger.Info().Msg("reconnecting to master")
}
