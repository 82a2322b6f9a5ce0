// Package meter provides Meter implementations for logging and metrics.
package meter

import (
	"github.com/rs/zerolog"

	"github.com/pixelforge/admitgate"
)

// LogMeter logs admission events using zerolog.
type LogMeter struct {
	Logger zerolog.Logger
}

var _ admitgate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
func NewLogMeter(logger zerolog.Logger) *LogMeter {
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmit(e admitgate.AdmitEvent) {
	m.Logger.Info().
		Str("request_id", e.RequestID).
		Str("operation", e.Operation).
		Bool("account", e.Account).
		Int64("from_free", e.FromFree).
		Int64("from_account", e.FromAccount).
		Msg("admitted")
}

func (m *LogMeter) OnResult(e admitgate.ResultEvent) {
	switch {
	case e.Committed:
		m.Logger.Info().
			Str("request_id", e.RequestID).
			Str("operation", e.Operation).
			Bool("account", e.Account).
			Int64("from_free", e.FromFree).
			Int64("from_account", e.FromAccount).
			Dur("duration", e.Duration).
			Msg("committed")
	case e.RolledBack:
		m.Logger.Warn().
			Err(e.Err).
			Str("request_id", e.RequestID).
			Str("operation", e.Operation).
			Bool("account", e.Account).
			Int64("from_free", e.FromFree).
			Int64("from_account", e.FromAccount).
			Dur("duration", e.Duration).
			Msg("rolled back")
	default:
		m.Logger.Info().
			Err(e.Err).
			Str("request_id", e.RequestID).
			Str("operation", e.Operation).
			Bool("account", e.Account).
			Dur("duration", e.Duration).
			Msg("rejected")
	}
}
