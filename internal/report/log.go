package report

import (
	"github.com/NodePath81/fbspeed/internal/speedtest"
	"github.com/NodePath81/fbspeed/internal/util"
)

// Log writes each notification as a structured log event.
type Log struct {
	logger util.Logger
}

func NewLog(logger util.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) OnPhaseStarted(phase speedtest.Phase) {
	l.logger.Info().Stringer("phase", phase).Msg("phase started")
}

func (l *Log) OnMetricReady(result speedtest.PhaseResult) {
	ev := l.logger.Info().
		Stringer("phase", result.Phase).
		Float64("value", result.Value).
		Str("unit", result.Phase.Unit()).
		Dur("elapsed", result.Elapsed).
		Int64("bytes", result.Bytes)
	// wire_rate is what actually crossed the wire; it differs from value
	// under the nominal basis.
	if secs := result.Elapsed.Seconds(); result.Bytes > 0 && secs > 0 {
		ev = ev.Str("wire_rate", util.FormatBitsPerSecond(float64(result.Bytes)*8/secs))
	}
	ev.Msg("metric ready")
}

func (l *Log) OnProgress(percent int) {
	l.logger.Debug().Int("progress", percent).Msg("progress")
}

func (l *Log) OnRunComplete(state speedtest.RunState) {
	ev := l.logger.Info().Str("run_id", state.RunID)
	for _, r := range state.Results {
		ev = ev.Float64(r.Phase.String(), r.Value)
	}
	ev.Dur("duration", state.FinishedAt.Sub(state.StartedAt)).Msg("run complete")
}

func (l *Log) OnRunFailed(err error) {
	l.logger.Error().Str("kind", string(speedtest.KindOf(err))).Err(err).Msg("run failed")
}
