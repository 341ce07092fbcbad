package dispatch

import (
	"github.com/medora-ai/medora/server/metrics"
	"go.uber.org/zap"
)

// LogSink records outcomes in the log and in Prometheus. Deferred results
// have no other destination.
type LogSink struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLogSink creates a LogSink. m may be nil.
func NewLogSink(logger *zap.Logger, m *metrics.Metrics) *LogSink {
	return &LogSink{logger: logger.Named("deferred"), metrics: m}
}

// Deliver implements Sink.
func (s *LogSink) Deliver(o Outcome) {
	if s.metrics != nil {
		s.metrics.DeferredTasks.WithLabelValues(o.Result.Outcome()).Inc()
	}

	fields := []zap.Field{
		zap.String("task_id", o.Task.ID),
		zap.String("session_id", o.Task.SessionID),
		zap.String("outcome", o.Result.Outcome()),
		zap.Int("attempts", o.Result.Attempts),
		zap.Duration("duration", o.Duration),
		zap.Duration("waited", o.Waited),
	}

	if o.Result.OK() {
		s.logger.Info("Deferred response ready",
			append(fields, zap.String("response", o.Result.Text))...)
		return
	}

	s.logger.Warn("Deferred request failed",
		append(fields,
			zap.String("fallback", o.Result.Text),
			zap.String("reason", o.Result.Detail),
		)...)
}
