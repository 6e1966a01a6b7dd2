package metrics

import "go.uber.org/zap"

// Sink receives operational counters. It is injected into components at
// construction so nothing reaches for global state.
type Sink interface {
	Increment(name string, tags map[string]string)
}

// NoopSink is used in tests and wherever metrics are not wired.
type NoopSink struct{}

func (NoopSink) Increment(string, map[string]string) {}

// LogSink emits counters through the structured logger; a real deployment
// would swap in a push/scrape client behind the same interface.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Increment(name string, tags map[string]string) {
	fields := make([]zap.Field, 0, len(tags)+1)
	fields = append(fields, zap.String("metric", name))
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Debug("metric increment", fields...)
}
