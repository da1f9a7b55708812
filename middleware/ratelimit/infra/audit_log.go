package infra

import (
	"context"
	"log/slog"

	"abuse-gateway/middleware/ratelimit/domain"
)

// LogSink escreve cada evento como uma linha estruturada de nível Warn.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Record(ctx context.Context, ev domain.AuditEvent) error {
	s.log.WarnContext(ctx, "security event",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"code", ev.Code,
		"policy", ev.Policy,
		"key", ev.Key,
		"method", ev.Method,
		"path", ev.Path,
		"consecutive_failures", ev.ConsecutiveFailures,
		"violations", ev.Violations,
		"detail", ev.Detail,
		"at", ev.At,
	)
	return nil
}
