package infra

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"abuse-gateway/middleware/ratelimit/domain"
)

// MultiSink entrega o evento para todos os sinks e junta os erros.
type MultiSink []domain.AuditSink

func (m MultiSink) Record(ctx context.Context, ev domain.AuditEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var ErrAuditThrottled = errors.New("audit event throttled")

// ThrottledSink limita a vazão de eventos (token bucket de x/time/rate) para
// que um ataque não inunde o destino. Eventos de chave suspeita passam sempre.
type ThrottledSink struct {
	next domain.AuditSink
	lim  *rate.Limiter
}

func NewThrottledSink(next domain.AuditSink, perSecond float64, burst int) *ThrottledSink {
	if burst <= 0 {
		burst = 1
	}
	return &ThrottledSink{next: next, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *ThrottledSink) Record(ctx context.Context, ev domain.AuditEvent) error {
	if ev.Kind != domain.AuditSuspicious && !t.lim.Allow() {
		return ErrAuditThrottled
	}
	return t.next.Record(ctx, ev)
}
