package infra

import (
	"context"
	"sync"

	"abuse-gateway/middleware/ratelimit/domain"
)

// MemoryAuditSink é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Guarda contadores por código (e opcionalmente por chave) e os últimos
// eventos recebidos; não é indicada para produção.
type MemoryAuditSink struct {
	mu     sync.Mutex
	byCode map[domain.Code]int64
	byKey  map[domain.Key]int64
	recent []domain.AuditEvent

	keep      int
	trackKeys bool
}

type MemoryAuditOption func(*MemoryAuditSink)

func WithTrackKeys(track bool) MemoryAuditOption {
	return func(s *MemoryAuditSink) { s.trackKeys = track }
}

// WithKeepRecent define quantos eventos recentes manter (padrão 100).
func WithKeepRecent(n int) MemoryAuditOption {
	return func(s *MemoryAuditSink) { s.keep = n }
}

func NewMemoryAuditSink(opts ...MemoryAuditOption) *MemoryAuditSink {
	s := &MemoryAuditSink{
		byCode: make(map[domain.Code]int64),
		byKey:  make(map[domain.Key]int64),
		keep:   100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryAuditSink) Record(_ context.Context, ev domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := ev.Code
	if ev.Kind == domain.AuditSuspicious {
		code = "SUSPICIOUS"
	}
	s.byCode[code]++
	if s.trackKeys {
		s.byKey[ev.Key]++
	}

	if s.keep > 0 {
		s.recent = append(s.recent, ev)
		if len(s.recent) > s.keep {
			s.recent = s.recent[len(s.recent)-s.keep:]
		}
	}
	return nil
}

func (s *MemoryAuditSink) ByCode() map[domain.Code]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Code]int64, len(s.byCode))
	for k, v := range s.byCode {
		out[k] = v
	}
	return out
}

func (s *MemoryAuditSink) ByKey() map[domain.Key]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Key]int64, len(s.byKey))
	for k, v := range s.byKey {
		out[k] = v
	}
	return out
}

func (s *MemoryAuditSink) Recent() []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEvent, len(s.recent))
	copy(out, s.recent)
	return out
}
