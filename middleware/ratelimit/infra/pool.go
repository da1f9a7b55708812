package infra

import (
	"golang.org/x/sync/semaphore"

	"abuse-gateway/middleware/ratelimit/domain"
)

type semaphorePool struct {
	sem *semaphore.Weighted
}

// NewSemaphorePool cria um pool de `max` vagas para entregas de auditoria.
func NewSemaphorePool(max int64) domain.SlotPool {
	if max <= 0 {
		max = 1
	}
	return &semaphorePool{sem: semaphore.NewWeighted(max)}
}

func (p *semaphorePool) TryAcquire() (func(), bool) {
	if !p.sem.TryAcquire(1) {
		return nil, false
	}
	return func() { p.sem.Release(1) }, true
}
