package application

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"abuse-gateway/middleware/ratelimit/domain"
)

const defaultAuditTimeout = 2 * time.Second

// AuditDispatcher entrega eventos ao sink em segundo plano, sem nunca
// bloquear o caminho de decisão.
//
// - Se não houver vaga no Pool, o evento é descartado e contado em Dropped.
// - Erros e panics do sink são registrados em debug e descartados.
type AuditDispatcher struct {
	sink    domain.AuditSink
	pool    domain.SlotPool
	timeout time.Duration
	log     *slog.Logger

	wg      sync.WaitGroup
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewAuditDispatcher(sink domain.AuditSink, pool domain.SlotPool, timeout time.Duration, log *slog.Logger) *AuditDispatcher {
	if timeout <= 0 {
		timeout = defaultAuditTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &AuditDispatcher{sink: sink, pool: pool, timeout: timeout, log: log}
}

// Dispatch agenda a entrega e retorna imediatamente.
// Retorna false quando o evento foi descartado.
func (d *AuditDispatcher) Dispatch(ev domain.AuditEvent) bool {
	if d == nil || d.sink == nil {
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	release := func() {}
	if d.pool != nil {
		r, ok := d.pool.TryAcquire()
		if !ok {
			d.dropped.Add(1)
			return false
		}
		release = r
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer release()
		defer func() {
			if p := recover(); p != nil {
				d.failed.Add(1)
				d.log.Debug("audit sink panicked", "event", ev.ID, "panic", p)
			}
		}()

		// contexto desacoplado da requisição: o cliente pode já ter ido embora.
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.Record(ctx, ev); err != nil {
			d.failed.Add(1)
			d.log.Debug("audit sink failed", "event", ev.ID, "code", ev.Code, "error", err)
		}
	}()
	return true
}

// Wait espera as entregas em andamento (shutdown e testes).
func (d *AuditDispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *AuditDispatcher) Dropped() int64 { return d.dropped.Load() }
func (d *AuditDispatcher) Failed() int64  { return d.failed.Load() }
