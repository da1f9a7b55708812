package domain

import (
	"context"
	"time"
)

type AuditKind string

const (
	AuditDenied     AuditKind = "denied"
	AuditSuspicious AuditKind = "suspicious"
)

// AuditEvent representa um evento de segurança do gate.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Postgres).
type AuditEvent struct {
	ID     string
	Kind   AuditKind
	Code   Code
	Policy string
	Key    Key

	Method string
	Path   string

	ConsecutiveFailures int
	Violations          int
	Detail              string

	At time.Time
}

// AuditSink é o destino dos eventos de auditoria.
//
// Implementações podem gravar em log, Redis, Postgres, memória, etc.
// O gate trata o sink como best-effort: um erro nunca altera a decisão.
type AuditSink interface {
	Record(ctx context.Context, ev AuditEvent) error
}
