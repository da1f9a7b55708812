package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"abuse-gateway/middleware/ratelimit/domain"
)

const defaultAuditTable = "rate_limit_events"

// pgExecer é o subconjunto de *pgxpool.Pool usado pelo sink.
type pgExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// PostgresAuditSink grava cada evento como uma linha.
type PostgresAuditSink struct {
	db        pgExecer
	table     string
	insertSQL string
}

func NewPostgresAuditSink(db pgExecer, table string) *PostgresAuditSink {
	if table == "" {
		table = defaultAuditTable
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &PostgresAuditSink{
		db:    db,
		table: ident,
		insertSQL: fmt.Sprintf(`INSERT INTO %s
	(id, kind, code, policy, key, method, path, consecutive_failures, violations, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, ident),
	}
}

func (s *PostgresAuditSink) Record(ctx context.Context, ev domain.AuditEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	r := auditRecord(ev, at)
	_, err := s.db.Exec(ctx, s.insertSQL,
		r.ID, r.Kind, r.Code, r.Policy, r.Key, r.Method, r.Path,
		r.ConsecutiveFailures, r.Violations, r.Detail, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EnsureSchema cria a tabela de eventos se ainda não existir.
func (s *PostgresAuditSink) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id                   UUID PRIMARY KEY,
	kind                 TEXT NOT NULL,
	code                 TEXT NOT NULL DEFAULT '',
	policy               TEXT NOT NULL DEFAULT '',
	key                  TEXT NOT NULL,
	method               TEXT NOT NULL DEFAULT '',
	path                 TEXT NOT NULL DEFAULT '',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	violations           INTEGER NOT NULL DEFAULT 0,
	detail               TEXT NOT NULL DEFAULT '',
	occurred_at          TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// NewPgPool abre o pool e espera o banco responder por até 30s.
func NewPgPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database pool init failed: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		if time.Now().After(deadline) {
			pool.Close()
			return nil, fmt.Errorf("database ping failed after retries: %w", err)
		}
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(1500 * time.Millisecond):
		}
	}
}
