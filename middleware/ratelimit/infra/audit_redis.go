package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"abuse-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisAuditSink grava contadores por código e a lista dos últimos eventos.
//
// Chaves (prefixo padrão "ratelimit:audit"):
//
//	<prefix>:total              hash code -> total (cumulativo, não expira)
//	<prefix>:minute:<yyyymmddhhmm>  hash code -> total no minuto (ttl)
//	<prefix>:key:<key>          hash code -> total da chave (ttl, se trackKeys)
//	<prefix>:events             lista JSON dos últimos maxEvents eventos
type RedisAuditSink struct {
	rdb *redis.Client

	prefix string
	// ttl aplica apenas em chaves de série temporal / por key.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackKeys bool
	maxEvents int64
}

type RedisAuditOption func(*RedisAuditSink)

func WithAuditPrefix(prefix string) RedisAuditOption {
	return func(s *RedisAuditSink) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithAuditTTL(d time.Duration) RedisAuditOption {
	return func(s *RedisAuditSink) { s.ttl = d }
}

func WithAuditBucket(bucket string) RedisAuditOption {
	return func(s *RedisAuditSink) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithAuditTrackKeys(track bool) RedisAuditOption {
	return func(s *RedisAuditSink) { s.trackKeys = track }
}

// WithAuditMaxEvents limita o tamanho da lista de eventos (0 desliga a lista).
func WithAuditMaxEvents(n int64) RedisAuditOption {
	return func(s *RedisAuditSink) { s.maxEvents = n }
}

func NewRedisAuditSink(rdb *redis.Client, opts ...RedisAuditOption) *RedisAuditSink {
	s := &RedisAuditSink{
		rdb:       rdb,
		prefix:    "ratelimit:audit",
		ttl:       24 * time.Hour,
		bucket:    "minute",
		maxEvents: 1000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisAuditSink) Record(ctx context.Context, ev domain.AuditEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := auditField(ev)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if s.trackKeys {
		k := strings.TrimSpace(string(ev.Key))
		if k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	if s.maxEvents > 0 {
		payload, err := json.Marshal(auditRecord(ev, at))
		if err != nil {
			return fmt.Errorf("encode audit event: %w", err)
		}
		eventsKey := s.prefix + ":events"
		pipe.LPush(ctx, eventsKey, payload)
		pipe.LTrim(ctx, eventsKey, 0, s.maxEvents-1)
	}

	_, err := pipe.Exec(ctx)
	return err
}

func auditField(ev domain.AuditEvent) string {
	if ev.Kind == domain.AuditSuspicious {
		return "suspicious"
	}
	return strings.ToLower(string(ev.Code))
}

// auditJSON é o formato serializado de um evento (Redis e colunas do Postgres).
type auditJSON struct {
	ID                  string `json:"id"`
	Kind                string `json:"kind"`
	Code                string `json:"code,omitempty"`
	Policy              string `json:"policy,omitempty"`
	Key                 string `json:"key"`
	Method              string `json:"method,omitempty"`
	Path                string `json:"path,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures,omitempty"`
	Violations          int    `json:"violations,omitempty"`
	Detail              string `json:"detail,omitempty"`
	At                  int64  `json:"at"`
}

func auditRecord(ev domain.AuditEvent, at time.Time) auditJSON {
	return auditJSON{
		ID:                  ev.ID,
		Kind:                string(ev.Kind),
		Code:                string(ev.Code),
		Policy:              ev.Policy,
		Key:                 string(ev.Key),
		Method:              ev.Method,
		Path:                ev.Path,
		ConsecutiveFailures: ev.ConsecutiveFailures,
		Violations:          ev.Violations,
		Detail:              ev.Detail,
		At:                  at.UnixMilli(),
	}
}
