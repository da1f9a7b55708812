package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"abuse-gateway/middleware/ratelimit/domain"
)

// recordingHook captura os pipelines sem abrir conexão com o Redis.
type recordingHook struct {
	mu   sync.Mutex
	cmds [][]any
	err  error
}

func (h *recordingHook) DialHook(next redis.DialHook) redis.DialHook { return next }
func (h *recordingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error { return h.err }
}

func (h *recordingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, c := range cmds {
			h.cmds = append(h.cmds, c.Args())
		}
		return h.err
	}
}

func (h *recordingHook) lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.cmds))
	for _, args := range h.cmds {
		parts := make([]string, 0, len(args))
		for _, a := range args {
			if _, ok := a.([]byte); ok {
				parts = append(parts, "<payload>")
				continue
			}
			parts = append(parts, fmt.Sprint(a))
		}
		out = append(out, strings.Join(parts, " "))
	}
	return out
}

func newHookedClient(h *recordingHook) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	rdb.AddHook(h)
	return rdb
}

func TestRedisAuditSink_RecordPipeline(t *testing.T) {
	hook := &recordingHook{}
	rdb := newHookedClient(hook)
	defer func() { _ = rdb.Close() }()

	s := NewRedisAuditSink(rdb,
		WithAuditPrefix("sec:"),
		WithAuditTTL(time.Hour),
		WithAuditTrackKeys(true),
		WithAuditMaxEvents(5),
	)
	at := time.Date(2024, 1, 2, 3, 4, 59, 0, time.UTC)
	err := s.Record(context.Background(), domain.AuditEvent{
		ID:     "ev-1",
		Kind:   domain.AuditDenied,
		Code:   domain.CodeLimitExceeded,
		Policy: "login",
		Key:    "1.2.3.4",
		At:     at,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	want := []string{
		"hincrby sec:total rate_limit_exceeded 1",
		"hincrby sec:minute:202401020304 rate_limit_exceeded 1",
		"expire sec:minute:202401020304 3600",
		"hincrby sec:key:1.2.3.4 rate_limit_exceeded 1",
		"expire sec:key:1.2.3.4 3600",
		"lpush sec:events <payload>",
		"ltrim sec:events 0 4",
	}
	got := hook.lines()
	if len(got) != len(want) {
		t.Fatalf("expected %d commands, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	payload, ok := hook.cmds[5][2].([]byte)
	if !ok {
		t.Fatalf("expected json payload, got %T", hook.cmds[5][2])
	}
	var ev auditJSON
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.ID != "ev-1" || ev.Policy != "login" || ev.At != at.UnixMilli() {
		t.Fatalf("unexpected payload %+v", ev)
	}
}

func TestRedisAuditSink_MinimalPipeline(t *testing.T) {
	hook := &recordingHook{}
	rdb := newHookedClient(hook)
	defer func() { _ = rdb.Close() }()

	s := NewRedisAuditSink(rdb, WithAuditBucket("none"), WithAuditMaxEvents(0))
	if err := s.Record(context.Background(), domain.AuditEvent{Kind: domain.AuditSuspicious, Key: "1.2.3.4"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	got := hook.lines()
	if len(got) != 1 || got[0] != "hincrby ratelimit:audit:total suspicious 1" {
		t.Fatalf("expected only the total counter, got %v", got)
	}
}

func TestRedisAuditSink_ReturnsPipelineError(t *testing.T) {
	boom := errors.New("redis down")
	rdb := newHookedClient(&recordingHook{err: boom})
	defer func() { _ = rdb.Close() }()

	err := NewRedisAuditSink(rdb).Record(context.Background(), domain.AuditEvent{Code: domain.CodeBlocked, Key: "k"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected pipeline error, got %v", err)
	}
}
