package infra

import (
	"hash/fnv"
	"sync"
	"time"

	"abuse-gateway/middleware/ratelimit/domain"
)

const defaultShards = 32

// Store é o RecordStore em memória de uma política.
//
// As chaves são distribuídas em shards, cada um com seu próprio mutex: a
// decisão de uma chave é serializada e chaves em shards diferentes seguem em
// paralelo. Registros ociosos são removidos por Sweep/StartJanitor.
type Store struct {
	shards       []*shard
	window       time.Duration
	idleTTL      time.Duration
	captchaTTL   time.Duration
	cleanupEvery time.Duration
}

type shard struct {
	mu      sync.Mutex
	records map[domain.Key]*domain.Record
}

var _ domain.RecordStore = (*Store)(nil)

type StoreOption func(*Store)

func WithShards(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.shards = newShards(n)
		}
	}
}

// WithIdleTTL define por quanto tempo um registro fica após janela e bloqueio expirarem.
func WithIdleTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.idleTTL = d }
}

// WithCaptchaTTL define por quanto tempo um registro que ainda exige CAPTCHA
// é mantido sem atividade.
func WithCaptchaTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.captchaTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(s *Store) { s.cleanupEvery = d }
}

func NewStore(window time.Duration, opts ...StoreOption) *Store {
	s := &Store{
		shards:       newShards(defaultShards),
		window:       window,
		idleTTL:      15 * time.Minute,
		captchaTTL:   24 * time.Hour,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newShards(n int) []*shard {
	out := make([]*shard, n)
	for i := range out {
		out[i] = &shard{records: make(map[domain.Key]*domain.Record)}
	}
	return out
}

func (s *Store) CleanupEvery() time.Duration { return s.cleanupEvery }

func (s *Store) shardFor(key domain.Key) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Do implementa domain.RecordStore.
func (s *Store) Do(key domain.Key, now time.Time, fn func(*domain.Record, bool)) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		rec = &domain.Record{Key: key, WindowStart: now}
		sh.records[key] = rec
	}
	fn(rec, !ok)
}

// Get devolve uma cópia do registro.
func (s *Store) Get(key domain.Key) (domain.Record, bool) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return domain.Record{}, false
	}
	return *rec, true
}

func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.records = make(map[domain.Key]*domain.Record)
		sh.mu.Unlock()
	}
}

func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.records)
		sh.mu.Unlock()
	}
	return n
}

// Sweep remove registros cuja janela e bloqueio expiraram há mais de idleTTL.
// Registros que ainda exigem CAPTCHA usam captchaTTL. Retorna quantos saíram.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, rec := range sh.records {
			if s.evictable(rec, now) {
				delete(sh.records, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Store) evictable(rec *domain.Record, now time.Time) bool {
	ttl := s.idleTTL
	if rec.CaptchaRequired {
		ttl = s.captchaTTL
	}
	lastActive := rec.WindowEnd(s.window)
	if rec.IsBlocked && rec.BlockUntil.After(lastActive) {
		lastActive = rec.BlockUntil
	}
	return !now.Before(lastActive.Add(ttl))
}

// StartJanitor inicia uma goroutine que limpa registros inativos periodicamente.
// Pare cancelando o contexto.
func (s *Store) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep(time.Now())
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}
