package infra

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"abuse-gateway/middleware/ratelimit/domain"
)

const DefaultSuspiciousThreshold = 10

// SuspiciousRegistry é o registro de chaves suspeitas do processo.
//
// Os contadores de violação ficam num go-cache; com ttl > 0 um contador some
// ttl depois da primeira violação, com ttl == 0 vive enquanto o processo
// viver. O conjunto de sinalizadas só muda via RecordViolation/Clear/Reset.
type SuspiciousRegistry struct {
	threshold int
	counts    *cache.Cache

	mu      sync.RWMutex
	flagged map[domain.Key]struct{}
}

var _ domain.SuspiciousRegistry = (*SuspiciousRegistry)(nil)

func NewSuspiciousRegistry(threshold int, ttl time.Duration) *SuspiciousRegistry {
	if threshold <= 0 {
		threshold = DefaultSuspiciousThreshold
	}
	expiration, cleanup := cache.NoExpiration, time.Duration(0)
	if ttl > 0 {
		expiration, cleanup = ttl, ttl
	}
	return &SuspiciousRegistry{
		threshold: threshold,
		counts:    cache.New(expiration, cleanup),
		flagged:   make(map[domain.Key]struct{}),
	}
}

func (r *SuspiciousRegistry) Threshold() int { return r.threshold }

func (r *SuspiciousRegistry) RecordViolation(key domain.Key) (int, bool) {
	count := r.increment(string(key))
	if count < r.threshold {
		return count, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flagged[key]; ok {
		return count, false
	}
	r.flagged[key] = struct{}{}
	return count, true
}

func (r *SuspiciousRegistry) increment(k string) int {
	for {
		if err := r.counts.Add(k, 1, cache.DefaultExpiration); err == nil {
			return 1
		}
		// Add falha se já existe; IncrementInt falha se expirou no meio-tempo.
		if n, err := r.counts.IncrementInt(k, 1); err == nil {
			return n
		}
	}
}

// Violations devolve o total atual de violações da chave.
func (r *SuspiciousRegistry) Violations(key domain.Key) int {
	v, ok := r.counts.Get(string(key))
	if !ok {
		return 0
	}
	n, _ := v.(int)
	return n
}

func (r *SuspiciousRegistry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.flagged))
	for k := range r.flagged {
		out = append(out, string(k))
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Clear tira a chave do conjunto e zera o contador, para que ela não volte a
// ser sinalizada na violação seguinte.
func (r *SuspiciousRegistry) Clear(key domain.Key) bool {
	r.mu.Lock()
	_, ok := r.flagged[key]
	delete(r.flagged, key)
	r.mu.Unlock()

	r.counts.Delete(string(key))
	return ok
}

func (r *SuspiciousRegistry) Reset() {
	r.mu.Lock()
	r.flagged = make(map[domain.Key]struct{})
	r.mu.Unlock()
	r.counts.Flush()
}
