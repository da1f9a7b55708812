package application

import (
	"sync"
	"time"

	"abuse-gateway/middleware/ratelimit/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	records map[domain.Key]*domain.Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[domain.Key]*domain.Record)}
}

func (s *fakeStore) Do(key domain.Key, now time.Time, fn func(*domain.Record, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = &domain.Record{Key: key, WindowStart: now}
		s.records[key] = rec
	}
	fn(rec, !ok)
}

func (s *fakeStore) Get(key domain.Key) (domain.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return domain.Record{}, false
	}
	return *rec, true
}

func (s *fakeStore) Clear() {
	s.mu.Lock()
	s.records = make(map[domain.Key]*domain.Record)
	s.mu.Unlock()
}

type fakeRegistry struct {
	threshold int
	counts    map[domain.Key]int
	flagged   map[domain.Key]bool
}

func newFakeRegistry(threshold int) *fakeRegistry {
	return &fakeRegistry{threshold: threshold, counts: map[domain.Key]int{}, flagged: map[domain.Key]bool{}}
}

func (r *fakeRegistry) RecordViolation(key domain.Key) (int, bool) {
	r.counts[key]++
	if r.counts[key] >= r.threshold && !r.flagged[key] {
		r.flagged[key] = true
		return r.counts[key], true
	}
	return r.counts[key], false
}

func (r *fakeRegistry) List() []string {
	out := make([]string, 0, len(r.flagged))
	for k := range r.flagged {
		out = append(out, string(k))
	}
	return out
}

func (r *fakeRegistry) Clear(key domain.Key) bool {
	ok := r.flagged[key]
	delete(r.flagged, key)
	delete(r.counts, key)
	return ok
}

func (r *fakeRegistry) Reset()         { *r = *newFakeRegistry(r.threshold) }
func (r *fakeRegistry) Threshold() int { return r.threshold }
