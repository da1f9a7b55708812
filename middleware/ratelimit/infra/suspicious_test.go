package infra

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestSuspiciousRegistry_FlagsAtThreshold(t *testing.T) {
	r := NewSuspiciousRegistry(3, 0)

	for i := 1; i <= 2; i++ {
		if n, flagged := r.RecordViolation("9.9.9.9"); flagged || n != i {
			t.Fatalf("violation %d: expected count=%d not flagged, got %d %v", i, i, n, flagged)
		}
	}
	if _, flagged := r.RecordViolation("9.9.9.9"); !flagged {
		t.Fatalf("expected key to be flagged on 3rd violation")
	}
	if _, flagged := r.RecordViolation("9.9.9.9"); flagged {
		t.Fatalf("flagged must be reported only once")
	}

	if got := r.List(); !reflect.DeepEqual(got, []string{"9.9.9.9"}) {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestSuspiciousRegistry_ClearReportsPresence(t *testing.T) {
	r := NewSuspiciousRegistry(1, 0)
	r.RecordViolation("a")

	if !r.Clear("a") {
		t.Fatalf("expected Clear to report removal")
	}
	if r.Clear("a") {
		t.Fatalf("expected Clear on absent key to be false")
	}
	if r.Violations("a") != 0 {
		t.Fatalf("expected counter reset on clear")
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected empty list")
	}
}

func TestSuspiciousRegistry_DefaultThresholdAndReset(t *testing.T) {
	r := NewSuspiciousRegistry(0, 0)
	if r.Threshold() != DefaultSuspiciousThreshold {
		t.Fatalf("expected default threshold, got %d", r.Threshold())
	}
	for i := 0; i < DefaultSuspiciousThreshold; i++ {
		r.RecordViolation("b")
	}
	r.RecordViolation("a")
	if got := r.List(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("unexpected list %v", got)
	}

	r.Reset()
	if len(r.List()) != 0 || r.Violations("a") != 0 {
		t.Fatalf("expected reset to wipe flags and counters")
	}
}

func TestSuspiciousRegistry_CountersExpireWithTTL(t *testing.T) {
	r := NewSuspiciousRegistry(5, 20*time.Millisecond)
	r.RecordViolation("c")
	r.RecordViolation("c")

	time.Sleep(40 * time.Millisecond)

	if n, _ := r.RecordViolation("c"); n != 1 {
		t.Fatalf("expected counter to restart after ttl, got %d", n)
	}
}

func TestSuspiciousRegistry_ConcurrentViolationsFlagOnce(t *testing.T) {
	r := NewSuspiciousRegistry(10, 0)

	var mu sync.Mutex
	flags := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, flagged := r.RecordViolation("d"); flagged {
				mu.Lock()
				flags++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if flags != 1 {
		t.Fatalf("expected exactly one flag transition, got %d", flags)
	}
	if r.Violations("d") != 100 {
		t.Fatalf("expected 100 violations, got %d", r.Violations("d"))
	}
}
