package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPolicy_BlockDuration(t *testing.T) {
	p := Policy{BlockBase: time.Second, BlockMax: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.BlockDuration(i + 1); got != w {
			t.Fatalf("failures=%d: expected %s, got %s", i+1, w, got)
		}
	}
	if got := p.BlockDuration(1000); got != p.BlockMax {
		t.Fatalf("expected cap without overflow, got %s", got)
	}
}

func TestPolicy_Validate(t *testing.T) {
	ok := Policy{Window: time.Minute, MaxAttempts: 0}
	if err := ok.Validate(); err != nil {
		t.Fatalf("max attempts 0 is valid: %v", err)
	}
	bad := []Policy{
		{Window: 0, MaxAttempts: 1},
		{Window: time.Minute, MaxAttempts: -1},
		{Window: time.Minute, CaptchaThreshold: -1},
		{Window: time.Minute, ProgressiveDelay: true, BlockBase: time.Minute, BlockMax: time.Second},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, p)
		}
	}
}

func TestError_IsAndCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewDecisionError(Decision{Outcome: OutcomeBlocked, Key: "k", RetryAfter: time.Second}))
	if !IsBlockedError(err) {
		t.Fatalf("expected blocked error through wrapping")
	}
	if errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("blocked must not match exceeded")
	}
	if CodeOf(err) != CodeBlocked {
		t.Fatalf("expected %s, got %s", CodeBlocked, CodeOf(err))
	}

	sys := NewSystemError(errors.New("boom"))
	if !errors.Is(sys, ErrSystem) || sys.Error() != "rate limit system error: boom" {
		t.Fatalf("unexpected system error: %v", sys)
	}
	if NewDecisionError(Decision{Outcome: OutcomeAllowed}) != nil {
		t.Fatalf("allowed decisions produce no error")
	}
	if CodeOf(errors.New("x")) != "" {
		t.Fatalf("foreign errors have no code")
	}
}
