package breaker

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenMax: 1})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if got := b.State(); got != StateClosed {
			t.Fatalf("after %d failures: expected closed, got %s", i+1, got)
		}
	}

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 5 failures: expected open, got %s", got)
	}
	if b.TryAcquire() {
		t.Error("TryAcquire should fail while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if got := b.State(); got != StateClosed {
		t.Fatalf("non-consecutive failures should not open the breaker, got %s", got)
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 30 * time.Millisecond, HalfOpenMax: 2})

	b.RecordFailure()
	if b.TryAcquire() {
		t.Fatal("should reject while open")
	}

	time.Sleep(40 * time.Millisecond)

	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", got)
	}

	// Exactly HalfOpenMax trial slots.
	if !b.TryAcquire() {
		t.Fatal("first trial slot should be granted")
	}
	if !b.TryAcquire() {
		t.Fatal("second trial slot should be granted")
	}
	if b.TryAcquire() {
		t.Fatal("third trial should be rejected")
	}
}

func TestBreaker_CanAcquireDoesNotConsumeSlot(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if !b.CanAcquire() {
			t.Fatalf("CanAcquire call %d should still be true", i+1)
		}
	}
	if !b.TryAcquire() {
		t.Fatal("trial slot should still be available after CanAcquire calls")
	}
	if b.CanAcquire() {
		t.Error("CanAcquire should be false once the only slot is consumed")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.TryAcquire() {
		t.Fatal("trial should be granted")
	}
	b.RecordSuccess()

	if got := b.State(); got != StateClosed {
		t.Fatalf("success while half_open should close, got %s", got)
	}
	if !b.TryAcquire() {
		t.Error("closed breaker should admit traffic")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !b.TryAcquire() {
		t.Fatal("trial should be granted")
	}
	b.RecordFailure()

	if got := b.State(); got != StateOpen {
		t.Fatalf("failure while half_open should reopen, got %s", got)
	}
	if b.TryAcquire() {
		t.Error("reopened breaker should reject traffic")
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := New(Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	b.RecordFailure()
	if got := b.State(); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Fatalf("expected closed after reset, got %s", got)
	}
	if !b.TryAcquire() {
		t.Error("reset breaker should admit traffic")
	}
}

func TestGroup_PerDestinationIsolation(t *testing.T) {
	g := NewGroup(Config{FailureThreshold: 1, ResetTimeout: time.Minute})

	g.Get("telegram").RecordFailure()

	if got := g.Get("telegram").State(); got != StateOpen {
		t.Errorf("telegram breaker should be open, got %s", got)
	}
	if got := g.Get("discord").State(); got != StateClosed {
		t.Errorf("discord breaker should be unaffected, got %s", got)
	}

	states := g.States()
	if len(states) != 2 {
		t.Errorf("expected 2 breakers tracked, got %d", len(states))
	}
}
