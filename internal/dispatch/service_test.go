package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"relaybot/internal/breaker"
	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSender counts calls and returns scripted results.
type fakeSender struct {
	mu      sync.Mutex
	calls   int
	failure string // when non-empty, every send fails with this error
}

func (f *fakeSender) Send(ctx context.Context, msg *domain.Message) domain.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failure != "" {
		return domain.Failure(f.failure)
	}
	return domain.SendResult{OK: true, MessageID: fmt.Sprintf("prov-%d", f.calls)}
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// memDLQ is an in-memory dead-letter store for tests.
type memDLQ struct {
	mu   sync.Mutex
	recs []domain.DeadLetterRecord
}

func (m *memDLQ) Append(ctx context.Context, rec domain.DeadLetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memDLQ) List(ctx context.Context, limit int) ([]domain.DeadLetterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.DeadLetterRecord(nil), m.recs...), nil
}

func (m *memDLQ) MarkReplayed(ctx context.Context, id int64) error { return nil }
func (m *memDLQ) Close() error                                     { return nil }

func (m *memDLQ) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func fastOpts() Options {
	return Options{
		InlineRetries: 1,
		RetryMax:      2,
		RetryBase:     2 * time.Millisecond,
		RetryMaxDelay: 10 * time.Millisecond,
		RetryJitter:   0,
		DedupeTTL:     time.Minute,
		DedupeMaxSize: 100,
	}
}

func newService(t *testing.T, opts Options, sender domain.Sender, dlq domain.DeadLetterStore) (*Service, *bus.InMemoryBus) {
	t.Helper()
	b := bus.New(testLogger())
	limiter := ratelimit.New(ratelimit.Config{Capacity: 1000, RefillRate: 1000, RefillInterval: time.Millisecond})
	return New(opts, sender, dlq, b, limiter, testLogger()), b
}

func TestSend_Success(t *testing.T) {
	sender := &fakeSender{}
	svc, b := newService(t, fastOpts(), sender, nil)
	defer b.Close()

	res := svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "hi"))
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.MessageID == "" {
		t.Error("expected provider message id")
	}
	if sender.callCount() != 1 {
		t.Errorf("expected 1 channel call, got %d", sender.callCount())
	}
}

// Sending the same logical message twice within the TTL must hit the channel
// at most once; the second call returns the cached provider message id.
func TestSend_DedupeIdempotence(t *testing.T) {
	sender := &fakeSender{}
	svc, b := newService(t, fastOpts(), sender, nil)
	defer b.Close()

	msg := domain.NewMessage("telegram", "42", "same answer")
	msg.SetMeta(domain.MetaKind, domain.KindFinal)
	msg.SetMeta(domain.MetaTriggerID, "trig-1")

	first := svc.Send(context.Background(), "telegram", msg)
	if !first.OK {
		t.Fatalf("first send failed: %+v", first)
	}

	retry := msg.Clone()
	retry.ID = "different-id"
	retry.Content = "rephrased answer to the same trigger"

	second := svc.Send(context.Background(), "telegram", retry)
	if !second.OK {
		t.Fatalf("second send failed: %+v", second)
	}
	if second.MessageID != first.MessageID {
		t.Errorf("expected cached message id %q, got %q", first.MessageID, second.MessageID)
	}
	if sender.callCount() != 1 {
		t.Errorf("channel should be called once, got %d", sender.callCount())
	}
}

func TestSend_NonRetryableShortCircuit(t *testing.T) {
	sender := &fakeSender{failure: "invalid_auth: bad bot token"}
	dlq := &memDLQ{}
	opts := fastOpts()
	opts.RetryBase = 500 * time.Millisecond // a backoff sleep would be visible
	svc, b := newService(t, opts, sender, dlq)
	defer b.Close()

	start := time.Now()
	res := svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "hi"))
	elapsed := time.Since(start)

	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "invalid_auth") {
		t.Errorf("expected original error surfaced, got %q", res.Error)
	}
	if sender.callCount() != 1 {
		t.Errorf("non-retryable error should stop after 1 attempt, got %d", sender.callCount())
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("non-retryable failure should not sleep for backoff, took %v", elapsed)
	}
	if dlq.count() != 0 {
		t.Errorf("non-retryable failure must not dead-letter, got %d records", dlq.count())
	}
	if svc.PendingRetries() != 0 {
		t.Errorf("non-retryable failure must not requeue, %d timers pending", svc.PendingRetries())
	}
}

func TestSend_RequeueSchedulesRepublish(t *testing.T) {
	sender := &fakeSender{failure: "HTTP 502: bad gateway"}
	svc, b := newService(t, fastOpts(), sender, nil)
	defer b.Close()

	res := svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "hi"))
	if res.OK {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "requeued") {
		t.Fatalf("expected a requeued result, got %q", res.Error)
	}
	if svc.PendingRetries() != 1 {
		t.Fatalf("expected 1 pending timer, got %d", svc.PendingRetries())
	}

	// The clone lands on the outbound queue once the timer fires.
	deadline := time.Now().Add(time.Second)
	for b.Size(domain.QueueOutbound) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.Size(domain.QueueOutbound) != 1 {
		t.Fatal("requeued message never published")
	}

	clone := b.Consume(domain.QueueOutbound, 50*time.Millisecond)
	if clone == nil {
		t.Fatal("expected requeued clone")
	}
	if got := clone.Meta(domain.MetaRetryCount); got != "1" {
		t.Errorf("expected retry count 1 on clone, got %q", got)
	}
	if clone.Meta(domain.MetaLastError) == "" {
		t.Error("expected dispatch_error stamped on clone")
	}
}

// With retryMax=2 and a destination that always fails retryably, the chain is
// three Send sequences of inlineRetries+1 attempts each, then exactly one
// dead letter carrying retry_count == 2.
func TestDispatch_RetryChainToDeadLetter(t *testing.T) {
	sender := &fakeSender{failure: "HTTP 500: upstream down"}
	dlq := &memDLQ{}
	opts := fastOpts()
	opts.ConsumeTimeout = 20 * time.Millisecond
	svc, b := newService(t, opts, sender, dlq)
	defer b.Close()

	svc.Start()
	defer svc.Stop()

	b.PublishOutbound(domain.NewMessage("telegram", "42", "doomed"))

	deadline := time.Now().Add(3 * time.Second)
	for dlq.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if dlq.count() != 1 {
		t.Fatalf("expected exactly 1 dead letter, got %d", dlq.count())
	}
	recs, _ := dlq.List(context.Background(), 10)
	if recs[0].RetryCount != 2 {
		t.Errorf("expected retry_count 2, got %d", recs[0].RetryCount)
	}
	if recs[0].Provider != "telegram" || recs[0].ChatID != "42" {
		t.Errorf("dead letter missing destination context: %+v", recs[0])
	}

	// 3 dispatch sequences × (inlineRetries+1) attempts.
	if got := sender.callCount(); got != 6 {
		t.Errorf("expected 6 channel calls across the retry chain, got %d", got)
	}
}

func TestSend_BreakerGatesAfterFailures(t *testing.T) {
	sender := &fakeSender{failure: "connection reset"}
	opts := fastOpts()
	opts.InlineRetries = 0
	opts.BreakerEnabled = true
	opts.Breaker = breaker.Config{FailureThreshold: 1, ResetTimeout: time.Minute, HalfOpenMax: 1}
	svc, b := newService(t, opts, sender, nil)
	defer b.Close()

	msg := domain.NewMessage("telegram", "42", "hi")
	svc.Send(context.Background(), "telegram", msg)
	if sender.callCount() != 1 {
		t.Fatalf("expected 1 call before the breaker opens, got %d", sender.callCount())
	}

	res := svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "hi again"))
	if res.OK {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(res.Error, "circuit breaker open") {
		t.Errorf("expected breaker rejection, got %q", res.Error)
	}
	if sender.callCount() != 1 {
		t.Errorf("open breaker must not reach the channel, got %d calls", sender.callCount())
	}

	if got := svc.BreakerStates()["telegram"]; got != breaker.StateOpen {
		t.Errorf("expected open breaker in health view, got %s", got)
	}

	// Administrative reset restores traffic (the sender still fails, but it
	// is reached again).
	svc.ResetBreaker("telegram")
	svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "once more"))
	if sender.callCount() != 2 {
		t.Errorf("reset breaker should admit traffic, got %d calls", sender.callCount())
	}
}

func TestSend_RateGateBoundsStall(t *testing.T) {
	sender := &fakeSender{}
	b := bus.New(testLogger())
	defer b.Close()
	limiter := ratelimit.New(ratelimit.Config{Capacity: 1, RefillRate: 1, RefillInterval: 50 * time.Millisecond})
	svc := New(fastOpts(), sender, nil, b, limiter, testLogger())

	if res := svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "a")); !res.OK {
		t.Fatalf("first send failed: %+v", res)
	}

	// Bucket is empty: the second send waits roughly one interval, then
	// proceeds anyway.
	start := time.Now()
	res := svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "b"))
	elapsed := time.Since(start)

	if !res.OK {
		t.Fatalf("second send failed: %+v", res)
	}
	if elapsed < 20*time.Millisecond {
		t.Errorf("expected a bounded rate-limit wait, took only %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("rate-limit wait should be a single interval, took %v", elapsed)
	}
}

func TestStop_CancelsPendingTimers(t *testing.T) {
	sender := &fakeSender{failure: "HTTP 503"}
	opts := fastOpts()
	opts.RetryBase = 200 * time.Millisecond // long enough that Stop wins the race
	svc, b := newService(t, opts, sender, nil)
	defer b.Close()

	svc.Start()
	svc.Send(context.Background(), "telegram", domain.NewMessage("telegram", "42", "hi"))
	if svc.PendingRetries() != 1 {
		t.Fatalf("expected a pending timer, got %d", svc.PendingRetries())
	}

	svc.Stop()
	if svc.PendingRetries() != 0 {
		t.Fatalf("Stop should cancel all timers, %d left", svc.PendingRetries())
	}

	// The cancelled clone must never surface.
	time.Sleep(300 * time.Millisecond)
	if size := b.Size(domain.QueueOutbound); size != 0 {
		t.Errorf("cancelled requeue still published, queue size %d", size)
	}
}

func TestStart_Idempotent(t *testing.T) {
	sender := &fakeSender{}
	svc, b := newService(t, fastOpts(), sender, nil)
	defer b.Close()

	svc.Start()
	svc.Start() // second call is a no-op
	defer svc.Stop()

	b.PublishOutbound(domain.NewMessage("telegram", "42", "hello"))

	deadline := time.Now().Add(time.Second)
	for sender.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// A doubled loop would consume nothing extra here, but it would race
	// Stop; the call count check at least pins single delivery.
	if sender.callCount() != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", sender.callCount())
	}
}

func TestComputeDelay_Bounds(t *testing.T) {
	opts := Options{
		RetryBase:     700 * time.Millisecond,
		RetryMaxDelay: 25 * time.Second,
		RetryJitter:   250 * time.Millisecond,
	}
	svc, b := newService(t, opts, &fakeSender{}, nil)
	defer b.Close()

	for i := 0; i < 100; i++ {
		d := svc.computeDelay(1)
		if d < 700*time.Millisecond || d >= 950*time.Millisecond {
			t.Fatalf("computeDelay(1) = %v, want [700ms, 950ms)", d)
		}
	}

	cap := 25*time.Second + 250*time.Millisecond
	for attempt := 1; attempt <= 20; attempt++ {
		if d := svc.computeDelay(attempt); d > cap {
			t.Fatalf("computeDelay(%d) = %v exceeds cap %v", attempt, d, cap)
		}
	}

	// Without jitter the sequence is non-decreasing and capped exactly.
	opts.RetryJitter = 0
	svcNoJitter, b2 := newService(t, opts, &fakeSender{}, nil)
	defer b2.Close()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := svcNoJitter.computeDelay(attempt)
		if d < prev {
			t.Fatalf("computeDelay(%d) = %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != 25*time.Second {
		t.Errorf("expected terminal delay capped at 25s, got %v", prev)
	}
}

func TestSend_UnknownProviderFallsBackToMessage(t *testing.T) {
	sender := &fakeSender{}
	svc, b := newService(t, fastOpts(), sender, nil)
	defer b.Close()

	msg := domain.NewMessage("discord", "99", "hi")
	res := svc.Send(context.Background(), "", msg)
	if !res.OK {
		t.Fatalf("expected success with provider from message, got %+v", res)
	}
}
