// Package dispatch implements the outbound delivery pipeline: rate limiting,
// deduplication, inline retries with exponential backoff, per-destination
// circuit breaking, out-of-band requeues, and dead-lettering on retry budget
// exhaustion.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"relaybot/internal/breaker"
	"relaybot/internal/bus"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/ratelimit"
)

const (
	defaultInlineRetries  = 2
	defaultRetryMax       = 3
	defaultRetryBase      = 700 * time.Millisecond
	defaultRetryMaxDelay  = 25 * time.Second
	defaultRetryJitter    = 250 * time.Millisecond
	defaultDedupeTTL      = 30 * time.Second
	defaultDedupeMaxSize  = 1024
	defaultConsumeTimeout = 500 * time.Millisecond
	maxDeadLetterContent  = 2000
)

// Options tunes the dispatch service. Zero values fall back to defaults.
type Options struct {
	InlineRetries  int           // extra attempts within one Send call
	RetryMax       int           // cumulative out-of-band retry budget
	RetryBase      time.Duration // backoff base delay
	RetryMaxDelay  time.Duration // backoff cap
	RetryJitter    time.Duration // random addition in [0, jitter)
	DedupeTTL      time.Duration
	DedupeMaxSize  int
	BreakerEnabled bool
	Breaker        breaker.Config
	ConsumeTimeout time.Duration // poll interval of the background loop
	Events         *bus.EventBus // optional lifecycle event sink
}

func (o Options) withDefaults() Options {
	if o.InlineRetries < 0 {
		o.InlineRetries = defaultInlineRetries
	}
	if o.RetryMax <= 0 {
		o.RetryMax = defaultRetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = defaultRetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = defaultRetryMaxDelay
	}
	if o.RetryJitter < 0 {
		o.RetryJitter = defaultRetryJitter
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = defaultDedupeTTL
	}
	if o.DedupeMaxSize <= 0 {
		o.DedupeMaxSize = defaultDedupeMaxSize
	}
	if o.ConsumeTimeout <= 0 {
		o.ConsumeTimeout = defaultConsumeTimeout
	}
	return o
}

// Service orchestrates outbound delivery. All mutable state (dedupe cache,
// breakers, limiter tokens, timer set) is owned by this instance and safe for
// concurrent use by the background loop, direct Send callers, and retry
// timers.
type Service struct {
	opts     Options
	sender   domain.Sender
	dlq      domain.DeadLetterStore
	bus      domain.MessageBus
	limiter  *ratelimit.Limiter
	breakers *breaker.Group
	dedupe   *dedupeCache
	events   *bus.EventBus
	logger   *slog.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a dispatch service. sender is required; dlq may be nil when
// dead-lettering is disabled.
func New(opts Options, sender domain.Sender, dlq domain.DeadLetterStore, msgBus domain.MessageBus, limiter *ratelimit.Limiter, logger *slog.Logger) *Service {
	opts = opts.withDefaults()
	return &Service{
		opts:     opts,
		sender:   sender,
		dlq:      dlq,
		bus:      msgBus,
		limiter:  limiter,
		breakers: breaker.NewGroup(opts.Breaker),
		dedupe:   newDedupeCache(opts.DedupeTTL, opts.DedupeMaxSize),
		events:   opts.Events,
		logger:   logger,
		timers:   map[*time.Timer]struct{}{},
	}
}

// Start launches the background consume loop. Calling it again while running
// is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopped = false
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consumeLoop()
	s.logger.Info("dispatch service started")
}

// Stop cancels pending retry timers, waits for the consume loop to exit, and
// cancels timers once more: the loop's final iteration may race shutdown and
// schedule a fresh requeue.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.cancelTimers()
	s.wg.Wait()
	s.cancelTimers()
	s.logger.Info("dispatch service stopped")
}

func (s *Service) cancelTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
	metrics.PendingRetries.Set(0)
}

// consumeLoop pulls outbound messages off the bus and dispatches them. An
// individual failure never blocks the loop.
func (s *Service) consumeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		msg := s.bus.Consume(domain.QueueOutbound, s.opts.ConsumeTimeout)
		metrics.QueueDepth.Set(int64(s.bus.Size(domain.QueueOutbound)))
		if msg == nil {
			continue
		}

		res := s.Send(context.Background(), msg.Provider, msg)
		if !res.OK {
			s.logger.Debug("outbound dispatch failed",
				"provider", msg.Provider,
				"message_id", msg.ID,
				"error", res.Error,
			)
		}
	}
}

// Send runs one delivery attempt sequence: rate gate, dedupe short-circuit,
// breaker gate, inline retries, then either an out-of-band requeue or a
// dead-letter write. It always returns a structured result.
func (s *Service) Send(ctx context.Context, provider string, msg *domain.Message) domain.SendResult {
	if msg == nil {
		return domain.Failure("nil message")
	}
	if provider == "" {
		provider = msg.Provider
	}

	// Rate gate: one bounded wait, then proceed regardless so a saturated
	// limiter degrades to a single stall instead of an unbounded spin.
	if !s.limiter.TryConsume(1) {
		metrics.RateLimitWaits.Inc()
		wait := s.limiter.WaitTime()
		s.emit(bus.EventDeliveryRateLimited, provider, msg, map[string]any{"wait": wait.String()})
		s.logger.Debug("rate limited, waiting", "provider", provider, "wait", wait)
		if err := sleepCtx(ctx, wait); err != nil {
			return domain.Failure(fmt.Sprintf("cancelled while rate limited: %v", err))
		}
		s.limiter.TryConsume(1)
	}

	// Dedupe short-circuit.
	s.dedupe.prune()
	key := DedupeKey(provider, msg)
	if cachedID, ok := s.dedupe.get(key); ok {
		metrics.DedupeHits.Inc()
		s.emit(bus.EventDeliveryDeduplicated, provider, msg, map[string]any{"delivered_as": cachedID})
		s.logger.Debug("duplicate suppressed",
			"provider", provider,
			"message_id", msg.ID,
			"delivered_as", cachedID,
		)
		return domain.SendResult{OK: true, MessageID: cachedID}
	}

	var errText string
	if s.opts.BreakerEnabled && !s.breakers.Get(provider).TryAcquire() {
		metrics.BreakerRejections.Inc()
		s.emit(bus.EventBreakerRejected, provider, msg, nil)
		errText = fmt.Sprintf("circuit breaker open for %s", provider)
		s.logger.Warn("send rejected by circuit breaker", "provider", provider, "message_id", msg.ID)
	} else {
		res, failure := s.sendInline(ctx, provider, key, msg)
		if failure == "" {
			return res
		}
		errText = failure
		if !isRetryable(errText) {
			s.logger.Warn("non-retryable send failure",
				"provider", provider,
				"message_id", msg.ID,
				"error", errText,
			)
			return domain.Failure(errText)
		}
	}

	return s.requeueOrDeadLetter(ctx, provider, msg, errText)
}

// sendInline runs the inline retry loop. Returns a zero failure string on
// success; otherwise the last error text.
func (s *Service) sendInline(ctx context.Context, provider, dedupeKey string, msg *domain.Message) (domain.SendResult, string) {
	var errText string

	attempts := s.opts.InlineRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res := s.sender.Send(ctx, msg)
		if res.OK {
			if s.opts.BreakerEnabled {
				s.breakers.Get(provider).RecordSuccess()
			}
			s.dedupe.put(dedupeKey, res.MessageID)
			metrics.MessagesSent.Inc()
			s.emit(bus.EventDeliverySent, provider, msg, map[string]any{"provider_message_id": res.MessageID})
			return res, ""
		}

		errText = res.Error
		metrics.SendFailures.Inc()
		if s.opts.BreakerEnabled {
			s.breakers.Get(provider).RecordFailure()
		}

		if !isRetryable(errText) {
			return domain.SendResult{}, errText
		}

		if attempt < attempts {
			delay := s.computeDelay(attempt)
			metrics.InlineRetries.Inc()
			s.logger.Warn("send failed, retrying inline",
				"provider", provider,
				"message_id", msg.ID,
				"attempt", attempt,
				"backoff", delay,
				"error", errText,
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return domain.SendResult{}, errText
			}
		}
	}

	return domain.SendResult{}, errText
}

// requeueOrDeadLetter handles a retryable exhaustion: schedule a delayed
// re-publish while the retry budget lasts, else write a dead letter.
func (s *Service) requeueOrDeadLetter(ctx context.Context, provider string, msg *domain.Message, errText string) domain.SendResult {
	retryCount := metaInt(msg, domain.MetaRetryCount)

	if retryCount < s.opts.RetryMax {
		clone := msg.Clone()
		clone.SetMeta(domain.MetaRetryCount, strconv.Itoa(retryCount+1))
		clone.SetMeta(domain.MetaLastError, errText)

		delay := s.computeDelay(retryCount + 1)
		clone.SetMeta(domain.MetaRetryAt, time.Now().Add(delay).Format(time.RFC3339))

		s.scheduleRequeue(clone, delay)
		metrics.Requeues.Inc()
		s.emit(bus.EventDeliveryRequeued, provider, msg, map[string]any{
			"retry": retryCount + 1,
			"delay": delay.String(),
		})
		s.logger.Info("send requeued",
			"provider", provider,
			"message_id", msg.ID,
			"retry", retryCount+1,
			"retry_max", s.opts.RetryMax,
			"delay", delay,
			"error", errText,
		)
		return domain.Failure(fmt.Sprintf("requeued after failure (retry %d/%d): %s",
			retryCount+1, s.opts.RetryMax, errText))
	}

	s.writeDeadLetter(ctx, provider, msg, retryCount, errText)
	return domain.Failure(fmt.Sprintf("delivery failed after %d retries: %s", retryCount, errText))
}

// scheduleRequeue arms a cancellable timer that re-publishes the retry clone
// onto the outbound queue. Timers are tracked so Stop can cancel them all.
func (s *Service) scheduleRequeue(clone *domain.Message, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		stopped := s.stopped
		s.mu.Unlock()
		metrics.PendingRetries.Dec()

		if stopped {
			return
		}
		s.bus.PublishOutbound(clone)
	})
	s.timers[t] = struct{}{}
	metrics.PendingRetries.Inc()
}

func (s *Service) writeDeadLetter(ctx context.Context, provider string, msg *domain.Message, retryCount int, errText string) {
	if s.dlq == nil {
		return
	}

	content := msg.Content
	if len(content) > maxDeadLetterContent {
		content = content[:maxDeadLetterContent]
	}

	rec := domain.DeadLetterRecord{
		Timestamp:  time.Now(),
		Provider:   provider,
		ChatID:     msg.ChatID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReplyTo:    msg.ReplyTo,
		ThreadID:   msg.ThreadID,
		RetryCount: retryCount,
		Error:      errText,
		Content:    content,
		Metadata:   msg.Metadata,
	}

	if err := s.dlq.Append(ctx, rec); err != nil {
		// Best effort: a dead letter about a dead letter helps nobody.
		s.logger.Error("dead-letter write failed",
			"provider", provider,
			"message_id", msg.ID,
			"err", err,
		)
		return
	}

	metrics.DeadLetters.Inc()
	s.emit(bus.EventDeliveryDeadLettered, provider, msg, map[string]any{
		"retries": retryCount,
		"error":   errText,
	})
	s.logger.Error("message dead-lettered",
		"provider", provider,
		"message_id", msg.ID,
		"chat_id", msg.ChatID,
		"retries", retryCount,
		"error", errText,
	)
}

// computeDelay returns min(base * 2^(attempt-1), max) plus jitter in
// [0, jitter).
func (s *Service) computeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := s.opts.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.RetryMaxDelay {
			delay = s.opts.RetryMaxDelay
			break
		}
	}
	if delay > s.opts.RetryMaxDelay {
		delay = s.opts.RetryMaxDelay
	}

	if s.opts.RetryJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(s.opts.RetryJitter)))
	}
	return delay
}

// BreakerStates returns the current per-destination breaker states, for
// health displays.
func (s *Service) BreakerStates() map[string]breaker.State {
	return s.breakers.States()
}

// ResetBreaker forces the breaker for provider back to closed.
func (s *Service) ResetBreaker(provider string) {
	s.breakers.Get(provider).Reset()
}

// PendingRetries returns the number of scheduled requeue timers.
func (s *Service) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// emit publishes a lifecycle event when an event bus is configured.
func (s *Service) emit(eventType, provider string, msg *domain.Message, extra map[string]any) {
	if s.events == nil {
		return
	}
	payload := map[string]any{
		"provider":   provider,
		"message_id": msg.ID,
		"chat_id":    msg.ChatID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.events.EmitAsync(bus.Event{Type: eventType, Source: "dispatch", Payload: payload})
}

func metaInt(msg *domain.Message, key string) int {
	n, err := strconv.Atoi(msg.Meta(key))
	if err != nil {
		return 0
	}
	return n
}

// sleepCtx sleeps for d but returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
