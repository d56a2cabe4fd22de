package controller

import (
	"context"
	"math/rand"
	"sync"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/retry"
	"github.com/haasonsaas/strand/internal/settings"
	"github.com/haasonsaas/strand/pkg/models"
)

// retryCancelledMessage is the final error reported when a backoff
// sleep is aborted.
const retryCancelledMessage = "Retry cancelled"

// retrySupervisor re-drives the turn loop after transient provider
// failures. It brackets every cycle with auto_retry_start and
// auto_retry_end events, sleeps an exponential backoff between
// attempts, and keeps the failed assistant message out of the context
// handed to the next attempt (the log retains it).
//
// Handle runs on the engine's run goroutine; Observe runs on the
// controller's event subscriber; Abort and Wait may run anywhere.
type retrySupervisor struct {
	emitter *agent.Emitter
	metrics *observability.Metrics
	logger  *observability.Logger
	config  func() settings.RetrySettings

	mu      sync.Mutex
	attempt int
	cancel  context.CancelFunc // active backoff sleep
	done    chan struct{}      // open while a cycle is outstanding
}

func newRetrySupervisor(emitter *agent.Emitter, metrics *observability.Metrics, logger *observability.Logger, config func() settings.RetrySettings) *retrySupervisor {
	return &retrySupervisor{
		emitter: emitter,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

// Handle is called with an error-terminated assistant message that
// classified as retryable. It returns true when the turn loop should
// open another stream. The failed message must already be dropped from
// the engine context by the caller.
func (r *retrySupervisor) Handle(ctx context.Context, msg models.AssistantMessage) bool {
	cfg := r.config()

	r.mu.Lock()
	r.attempt++
	attempt := r.attempt
	if r.done == nil {
		r.done = make(chan struct{})
	}
	if attempt > cfg.MaxRetries {
		r.resolveLocked()
		r.mu.Unlock()
		r.emitEnd(attempt-1, cfg.MaxRetries, false, msg.ErrorMessage)
		return false
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	delay := retry.Backoff(attempt, cfg.BaseDelay, cfg.MaxDelay, 2)
	if cfg.Jitter {
		delay = retry.BackoffWithRand(attempt, cfg.BaseDelay, cfg.MaxDelay, 2, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
	}

	ev := models.NewAgentEvent(models.EventAutoRetryStart)
	ev.Retry = &models.RetryEventPayload{
		Attempt:     attempt,
		MaxAttempts: cfg.MaxRetries,
		Delay:       delay,
		ErrorText:   msg.ErrorMessage,
	}
	r.emitter.Emit(ev)
	if r.metrics != nil {
		r.metrics.RecordRetry(msg.Provider, "transient")
	}
	if r.logger != nil {
		r.logger.Warn(ctx, "retrying after provider error",
			"attempt", attempt, "max_attempts", cfg.MaxRetries,
			"delay", delay, "error", msg.ErrorMessage)
	}

	if err := retry.SleepWithContext(sleepCtx, delay); err != nil {
		r.mu.Lock()
		r.cancel = nil
		r.resolveLocked()
		r.mu.Unlock()
		r.emitEnd(attempt, cfg.MaxRetries, false, retryCancelledMessage)
		return false
	}

	r.mu.Lock()
	r.cancel = nil
	r.mu.Unlock()
	return true
}

// Observe watches completed assistant messages. A clean completion
// while a cycle is outstanding resolves it as a success and resets the
// attempt counter.
func (r *retrySupervisor) Observe(msg models.AssistantMessage) {
	if msg.StopReason == models.StopError {
		return
	}
	r.mu.Lock()
	attempt := r.attempt
	outstanding := r.done != nil
	r.attempt = 0
	r.resolveLocked()
	r.mu.Unlock()

	if outstanding && attempt > 0 {
		r.emitEnd(attempt, r.config().MaxRetries, true, "")
	}
}

// Abort cancels an in-progress backoff sleep. No-op when idle.
func (r *retrySupervisor) Abort() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the outstanding retry cycle resolves, successfully
// or not. Returns immediately when no cycle is outstanding.
func (r *retrySupervisor) Wait(ctx context.Context) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *retrySupervisor) resolveLocked() {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	r.attempt = 0
}

func (r *retrySupervisor) emitEnd(attempt, maxAttempts int, success bool, finalError string) {
	ev := models.NewAgentEvent(models.EventAutoRetryEnd)
	ev.Retry = &models.RetryEventPayload{
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Success:     success,
		ErrorText:   finalError,
	}
	r.emitter.Emit(ev)
}
