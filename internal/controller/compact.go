package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/providers"
	"github.com/haasonsaas/strand/internal/compaction"
	"github.com/haasonsaas/strand/internal/extensions"
	"github.com/haasonsaas/strand/internal/retry"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	compactReasonThreshold = "threshold"
	compactReasonOverflow  = "overflow"
	compactReasonManual    = "manual"

	// overflowResumeDelay separates a successful overflow compaction
	// from the resumed stream, letting observers settle.
	overflowResumeDelay = 100 * time.Millisecond
)

// handleStreamError is the engine's error hook, called on the run
// goroutine when a stream ends with an error stop reason. Overflow goes
// to the compactor; transient failures go to the retry supervisor;
// everything else ends the run.
func (c *Controller) handleStreamError(ctx context.Context, msg models.AssistantMessage) bool {
	if compaction.IsOverflow(msg, c.contextWindow()) {
		return c.compactForOverflow(ctx, msg)
	}
	if providers.ClassifyError(errors.New(msg.ErrorMessage)).IsRetryable() {
		c.engine.DropLastAssistant()
		return c.retry.Handle(ctx, msg)
	}
	return false
}

// compactForOverflow shrinks the context after the provider rejected
// the request as too large, then resumes the interrupted turn without
// the overflow message. A failed overflow compaction is fatal to the
// run: there is no smaller request to fall back to.
func (c *Controller) compactForOverflow(ctx context.Context, msg models.AssistantMessage) bool {
	if err := c.compact(ctx, compactReasonOverflow, "", true); err != nil {
		c.logWarn(ctx, "overflow compaction failed", "error", err)
		return false
	}
	if err := retry.SleepWithContext(ctx, overflowResumeDelay); err != nil {
		return false
	}
	// compact rebuilt the engine context from the log, which already
	// excludes the error-terminated message.
	_ = msg
	return true
}

// Compact summarizes older history on user request. A running turn is
// aborted first. Returns compaction.ErrAlreadyCompacted when the branch
// tail is already a compaction.
func (c *Controller) Compact(ctx context.Context, customInstructions string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.mu.Unlock()

	c.engine.Abort()
	if err := c.engine.Wait(ctx); err != nil {
		return err
	}
	return c.compact(ctx, compactReasonManual, customInstructions, false)
}

// compact runs one compaction pass: prepare the cut, give extensions a
// chance to cancel or supply the summary, summarize, append the
// compaction entry, and rebuild the engine context from the log.
func (c *Controller) compact(ctx context.Context, reason, instructions string, willRetry bool) error {
	cctx, err := c.beginCompaction(ctx)
	if err != nil {
		return err
	}
	defer c.endCompaction()

	auto := reason != compactReasonManual
	if auto {
		start := models.NewAgentEvent(models.EventAutoCompactionStart)
		start.Compaction = &models.CompactionEventPayload{Reason: reason}
		c.emitter.Emit(start)
	}

	err = c.runCompaction(cctx, reason, instructions, willRetry)

	if auto {
		end := models.NewAgentEvent(models.EventAutoCompactionEnd)
		end.Compaction = &models.CompactionEventPayload{
			Reason:    reason,
			WillRetry: willRetry && err == nil,
			Aborted:   errors.Is(err, context.Canceled),
		}
		if err != nil {
			end.Compaction.ErrorText = err.Error()
		}
		c.emitter.Emit(end)
	}
	if c.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordCompaction(reason, status)
	}
	return err
}

func (c *Controller) runCompaction(ctx context.Context, reason, instructions string, willRetry bool) error {
	sess := c.Session()
	plan, err := compaction.Prepare(sess.GetBranch(), c.compactionConfig())
	if err != nil {
		return err
	}
	if plan == nil {
		return errors.New("nothing to compact")
	}

	before := c.trigger(ctx, extensions.NewEvent(extensions.SessionBeforeCompact).
		WithData("reason", reason).
		WithData("firstKeptEntryId", plan.FirstKeptEntryID).
		WithData("tokensBefore", plan.TokensBefore))
	if before.Cancelled() {
		return fmt.Errorf("%w: %s", ErrCancelledByExtension, before.CancelReason())
	}

	summary := ""
	fromExtension := false
	firstKept := plan.FirstKeptEntryID
	if o := before.Compaction; o != nil && strings.TrimSpace(o.Summary) != "" {
		summary = o.Summary
		fromExtension = true
		if o.FirstKeptEntryID != "" {
			firstKept = o.FirstKeptEntryID
		}
	} else {
		summary, err = c.summarize.Summarize(ctx, plan.SummarizeEntries, plan.PreviousSummary, instructions)
		if err != nil {
			return fmt.Errorf("summarize history: %w", err)
		}
	}

	if _, err := sess.AppendCompaction(summary, firstKept, plan.TokensBefore, nil, fromExtension); err != nil {
		return fmt.Errorf("append compaction: %w", err)
	}

	// The engine works on a copy of the model-visible conversation;
	// after a compaction the log is the source of truth again.
	c.engine.SetMessages(sess.BuildContext().Messages)

	c.trigger(ctx, extensions.NewEvent(extensions.SessionCompact).
		WithData("reason", reason).
		WithData("tokensBefore", plan.TokensBefore).
		WithData("willRetry", willRetry))
	return nil
}

// beginCompaction claims the compaction slot. Compaction never overlaps
// itself; the returned context is cancelled by AbortCompaction.
func (c *Controller) beginCompaction(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, ErrDisposed
	}
	if c.compactAbort != nil {
		return nil, ErrCompacting
	}
	cctx, cancel := context.WithCancel(ctx)
	c.compactAbort = cancel
	return cctx, nil
}

func (c *Controller) endCompaction() {
	c.mu.Lock()
	cancel := c.compactAbort
	c.compactAbort = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// completeText adapts the current provider's stream into the one-shot
// completion the summarizer needs, with reasoning off.
func (c *Controller) completeText(ctx context.Context, req compaction.CompletionRequest) (string, error) {
	c.mu.Lock()
	model := c.model
	if m, ok := c.roleModels["summarizer"]; ok {
		model = m
	}
	c.mu.Unlock()

	provider := c.provider(model.Provider)
	if provider == nil {
		return "", agent.ErrNoProvider
	}
	events, err := provider.Stream(ctx, agent.Request{
		Model:         model.ID,
		System:        req.System,
		Messages:      []models.Message{models.UserMessage{Content: models.TextBlocks(req.Prompt)}},
		MaxTokens:     req.MaxTokens,
		ThinkingLevel: models.ThinkingOff,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ev := range events {
		switch ev.Kind {
		case agent.StreamTextDelta:
			sb.WriteString(ev.Text)
		case agent.StreamError:
			return "", ev.Err
		}
	}
	return sb.String(), nil
}
