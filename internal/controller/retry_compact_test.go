package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/compaction"
	"github.com/haasonsaas/strand/pkg/models"
)

// errorStream scripts a provider failure.
func errorStream(msg string) func(ctx context.Context, ch chan<- agent.ProviderEvent) {
	return playEvents(agent.ProviderEvent{Kind: agent.StreamError, Err: errors.New(msg)})
}

// usageStream scripts a normal response whose usage reports the given
// input token count.
func usageStream(text string, inputTokens int) func(ctx context.Context, ch chan<- agent.ProviderEvent) {
	return playEvents(
		agent.ProviderEvent{Kind: agent.StreamTextDelta, Text: text},
		agent.ProviderEvent{Kind: agent.StreamUsage, Usage: models.Usage{Input: inputTokens, Output: 5}},
		agent.ProviderEvent{Kind: agent.StreamStop, StopReason: models.StopEndTurn},
	)
}

func retryPayloads(log *eventLog, t models.AgentEventType) []models.RetryEventPayload {
	var out []models.RetryEventPayload
	for _, ev := range log.snapshot() {
		if ev.Type == t && ev.Retry != nil {
			out = append(out, *ev.Retry)
		}
	}
	return out
}

func TestTransientErrorRetried(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(errorStream("upstream 503: overloaded"))
	p.push(textStream("recovered"))
	c, log := newTestController(t, p)

	if err := c.Prompt(context.Background(), "try", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	starts := retryPayloads(log, models.EventAutoRetryStart)
	if len(starts) != 1 || starts[0].Attempt != 1 || starts[0].MaxAttempts != 2 {
		t.Errorf("retry starts = %+v, want one with attempt 1/2", starts)
	}
	ends := retryPayloads(log, models.EventAutoRetryEnd)
	if len(ends) != 1 || !ends[0].Success {
		t.Errorf("retry ends = %+v, want one success", ends)
	}

	// The failed call stays in the log but is dropped from the model
	// context before the retry.
	entries := c.Session().Entries()
	if len(entries) != 3 {
		t.Fatalf("session has %d entries, want 3: %v", len(entries), entryKinds(c))
	}
	failed, ok := entries[1].(*models.AssistantMessageEntry)
	if !ok || failed.Message.StopReason != models.StopError {
		t.Errorf("entry 1 = %#v, want failed assistant", entries[1])
	}
	if got := len(c.engine.Messages()); got != 2 {
		t.Errorf("model context has %d messages, want 2 (error dropped)", got)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(errorStream("upstream 503: overloaded"))
	dir := t.TempDir()
	yaml := fmt.Sprintf("data_dir: %s\nprovider: fake\nretry:\n  max_retries: 0\n", dir)
	c, log := newTestControllerYAML(t, p, yaml)

	if err := c.Prompt(context.Background(), "try", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	if got := retryPayloads(log, models.EventAutoRetryStart); len(got) != 0 {
		t.Errorf("retry starts = %+v, want none with a zero budget", got)
	}
	ends := retryPayloads(log, models.EventAutoRetryEnd)
	if len(ends) != 1 || ends[0].Success {
		t.Fatalf("retry ends = %+v, want one failure", ends)
	}
	if ends[0].ErrorText == "" {
		t.Error("retry end is missing the provider error text")
	}

	entries := c.Session().Entries()
	last, ok := entries[len(entries)-1].(*models.AssistantMessageEntry)
	if !ok || last.Message.StopReason != models.StopError {
		t.Errorf("last entry = %#v, want the failed assistant", entries[len(entries)-1])
	}
}

func TestNonRetryableErrorEndsRun(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(errorStream("invalid api key"))
	c, log := newTestController(t, p)

	if err := c.Prompt(context.Background(), "try", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	if log.has(models.EventAutoRetryStart) || log.has(models.EventAutoRetryEnd) {
		t.Error("auth failure produced retry events")
	}
	if len(p.requests()) != 1 {
		t.Errorf("provider saw %d requests, want 1", len(p.requests()))
	}
}

// compactionYAML triggers compaction as soon as context tops 500 tokens
// and keeps roughly the last exchange.
func compactionYAML(dir string) string {
	return fmt.Sprintf(`data_dir: %s
provider: fake
retry:
  max_retries: 1
  base_delay: 1ms
compaction:
  enabled: true
  reserve_tokens: 1500
  keep_recent_tokens: 40
`, dir)
}

func TestThresholdCompaction(t *testing.T) {
	p := newFakeProvider(2000)
	p.push(textStream(strings.Repeat("alpha ", 30)))                // a1
	p.push(usageStream(strings.Repeat("omega ", 17), 900))          // a2, pushes past the trigger
	p.push(textStream("Summary of the early conversation so far.")) // summarizer
	c, log := newTestControllerYAML(t, p, compactionYAML(t.TempDir()))
	ctx := context.Background()

	if err := c.Prompt(ctx, "first question", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)
	if err := c.Prompt(ctx, strings.Repeat("second question with much more detail ", 8), nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	// Threshold compaction runs off the event path after the run ends.
	var comp *models.CompactionEntry
	waitFor(t, "compaction entry", func() bool {
		for _, e := range c.Session().Entries() {
			if ce, ok := e.(*models.CompactionEntry); ok {
				comp = ce
				return true
			}
		}
		return false
	})

	if !strings.Contains(comp.Summary, "Summary of the early conversation") {
		t.Errorf("compaction summary = %q, want the summarizer output", comp.Summary)
	}
	kept, ok := c.Session().GetEntry(comp.FirstKeptEntryID)
	if !ok {
		t.Fatalf("first kept entry %s not found", comp.FirstKeptEntryID)
	}
	if _, isUser := kept.(*models.UserMessageEntry); !isUser {
		t.Errorf("cut landed on %T, want a user message", kept)
	}
	if comp.TokensBefore <= 0 {
		t.Error("compaction entry is missing the token estimate")
	}

	waitFor(t, "compaction end event", func() bool {
		return log.has(models.EventAutoCompactionEnd)
	})
	for _, ev := range log.snapshot() {
		if ev.Type == models.EventAutoCompactionStart && ev.Compaction.Reason != "threshold" {
			t.Errorf("compaction reason = %q, want threshold", ev.Compaction.Reason)
		}
	}

	// The summary and the kept tail replace the full history.
	msgs := c.engine.Messages()
	if len(msgs) != 3 {
		t.Fatalf("model context has %d messages after compaction, want 3", len(msgs))
	}
	first, ok := msgs[0].(models.UserMessage)
	if !ok || !strings.Contains(first.Content.Text(), "Summary of the early conversation") {
		t.Errorf("context does not open with the summary: %#v", msgs[0])
	}
}

func TestManualCompactTooShort(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(textStream("short answer"))
	c, _ := newTestController(t, p)
	ctx := context.Background()

	if err := c.Prompt(ctx, "one exchange", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	if err := c.Compact(ctx, ""); err == nil {
		t.Error("Compact() on a two-message session succeeded, want error")
	}
}

func TestManualCompactAlreadyCompacted(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(textStream(strings.Repeat("one ", 20)))
	p.push(textStream(strings.Repeat("two ", 20)))
	p.push(textStream("a compact summary"))
	c, _ := newTestControllerYAML(t, p, compactionYAML(t.TempDir()))
	ctx := context.Background()

	for _, q := range []string{"first", strings.Repeat("second question ", 10)} {
		if err := c.Prompt(ctx, q, nil); err != nil {
			t.Fatalf("Prompt() = %v", err)
		}
		waitIdle(t, c)
	}
	if err := c.Compact(ctx, ""); err != nil {
		t.Fatalf("Compact() = %v", err)
	}
	if err := c.Compact(ctx, ""); !errors.Is(err, compaction.ErrAlreadyCompacted) {
		t.Errorf("second Compact() = %v, want ErrAlreadyCompacted", err)
	}
}

func TestOverflowCompactsAndResumes(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(textStream(strings.Repeat("early answer ", 10)))  // a1
	p.push(textStream(strings.Repeat("later answer ", 10)))  // a2
	p.push(errorStream("prompt is too long: 210000 tokens")) // overflow on turn 3
	p.push(textStream("overflow recovery summary"))          // summarizer
	p.push(textStream("resumed after compaction"))           // retried turn 3
	c, log := newTestControllerYAML(t, p, compactionYAML(t.TempDir()))
	ctx := context.Background()

	for _, q := range []string{"first", strings.Repeat("second question ", 10)} {
		if err := c.Prompt(ctx, q, nil); err != nil {
			t.Fatalf("Prompt() = %v", err)
		}
		waitIdle(t, c)
	}
	if err := c.Prompt(ctx, strings.Repeat("third question ", 10), nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	var sawStart bool
	for _, ev := range log.snapshot() {
		if ev.Type == models.EventAutoCompactionStart && ev.Compaction.Reason == "overflow" {
			sawStart = true
		}
		if ev.Type == models.EventAutoCompactionEnd && ev.Compaction.Reason == "overflow" && !ev.Compaction.WillRetry {
			t.Error("overflow compaction end did not mark the turn for retry")
		}
	}
	if !sawStart {
		t.Fatal("no overflow compaction start event")
	}

	entries := c.Session().Entries()
	last, ok := entries[len(entries)-1].(*models.AssistantMessageEntry)
	if !ok || last.Message.Content.Text() != "resumed after compaction" {
		t.Errorf("last entry = %#v, want the resumed answer", entries[len(entries)-1])
	}
}
