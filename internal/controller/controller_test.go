package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/settings"
	"github.com/haasonsaas/strand/pkg/models"
)

// fakeProvider feeds one scripted stream per Stream call and records
// every request it receives.
type fakeProvider struct {
	mu      sync.Mutex
	models  []models.ModelInfo
	streams []func(ctx context.Context, ch chan<- agent.ProviderEvent)
	reqs    []agent.Request
}

func newFakeProvider(contextWindow int) *fakeProvider {
	return &fakeProvider{
		models: []models.ModelInfo{
			{Provider: "fake", ID: "fake-1", ContextWindow: contextWindow, Reasoning: true},
			{Provider: "fake", ID: "fake-2", ContextWindow: contextWindow},
		},
	}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Models() []models.ModelInfo { return p.models }

func (p *fakeProvider) Stream(ctx context.Context, req agent.Request) (<-chan agent.ProviderEvent, error) {
	p.mu.Lock()
	if len(p.streams) == 0 {
		p.mu.Unlock()
		return nil, errors.New("no scripted streams left")
	}
	fn := p.streams[0]
	p.streams = p.streams[1:]
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	ch := make(chan agent.ProviderEvent, 16)
	go func() {
		defer close(ch)
		fn(ctx, ch)
	}()
	return ch, nil
}

func (p *fakeProvider) push(fns ...func(ctx context.Context, ch chan<- agent.ProviderEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, fns...)
}

func (p *fakeProvider) requests() []agent.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agent.Request, len(p.reqs))
	copy(out, p.reqs)
	return out
}

// playEvents scripts a stream that emits the given events and returns.
func playEvents(events ...agent.ProviderEvent) func(ctx context.Context, ch chan<- agent.ProviderEvent) {
	return func(_ context.Context, ch chan<- agent.ProviderEvent) {
		for _, ev := range events {
			ch <- ev
		}
	}
}

// textStream scripts a stream of text deltas ending in end_turn.
func textStream(parts ...string) func(ctx context.Context, ch chan<- agent.ProviderEvent) {
	events := make([]agent.ProviderEvent, 0, len(parts)+2)
	for _, p := range parts {
		events = append(events, agent.ProviderEvent{Kind: agent.StreamTextDelta, Text: p})
	}
	events = append(events,
		agent.ProviderEvent{Kind: agent.StreamUsage, Usage: models.Usage{Input: 10, Output: 5}},
		agent.ProviderEvent{Kind: agent.StreamStop, StopReason: models.StopEndTurn},
	)
	return playEvents(events...)
}

// hangingStream emits the given deltas then blocks until cancelled.
func hangingStream(parts ...string) func(ctx context.Context, ch chan<- agent.ProviderEvent) {
	return func(ctx context.Context, ch chan<- agent.ProviderEvent) {
		for _, p := range parts {
			ch <- agent.ProviderEvent{Kind: agent.StreamTextDelta, Text: p}
		}
		<-ctx.Done()
	}
}

// chattyStream keeps emitting the part until cancelled, so steering has
// a chunk boundary to preempt at.
func chattyStream(part string) func(ctx context.Context, ch chan<- agent.ProviderEvent) {
	return func(ctx context.Context, ch chan<- agent.ProviderEvent) {
		for {
			select {
			case <-ctx.Done():
				return
			case ch <- agent.ProviderEvent{Kind: agent.StreamTextDelta, Text: part}:
				time.Sleep(time.Millisecond)
			}
		}
	}
}

// eventLog collects emitted events for order assertions.
type eventLog struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

func (l *eventLog) record(ev models.AgentEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []models.AgentEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.AgentEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) has(t models.AgentEventType) bool {
	for _, ev := range l.snapshot() {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// baseYAML is the fast-retry default config for tests; dir becomes the
// data dir.
func baseYAML(dir string) string {
	return fmt.Sprintf("data_dir: %s\nprovider: fake\nretry:\n  max_retries: 2\n  base_delay: 1ms\n  max_delay: 5ms\n", dir)
}

func newTestControllerYAML(t *testing.T, p agent.Provider, yaml string) (*Controller, *eventLog) {
	t.Helper()
	path := yamlPathFromConfig(t, yaml)
	res, err := settings.NewResolver(settings.ResolverOptions{
		GlobalPath:  path,
		ProjectPath: filepath.Join(filepath.Dir(path), "absent.yaml"),
		CWD:         filepath.Dir(path),
	})
	if err != nil {
		t.Fatalf("NewResolver() = %v", err)
	}

	c, err := New(context.Background(), Options{
		Settings:  res,
		Providers: []agent.Provider{p},
		CWD:       filepath.Dir(path),
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })

	log := &eventLog{}
	c.Subscribe(log.record)
	return c, log
}

// yamlPathFromConfig writes the config into a fresh temp dir and
// returns its path.
func yamlPathFromConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func newTestController(t *testing.T, p agent.Provider) (*Controller, *eventLog) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte(baseYAML(dir)), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	res, err := settings.NewResolver(settings.ResolverOptions{
		GlobalPath:  path,
		ProjectPath: filepath.Join(dir, "absent.yaml"),
		CWD:         dir,
	})
	if err != nil {
		t.Fatalf("NewResolver() = %v", err)
	}
	c, err := New(context.Background(), Options{
		Settings:  res,
		Providers: []agent.Provider{p},
		CWD:       dir,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() { _ = c.Dispose(context.Background()) })

	log := &eventLog{}
	c.Subscribe(log.record)
	return c, log
}

func waitIdle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitForIdle(ctx); err != nil {
		t.Fatalf("WaitForIdle() = %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func entryKinds(c *Controller) []string {
	var out []string
	for _, e := range c.Session().Entries() {
		out = append(out, string(e.Kind()))
	}
	return out
}

func TestPromptPersistsConversation(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(textStream("Hello ", "there"))
	c, _ := newTestController(t, p)

	if err := c.Prompt(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	entries := c.Session().Entries()
	if len(entries) != 2 {
		t.Fatalf("session has %d entries, want 2: %v", len(entries), entryKinds(c))
	}
	user, ok := entries[0].(*models.UserMessageEntry)
	if !ok || user.Message.Content.Text() != "hi" {
		t.Errorf("entry 0 = %#v, want user message %q", entries[0], "hi")
	}
	asst, ok := entries[1].(*models.AssistantMessageEntry)
	if !ok || asst.Message.Content.Text() != "Hello there" {
		t.Errorf("entry 1 = %#v, want assistant %q", entries[1], "Hello there")
	}
	if asst.ParentEntryID() != user.EntryID() {
		t.Error("assistant entry is not parented to the user entry")
	}
	if got := c.Session().LeafID(); got != asst.EntryID() {
		t.Errorf("leaf = %s, want %s", got, asst.EntryID())
	}
}

func TestPromptWhileStreamingSteers(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(chattyStream("thinking out loud "))
	p.push(textStream("answering the steer"))
	c, _ := newTestController(t, p)

	if err := c.Prompt(context.Background(), "first", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitFor(t, "turn to start streaming", c.IsStreaming)

	if err := c.Prompt(context.Background(), "actually, do this instead", nil); err != nil {
		t.Fatalf("Prompt(streaming) = %v", err)
	}
	waitIdle(t, c)

	var kinds []string
	var stops []models.StopReason
	for _, e := range c.Session().Entries() {
		kinds = append(kinds, string(e.Kind()))
		if am, ok := e.(*models.AssistantMessageEntry); ok {
			stops = append(stops, am.Message.StopReason)
		}
	}
	want := []string{"user-message", "assistant-message", "user-message", "assistant-message"}
	if len(kinds) != len(want) {
		t.Fatalf("entry kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("entry kinds = %v, want %v", kinds, want)
		}
	}
	if stops[0] != models.StopAborted {
		t.Errorf("first assistant stop = %q, want aborted", stops[0])
	}
	if stops[1] != models.StopEndTurn {
		t.Errorf("second assistant stop = %q, want end_turn", stops[1])
	}
}

func TestQueuedCommandRejected(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)

	if err := c.Steer(context.Background(), "/compact"); !errors.Is(err, ErrQueuedCommand) {
		t.Errorf("Steer(command) = %v, want ErrQueuedCommand", err)
	}
	if err := c.FollowUp(context.Background(), "  /model fake-2"); !errors.Is(err, ErrQueuedCommand) {
		t.Errorf("FollowUp(command) = %v, want ErrQueuedCommand", err)
	}
}

func TestSendCustomMessage(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	// Hidden: logged but invisible to the model.
	err := c.SendCustomMessage(ctx, "note", models.TextBlocks("internal bookkeeping"), CustomMessageOptions{})
	if err != nil {
		t.Fatalf("SendCustomMessage(hidden) = %v", err)
	}
	if n := len(c.engine.Messages()); n != 0 {
		t.Errorf("hidden custom message reached the model context (%d messages)", n)
	}

	// Displayed without a turn: joins the context quietly.
	err = c.SendCustomMessage(ctx, "status", models.TextBlocks("deploy finished"), CustomMessageOptions{Display: true})
	if err != nil {
		t.Fatalf("SendCustomMessage(display) = %v", err)
	}
	if n := len(c.engine.Messages()); n != 1 {
		t.Fatalf("displayed custom message missing from context (%d messages)", n)
	}

	// Displayed with a turn: the model answers it.
	p.push(textStream("acknowledged"))
	err = c.SendCustomMessage(ctx, "alert", models.TextBlocks("build broke"), CustomMessageOptions{Display: true, TriggerTurn: true})
	if err != nil {
		t.Fatalf("SendCustomMessage(trigger) = %v", err)
	}
	waitIdle(t, c)

	var custom int
	for _, e := range c.Session().Entries() {
		if _, ok := e.(*models.CustomMessageEntry); ok {
			custom++
		}
	}
	if custom != 3 {
		t.Errorf("session has %d custom entries, want 3", custom)
	}
}

func TestRunBashDeferredDuringTurn(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(hangingStream("working"))
	c, _ := newTestController(t, p)
	ctx := context.Background()

	if err := c.Prompt(ctx, "go", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitFor(t, "turn to start streaming", c.IsStreaming)

	res, err := c.RunBash(ctx, "echo deferred", false)
	if err != nil {
		t.Fatalf("RunBash() = %v", err)
	}
	if !strings.Contains(res.Output, "deferred") {
		t.Errorf("bash output = %q, want it to contain %q", res.Output, "deferred")
	}
	for _, e := range c.Session().Entries() {
		if _, ok := e.(*models.BashExecutionEntry); ok {
			t.Fatal("bash entry appended mid-turn; must wait for the idle boundary")
		}
	}

	c.Abort()
	waitIdle(t, c)
	waitFor(t, "deferred bash entry", func() bool {
		for _, e := range c.Session().Entries() {
			if _, ok := e.(*models.BashExecutionEntry); ok {
				return true
			}
		}
		return false
	})
}

func TestRunBashExcludedFromContext(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)

	if _, err := c.RunBash(context.Background(), "echo quiet", true); err != nil {
		t.Fatalf("RunBash() = %v", err)
	}
	if n := len(c.engine.Messages()); n != 0 {
		t.Errorf("excluded bash output reached the model context (%d messages)", n)
	}
	if len(c.Session().Entries()) != 1 {
		t.Errorf("bash entry missing from log")
	}
}

func TestSetModelRecordsChange(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	if got := c.Model().ID; got != "fake-1" {
		t.Fatalf("initial model = %q, want fake-1", got)
	}
	if err := c.SetModel(ctx, "fake/fake-2"); err != nil {
		t.Fatalf("SetModel() = %v", err)
	}
	if got := c.Model().ID; got != "fake-2" {
		t.Errorf("model = %q, want fake-2", got)
	}

	var change *models.ModelChangeEntry
	for _, e := range c.Session().Entries() {
		if mc, ok := e.(*models.ModelChangeEntry); ok {
			change = mc
		}
	}
	if change == nil || change.ModelID != "fake-2" {
		t.Errorf("model change entry = %#v, want fake-2", change)
	}

	if err := c.SetModel(ctx, "nonexistent"); err == nil {
		t.Error("SetModel(unknown) succeeded, want error")
	}
}

func TestCycleModelWraps(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	if err := c.CycleModel(ctx, 1); err != nil {
		t.Fatalf("CycleModel() = %v", err)
	}
	if got := c.Model().ID; got != "fake-2" {
		t.Fatalf("after one cycle model = %q, want fake-2", got)
	}
	if err := c.CycleModel(ctx, 1); err != nil {
		t.Fatalf("CycleModel() = %v", err)
	}
	if got := c.Model().ID; got != "fake-1" {
		t.Errorf("cycle did not wrap: model = %q, want fake-1", got)
	}
}

func TestSetModelTemporaryDoesNotPersist(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	if err := c.SetModelTemporary(ctx, "fake/fake-2"); err != nil {
		t.Fatalf("SetModelTemporary() = %v", err)
	}
	if got := c.Model().ID; got != "fake-2" {
		t.Errorf("model = %q, want fake-2", got)
	}
	if got := c.SavedModel().ID; got != "fake-1" {
		t.Errorf("saved model = %q, want fake-1", got)
	}
	if got := c.settings.Get().Model; got != "" {
		t.Errorf("temporary switch wrote settings: model = %q", got)
	}
	if n := countModelChanges(c); n != 0 {
		t.Errorf("temporary switch logged %d model-change entries, want 0", n)
	}

	if err := c.SetModel(ctx, "fake/fake-1"); err != nil {
		t.Fatalf("SetModel() = %v", err)
	}
	if got := c.SavedModel(); got.ID != "" {
		t.Errorf("permanent switch left saved model %q", got.ID)
	}
	if n := countModelChanges(c); n != 1 {
		t.Errorf("permanent switch logged %d model-change entries, want 1", n)
	}
}

func countModelChanges(c *Controller) int {
	n := 0
	for _, e := range c.Session().Entries() {
		if _, ok := e.(*models.ModelChangeEntry); ok {
			n++
		}
	}
	return n
}

func TestThinkingLevelClampedToModel(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	// fake-1 reasons but has no xhigh.
	if err := c.SetThinkingLevel(ctx, models.ThinkingXHigh); err != nil {
		t.Fatalf("SetThinkingLevel() = %v", err)
	}
	if got := c.ThinkingLevel(); got != models.ThinkingHigh {
		t.Errorf("thinking level = %q, want high (clamped)", got)
	}

	var change *models.ThinkingLevelChangeEntry
	for _, e := range c.Session().Entries() {
		if tc, ok := e.(*models.ThinkingLevelChangeEntry); ok {
			change = tc
		}
	}
	if change == nil || change.Level != models.ThinkingHigh {
		t.Errorf("thinking change entry = %#v, want high", change)
	}

	if err := c.SetThinkingLevel(ctx, "extreme"); err == nil {
		t.Error("SetThinkingLevel(invalid) succeeded, want error")
	}
}

func TestCycleThinkingLevel(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	want := []models.ThinkingLevel{
		models.ThinkingMinimal, models.ThinkingLow, models.ThinkingMedium,
		models.ThinkingHigh, models.ThinkingOff,
	}
	for _, lvl := range want {
		if err := c.CycleThinkingLevel(ctx); err != nil {
			t.Fatalf("CycleThinkingLevel() = %v", err)
		}
		if got := c.ThinkingLevel(); got != lvl {
			t.Fatalf("cycled to %q, want %q", got, lvl)
		}
	}
}

func TestSetActiveToolsByName(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)

	if err := c.SetActiveToolsByName([]string{"bash"}); err != nil {
		t.Fatalf("SetActiveToolsByName(bash) = %v", err)
	}
	if err := c.SetActiveToolsByName([]string{"no_such_tool"}); err == nil {
		t.Error("SetActiveToolsByName(unknown) succeeded, want error")
	}
	if got := c.engine.SystemPrompt(); !strings.Contains(got, "bash") {
		t.Errorf("system prompt does not list the bash tool:\n%s", got)
	}
}

func TestFileMentionExpansion(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(textStream("read it"))
	c, _ := newTestController(t, p)

	path := filepath.Join(c.cwd(), "notes.txt")
	if err := os.WriteFile(path, []byte("remember the milk"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := c.Prompt(context.Background(), "summarize @notes.txt please", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	var mention *models.FileMentionEntry
	for _, e := range c.Session().Entries() {
		if fm, ok := e.(*models.FileMentionEntry); ok {
			mention = fm
		}
	}
	if mention == nil {
		t.Fatalf("no file mention entry; kinds = %v", entryKinds(c))
	}
	if mention.Path != path || mention.Content != "remember the milk" {
		t.Errorf("mention = {%q, %q}, want {%q, %q}", mention.Path, mention.Content, path, "remember the milk")
	}

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider saw %d requests, want 1", len(reqs))
	}
	var sawContents bool
	for _, m := range reqs[0].Messages {
		if um, ok := m.(models.UserMessage); ok && strings.Contains(um.Content.Text(), "remember the milk") {
			sawContents = true
		}
	}
	if !sawContents {
		t.Error("mentioned file contents did not reach the provider request")
	}
}

func TestDispose(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	ctx := context.Background()

	if err := c.Dispose(ctx); err != nil {
		t.Fatalf("Dispose() = %v", err)
	}
	if err := c.Prompt(ctx, "hello?", nil); !errors.Is(err, ErrDisposed) {
		t.Errorf("Prompt() after dispose = %v, want ErrDisposed", err)
	}
	if err := c.Dispose(ctx); err != nil {
		t.Errorf("second Dispose() = %v, want nil", err)
	}
}

func TestContextTransformRewritesRequest(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(textStream("noted"))
	c, _ := newTestController(t, p)

	c.Bus().RegisterContextTransform(func(_ context.Context, msgs []models.Message) ([]models.Message, error) {
		out := make([]models.Message, len(msgs), len(msgs)+1)
		copy(out, msgs)
		return append(out, models.UserMessage{Content: models.TextBlocks("reminder: answer in French")}), nil
	})

	if err := c.Prompt(context.Background(), "hello", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)

	reqs := p.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider saw %d requests, want 1", len(reqs))
	}
	var injected bool
	for _, m := range reqs[0].Messages {
		if um, ok := m.(models.UserMessage); ok && strings.Contains(um.Content.Text(), "answer in French") {
			injected = true
		}
	}
	if !injected {
		t.Fatal("transform output did not reach the provider request")
	}

	// The rewrite is per-request; neither the engine context nor the
	// session log keeps the injected message.
	for _, m := range c.engine.Messages() {
		if um, ok := m.(models.UserMessage); ok && strings.Contains(um.Content.Text(), "answer in French") {
			t.Fatal("transform output leaked into the engine context")
		}
	}
}

func TestSkippedToolResultsReachLog(t *testing.T) {
	p := newFakeProvider(200000)
	release := make(chan struct{})
	p.push(func(ctx context.Context, ch chan<- agent.ProviderEvent) {
		ch <- agent.ProviderEvent{Kind: agent.StreamToolCallStart, ToolCallID: "call_1", ToolName: "work"}
		ch <- agent.ProviderEvent{Kind: agent.StreamToolCallEnd, ToolCallID: "call_1", Args: []byte(`{}`)}
		ch <- agent.ProviderEvent{Kind: agent.StreamToolCallStart, ToolCallID: "call_2", ToolName: "work"}
		ch <- agent.ProviderEvent{Kind: agent.StreamToolCallEnd, ToolCallID: "call_2", Args: []byte(`{}`)}
		select {
		case <-release:
		case <-ctx.Done():
		}
		ch <- agent.ProviderEvent{Kind: agent.StreamStop, StopReason: models.StopToolUse}
	})
	p.push(textStream("redirected"))

	yaml := baseYAML(t.TempDir()) + "queues:\n  interrupt_mode: wait\n"
	c, _ := newTestControllerYAML(t, p, yaml)

	if err := c.Prompt(context.Background(), "do work", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	// Queue steering while the stream is still open, then let the turn
	// reach its tool phase: both calls must be skipped, and both skip
	// results must land in the session log.
	waitFor(t, "stream open", func() bool { return c.IsStreaming() })
	if err := c.Steer(context.Background(), "change of plans"); err != nil {
		t.Fatalf("Steer() = %v", err)
	}
	close(release)
	waitIdle(t, c)

	var results []*models.ToolResultEntry
	for _, e := range c.Session().Entries() {
		if tr, ok := e.(*models.ToolResultEntry); ok {
			results = append(results, tr)
		}
	}
	if len(results) != 2 {
		t.Fatalf("logged tool results = %d, want 2; kinds = %v", len(results), entryKinds(c))
	}
	for _, tr := range results {
		if !tr.Result.IsError || !strings.Contains(tr.Result.Content.Text(), "skipped") {
			t.Errorf("logged result %s = %+v, want skip error", tr.Result.ToolCallID, tr.Result)
		}
	}
}
