// Package agent drives the turn loop: it streams one model
// conversation until a terminal stop reason, dispatches tool calls,
// and honors the steering, follow-up, and next-turn-context queues.
//
// The engine owns a working copy of the LLM-visible messages. The
// canonical history lives in the session log; after compaction the
// controller rebuilds the engine's copy from the log with SetMessages.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

var (
	// ErrNoProvider means the engine has no LLM provider configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrNoModel means no model is selected for the session.
	ErrNoModel = errors.New("no model selected")

	// ErrTurnActive means a turn is already in flight. At most one
	// turn runs per session; callers route extra input through the
	// steering or follow-up queues.
	ErrTurnActive = errors.New("turn already in flight")
)

// Config tunes the turn loop.
type Config struct {
	// MaxIterations caps assistant turns per run. 0 means no cap;
	// the loop runs until the model stops or the run is aborted.
	MaxIterations int

	// MaxTokens caps each response. 0 uses the provider default.
	MaxTokens int

	// ToolConcurrency bounds parallel tool executions within a turn.
	// Default: 4
	ToolConcurrency int

	// Queue selects the message queue release policies.
	Queue QueueConfig

	// Metrics receives per-request and per-tool measurements derived
	// from the event stream. May be nil.
	Metrics *observability.Metrics

	// ContextTransform rewrites the outgoing message array before each
	// model request. The engine's own copy is untouched; only the
	// request sees the rewritten history. May be nil.
	ContextTransform func(ctx context.Context, msgs []models.Message) []models.Message

	// ErrorHandler is consulted when a stream ends with an error stop
	// reason, after the turn's events have been emitted. It may mutate
	// the engine context (drop the failed message, compact) and block
	// (backoff sleep). Returning true keeps the run open and the loop
	// opens another stream; returning false ends the run. Called on
	// the run goroutine.
	ErrorHandler func(ctx context.Context, assistant models.AssistantMessage) bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		ToolConcurrency: 4,
		Queue:           DefaultQueueConfig(),
	}
}

func sanitizeConfig(cfg *Config) *Config {
	if cfg == nil {
		return DefaultConfig()
	}
	out := *cfg
	if out.MaxIterations < 0 {
		out.MaxIterations = 0
	}
	if out.MaxTokens < 0 {
		out.MaxTokens = 0
	}
	if out.ToolConcurrency <= 0 {
		out.ToolConcurrency = DefaultConfig().ToolConcurrency
	}
	out.Queue = sanitizeQueueConfig(out.Queue)
	return &out
}

// Engine runs agent turns against one provider. All exported methods
// are safe for concurrent use; the engine serializes state transitions
// internally and emits a totally ordered event stream per run.
type Engine struct {
	provider Provider
	tools    *tools.Registry
	emitter  *Emitter
	queues   *Queues
	logger   *observability.Logger
	stats    *StatsCollector
	cfg      *Config

	mu       sync.Mutex
	model    models.ModelInfo
	thinking models.ThinkingLevel
	system   string
	msgs     []models.Message

	running   bool
	cancelRun context.CancelFunc
	idle      chan struct{}
}

// NewEngine creates an engine. If cfg is nil, DefaultConfig is used.
// The emitter is shared with the caller so retry and compaction events
// interleave with turn events on one ordered stream.
func NewEngine(provider Provider, registry *tools.Registry, emitter *Emitter, logger *observability.Logger, cfg *Config) *Engine {
	cfg = sanitizeConfig(cfg)
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if emitter == nil {
		emitter = NewEmitter("")
	}
	if logger != nil {
		logger = logger.WithFields("component", "agent")
	}
	e := &Engine{
		provider: provider,
		tools:    registry,
		emitter:  emitter,
		queues:   NewQueues(cfg.Queue),
		logger:   logger,
		stats:    NewStatsCollector(cfg.Metrics),
		cfg:      cfg,
	}
	e.emitter.Subscribe(e.stats.OnEvent)
	return e
}

// Queues returns the engine's message queues.
func (e *Engine) Queues() *Queues { return e.queues }

// Emitter returns the engine's event emitter.
func (e *Engine) Emitter() *Emitter { return e.emitter }

// Subscribe registers an event handler and returns its subscription ID.
func (e *Engine) Subscribe(fn Subscriber) string { return e.emitter.Subscribe(fn) }

// Unsubscribe removes an event handler.
func (e *Engine) Unsubscribe(id string) { e.emitter.Unsubscribe(id) }

// Provider returns the current provider.
func (e *Engine) Provider() Provider {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.provider
}

// SetProvider swaps the LLM provider. Takes effect at the next stream
// open. Used when a model switch crosses provider boundaries.
func (e *Engine) SetProvider(p Provider) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.provider = p
}

// Model returns the current model.
func (e *Engine) Model() models.ModelInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// SetModel selects the model for subsequent streams. Takes effect at
// the next stream open; a running stream is not interrupted.
func (e *Engine) SetModel(model models.ModelInfo) {
	e.mu.Lock()
	e.model = model
	e.mu.Unlock()
	e.stats.SetModel(model)
}

// RunStats returns the statistics accumulated over the most recent run.
func (e *Engine) RunStats() models.RunStats {
	return e.stats.Stats()
}

// ThinkingLevel returns the current reasoning level.
func (e *Engine) ThinkingLevel() models.ThinkingLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thinking
}

// SetThinkingLevel selects the reasoning level. It is clamped against
// the model's capabilities when the request is built.
func (e *Engine) SetThinkingLevel(level models.ThinkingLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thinking = level
}

// SystemPrompt returns the current system prompt.
func (e *Engine) SystemPrompt() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.system
}

// SetSystemPrompt replaces the system prompt used on subsequent
// streams. The controller calls this whenever the active tool set
// changes.
func (e *Engine) SetSystemPrompt(system string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.system = system
}

// Messages returns a copy of the engine's LLM-visible message list.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

// SetMessages replaces the engine's message list. Used after
// compaction and session switches. Callers must not replace the list
// while a stream is reading it; the run goroutine snapshots under the
// same lock, so replacement between turns is safe.
func (e *Engine) SetMessages(msgs []models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = make([]models.Message, len(msgs))
	copy(e.msgs, msgs)
}

// AppendMessage appends one message to the engine context without
// starting a turn. Used for custom messages delivered outside the
// turn loop.
func (e *Engine) AppendMessage(msg models.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
}

// DropLastAssistant removes the trailing assistant message from the
// engine context, if present. The session log keeps it. Used by the
// retry supervisor and overflow compaction to resume without the
// error-terminated message, and by interrupt rules in discard mode.
func (e *Engine) DropLastAssistant() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.msgs) == 0 {
		return false
	}
	if _, ok := e.msgs[len(e.msgs)-1].(models.AssistantMessage); !ok {
		return false
	}
	e.msgs = e.msgs[:len(e.msgs)-1]
	return true
}

// IsStreaming reports whether a turn is in flight.
func (e *Engine) IsStreaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Prompt starts a run with one user message. Any queued next-turn
// context is attached after the prompt. Returns ErrTurnActive if a
// turn is already in flight; configuration problems are reported
// before any event is emitted.
func (e *Engine) Prompt(ctx context.Context, msg models.UserMessage) error {
	return e.start(ctx, runOptions{pending: []models.UserMessage{msg}}, true)
}

// Continue resumes the run loop from the current engine context
// without re-emitting agent_start. Any extra user messages are
// appended and announced at the first turn. Used after interrupt-rule
// injection, retry scheduling, and overflow compaction.
func (e *Engine) Continue(ctx context.Context, extra ...models.UserMessage) error {
	return e.start(ctx, runOptions{resume: true, pending: extra}, false)
}

// Abort cancels the in-flight turn. The partially received assistant
// message is kept with an aborted stop reason and in-flight tool calls
// are cancelled. No-op when idle.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.cancelRun
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the engine is idle or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return nil
		}
		done := e.idle
		e.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) start(ctx context.Context, opts runOptions, attachContext bool) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrTurnActive
	}
	if e.provider == nil {
		e.mu.Unlock()
		return ErrNoProvider
	}
	if e.model.ID == "" {
		e.mu.Unlock()
		return ErrNoModel
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancelRun = cancel
	e.idle = make(chan struct{})
	e.mu.Unlock()

	if attachContext {
		opts.pending = append(opts.pending, e.queues.TakeContext()...)
	}

	go e.run(runCtx, cancel, opts)
	return nil
}
