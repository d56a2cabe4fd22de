// Package controller is the session façade. It owns the wiring between
// the session log, the turn engine, the compactor, the retry
// supervisor, the stream-rule engine, the shell executors, and the
// extension bus, and exposes the one public surface front-ends drive:
// prompt, steer, compact, abort, branch, navigate, dispose.
//
// Engine events flow through the controller in a fixed order: log
// persistence first, then rule inspection, then the extension bus, then
// any UI subscribers. Every state-mutating operation is serialized
// against the turn lifecycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/agent/providers"
	"github.com/haasonsaas/strand/internal/compaction"
	"github.com/haasonsaas/strand/internal/extensions"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/internal/settings"
	"github.com/haasonsaas/strand/internal/shell"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/internal/ttsr"
	"github.com/haasonsaas/strand/pkg/models"
)

var (
	// ErrDisposed means the controller has been shut down.
	ErrDisposed = errors.New("controller disposed")

	// ErrCompacting means an operation was rejected because a
	// compaction is running. New prompts wait for it to finish.
	ErrCompacting = errors.New("compaction in progress")

	// ErrQueuedCommand means steering or follow-up text looked like an
	// extension command, which must run at the prompt, not mid-turn.
	ErrQueuedCommand = errors.New("commands cannot be queued into a running turn")

	// ErrNoExporter means ExportHTML was called without an exporter
	// collaborator configured.
	ErrNoExporter = errors.New("no exporter configured")

	// ErrCancelledByExtension wraps an extension veto of a session
	// operation.
	ErrCancelledByExtension = errors.New("cancelled by extension")

	// ErrUnknownModel means a model reference matched no driver catalog.
	ErrUnknownModel = errors.New("unknown model")
)

// Exporter renders a session log to an HTML file. The implementation is
// an external collaborator; the controller only routes to it.
type Exporter interface {
	Export(ctx context.Context, session *sessions.Session, outputPath string) (string, error)
}

// StreamingBehavior selects where a prompt goes when a turn is already
// in flight.
type StreamingBehavior string

const (
	// BehaviorSteer delivers the prompt into the running turn.
	BehaviorSteer StreamingBehavior = "steer"

	// BehaviorFollowUp queues the prompt for after the turn ends.
	BehaviorFollowUp StreamingBehavior = "followUp"
)

// PromptOptions modify one Prompt call.
type PromptOptions struct {
	// Images attach to the user message ahead of the text.
	Images []models.ImageBlock

	// StreamingBehavior applies when a turn is in flight. Defaults to
	// BehaviorSteer.
	StreamingBehavior StreamingBehavior
}

// Options configures a controller.
type Options struct {
	// Settings is the resolved settings source. Required.
	Settings *settings.Resolver

	// Backend stores session logs. When nil, a JSONL backend under the
	// settings data dir is created and owned by the controller.
	Backend sessions.Backend

	// Providers are the LLM drivers, keyed by Name(). When nil, drivers
	// are built from the settings API keys.
	Providers []agent.Provider

	// Tools are registered alongside the builtin bash tool.
	Tools []tools.Tool

	// Resume opens an existing session instead of creating one.
	Resume string

	// CWD overrides the working directory recorded on new sessions.
	CWD string

	// Exporter handles ExportHTML. Optional.
	Exporter Exporter

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Controller is the public façade over one live session.
type Controller struct {
	settings  *settings.Resolver
	backend   sessions.Backend
	ownsStore bool
	providers map[string]agent.Provider
	registry  *tools.Registry
	bus       *extensions.Bus
	emitter   *agent.Emitter
	engine    *agent.Engine
	runner    *shell.Runner
	execs     *shell.Registry
	ssh       *shell.SSHManager
	janitor   *sessions.Janitor
	summarize *compaction.Summarizer
	exporter  Exporter
	retry     *retrySupervisor
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	// baseCtx outlives individual calls; resumptions scheduled from
	// event handlers (rule interrupts, overflow continues) run on it.
	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu           sync.Mutex
	session      *sessions.Session
	rules        *ttsr.Engine
	model        models.ModelInfo
	savedModel   models.ModelInfo // set while a temporary model is active
	roleModels   map[string]models.ModelInfo
	engineSub    string
	pendingBash  []*models.BashExecutionEntry
	compactAbort context.CancelFunc
	branchAbort  context.CancelFunc
	unsubscribe  []func()
	disposed     bool
}

// New builds a controller and starts (or resumes) its session.
func New(ctx context.Context, opts Options) (*Controller, error) {
	if opts.Settings == nil {
		return nil, errors.New("settings resolver is required")
	}
	cfg := opts.Settings.Get()

	logger := opts.Logger
	if logger != nil {
		logger = logger.WithFields("component", "controller")
	}

	c := &Controller{
		settings:   opts.Settings,
		exporter:   opts.Exporter,
		logger:     logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		roleModels: make(map[string]models.ModelInfo),
	}
	c.baseCtx, c.cancelAll = context.WithCancel(context.Background())

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = sessions.NewJSONLBackend(cfg.SessionsDir())
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		c.ownsStore = true
	}
	c.backend = backend

	provs, err := buildProviders(opts.Providers, cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	c.providers = provs

	model, err := c.defaultModel(cfg)
	if err != nil {
		return nil, err
	}
	c.model = model

	c.bus = extensions.NewBus(opts.Logger)
	c.emitter = agent.NewEmitter("")
	c.execs = shell.NewRegistry(0, opts.Logger)
	c.runner = shell.NewRunner(shell.RunnerConfig{
		MaxOutputBytes: cfg.Shell.MaxOutputBytes,
		SpillThreshold: cfg.Shell.SpillThreshold,
		SpillDir:       cfg.DataDir,
		DefaultTimeout: cfg.Shell.DefaultTimeout,
	}, c.execs, opts.Logger)
	c.ssh = shell.NewSSHManager(cfg.DataDir, sshHosts(cfg), c.runner, opts.Logger)

	c.registry = tools.NewRegistry()
	if err := c.registry.Register(tools.NewBashTool(c.runner, c.ssh)); err != nil {
		return nil, err
	}
	for _, t := range opts.Tools {
		if err := c.registry.Register(t); err != nil {
			return nil, err
		}
	}
	c.registry.OnActiveChange(func(active []tools.Tool) {
		c.engine.SetSystemPrompt(buildSystemPrompt(c.cwd(), active))
	})

	c.rules = ttsr.NewEngine(ttsr.NewLoader(opts.Logger).Load(ctx, cfg.Rules.Dirs))

	c.engine = agent.NewEngine(c.provider(model.Provider), c.registry, c.emitter, opts.Logger, &agent.Config{
		Queue:            queueConfig(cfg),
		Metrics:          c.metrics,
		ContextTransform: c.bus.TransformContext,
		ErrorHandler:     c.handleStreamError,
	})
	c.engine.SetModel(model)
	if lvl := models.ThinkingLevel(cfg.ThinkingLevel); lvl.Valid() {
		c.engine.SetThinkingLevel(models.ClampThinkingLevel(lvl, model))
	}
	c.engine.SetSystemPrompt(buildSystemPrompt(opts.CWD, c.registry.Active()))

	c.retry = newRetrySupervisor(c.emitter, c.metrics, logger, func() settings.RetrySettings {
		return c.settings.Get().Retry
	})
	c.summarize = compaction.NewSummarizer(compaction.CompleterFunc(c.completeText), opts.Logger)

	cwd := opts.CWD
	if cwd == "" {
		cwd = cfg.DataDir
	}
	if opts.Resume != "" {
		c.session, err = sessions.OpenSession(ctx, backend, opts.Resume, c.sessionOptions())
	} else {
		c.session, err = sessions.NewSession(ctx, backend, c.sessionOptions(cwd))
	}
	if err != nil {
		return nil, err
	}
	c.emitter.SetSession(c.session.ID())
	c.restoreFromLog()

	c.engineSub = c.emitter.Subscribe(c.onEngineEvent)
	c.unsubscribe = append(c.unsubscribe, c.settings.Subscribe(c.onSettingsChange))

	if cfg.Retention.Enabled {
		c.janitor = sessions.NewJanitor(backend, sessions.RetentionConfig{
			MaxAge:   cfg.Retention.MaxAge,
			MaxCount: cfg.Retention.MaxCount,
			Schedule: cfg.Retention.Schedule,
		}, opts.Logger)
		if err := c.janitor.Start(); err != nil {
			c.logWarn(ctx, "retention janitor failed to start", "error", err)
		}
	}
	c.execs.StartSweeper()

	c.trigger(ctx, extensions.NewEvent(extensions.SessionStart))
	return c, nil
}

func (c *Controller) sessionOptions(cwd ...string) sessions.Options {
	opts := sessions.Options{Logger: c.logger, Metrics: c.metrics}
	if len(cwd) > 0 {
		opts.CWD = cwd[0]
	}
	return opts
}

// buildProviders indexes the given drivers by name, constructing the
// stock Anthropic and OpenAI drivers from settings keys when none are
// supplied.
func buildProviders(given []agent.Provider, cfg settings.Settings, logger *observability.Logger) (map[string]agent.Provider, error) {
	out := make(map[string]agent.Provider)
	for _, p := range given {
		out[p.Name()] = p
	}
	if len(out) > 0 {
		return out, nil
	}
	if key := cfg.APIKey("anthropic"); key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key, Logger: logger})
		if err != nil {
			return nil, err
		}
		out[p.Name()] = p
	}
	if key := cfg.APIKey("openai"); key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: key, Logger: logger})
		if err != nil {
			return nil, err
		}
		out[p.Name()] = p
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("anthropic or openai: %w", providers.ErrNoAPIKey)
	}
	return out, nil
}

func sshHosts(cfg settings.Settings) map[string]shell.Host {
	out := make(map[string]shell.Host, len(cfg.SSH.Hosts))
	for name, h := range cfg.SSH.Hosts {
		out[name] = shell.Host{
			Name:         name,
			Hostname:     h.Hostname,
			User:         h.User,
			Port:         h.Port,
			IdentityFile: h.IdentityFile,
			Mount:        h.Mount,
		}
	}
	return out
}

func queueConfig(cfg settings.Settings) agent.QueueConfig {
	return agent.QueueConfig{
		Steering:  agent.QueueMode(cfg.Queues.SteeringMode),
		FollowUp:  agent.QueueMode(cfg.Queues.FollowUpMode),
		Interrupt: agent.InterruptMode(cfg.Queues.InterruptMode),
	}
}

func (c *Controller) compactionConfig() compaction.Config {
	s := c.settings.Get().Compaction
	return compaction.Config{
		Enabled:          s.Enabled,
		ReserveTokens:    s.ReserveTokens,
		KeepRecentTokens: s.KeepRecentTokens,
	}
}

// onSettingsChange applies a settings reload to the live components.
func (c *Controller) onSettingsChange(s settings.Settings) {
	c.engine.Queues().SetConfig(agent.QueueConfig{
		Steering:  agent.QueueMode(s.Queues.SteeringMode),
		FollowUp:  agent.QueueMode(s.Queues.FollowUpMode),
		Interrupt: agent.InterruptMode(s.Queues.InterruptMode),
	})
	c.mu.Lock()
	rules := c.rules
	c.mu.Unlock()
	rules.SetRules(ttsr.NewLoader(c.logger).Load(c.baseCtx, s.Rules.Dirs))
}

// Session returns the active session handle.
func (c *Controller) Session() *sessions.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Bus returns the extension event bus.
func (c *Controller) Bus() *extensions.Bus { return c.bus }

// ToolRegistry returns the tool registry.
func (c *Controller) ToolRegistry() *tools.Registry { return c.registry }

// IsStreaming reports whether a turn is in flight.
func (c *Controller) IsStreaming() bool { return c.engine.IsStreaming() }

// RunStats returns usage, cost, and turn counts accumulated over the
// most recent agent run.
func (c *Controller) RunStats() models.RunStats { return c.engine.RunStats() }

// Subscribe registers a UI event handler. Controller-internal handlers
// registered at construction run first, so subscribers observe state
// that is already persisted.
func (c *Controller) Subscribe(fn agent.Subscriber) string {
	return c.emitter.Subscribe(fn)
}

// Unsubscribe removes a UI event handler.
func (c *Controller) Unsubscribe(id string) { c.emitter.Unsubscribe(id) }

// WaitForIdle blocks until no turn is in flight.
func (c *Controller) WaitForIdle(ctx context.Context) error { return c.engine.Wait(ctx) }

// WaitForRetry blocks while a retry cycle is outstanding.
func (c *Controller) WaitForRetry(ctx context.Context) error { return c.retry.Wait(ctx) }

// Prompt submits user input. When the session is idle it starts a turn;
// while a turn streams it routes to the steering or follow-up queue per
// opts.StreamingBehavior.
func (c *Controller) Prompt(ctx context.Context, text string, opts *PromptOptions) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if opts == nil {
		opts = &PromptOptions{}
	}

	msg := models.UserMessage{}
	for _, img := range opts.Images {
		msg.Content = append(msg.Content, img)
	}
	msg.Content = append(msg.Content, models.TextBlock{Text: text})

	if c.engine.IsStreaming() {
		if opts.StreamingBehavior == BehaviorFollowUp {
			c.engine.Queues().FollowUp(msg)
		} else {
			c.engine.Queues().Steer(msg)
		}
		return nil
	}

	c.expandMentions(ctx, text)
	return c.engine.Prompt(c.runContext(ctx), msg)
}

// Steer queues text into the running turn. When the session is idle the
// message starts a normal turn instead.
func (c *Controller) Steer(ctx context.Context, text string) error {
	if err := c.checkQueueable(text); err != nil {
		return err
	}
	if !c.engine.IsStreaming() {
		return c.Prompt(ctx, text, nil)
	}
	c.engine.Queues().SteerText(text)
	return nil
}

// FollowUp queues text to run after the current turn ends.
func (c *Controller) FollowUp(ctx context.Context, text string) error {
	if err := c.checkQueueable(text); err != nil {
		return err
	}
	if !c.engine.IsStreaming() {
		return c.Prompt(ctx, text, nil)
	}
	c.engine.Queues().FollowUpText(text)
	return nil
}

func (c *Controller) checkQueueable(text string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if strings.HasPrefix(strings.TrimSpace(text), "/") {
		return ErrQueuedCommand
	}
	return nil
}

// CustomMessageOptions modify SendCustomMessage.
type CustomMessageOptions struct {
	// Display makes the message visible to the user and the model.
	// Hidden messages stay in the log only.
	Display bool

	// TriggerTurn starts a model turn carrying the message, when idle.
	TriggerTurn bool

	// Details is an opaque payload stored with the entry.
	Details []byte
}

// SendCustomMessage appends an extension-authored message to the log
// and, when displayed, to the model context.
func (c *Controller) SendCustomMessage(ctx context.Context, customType string, content models.Blocks, opts CustomMessageOptions) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	sess := c.Session()
	if _, err := sess.AppendCustomMessage(customType, content, opts.Display, opts.Details); err != nil {
		return err
	}
	if !opts.Display {
		return nil
	}
	// Append directly so the run loop does not announce a second copy;
	// the custom entry above is the record of this message.
	c.engine.AppendMessage(models.UserMessage{Content: content})
	if opts.TriggerTurn && !c.engine.IsStreaming() {
		return c.engine.Continue(c.runContext(ctx))
	}
	return nil
}

// AddNextTurnContext queues auxiliary context delivered with the next
// user prompt.
func (c *Controller) AddNextTurnContext(content models.Blocks) {
	c.engine.Queues().AddContext(models.UserMessage{Content: content})
}

// RunBash executes a user-initiated shell command outside the turn loop
// and records it in the session. If a turn is streaming, the record is
// held back until the next idle boundary so it cannot land between a
// tool call and its result.
func (c *Controller) RunBash(ctx context.Context, command string, excludeFromContext bool) (shell.Result, error) {
	if err := c.checkUsable(); err != nil {
		return shell.Result{}, err
	}
	res, err := c.runner.Run(ctx, uuid.NewString(), shell.Command{
		Command: command,
		Cwd:     c.cwd(),
	})
	if err != nil {
		return res, err
	}
	entry := &models.BashExecutionEntry{
		Command:            command,
		Output:             res.Output,
		ExitCode:           res.ExitCode,
		Cancelled:          res.Cancelled,
		Truncated:          res.Truncated,
		FullOutputPath:     res.FullOutputPath,
		ExcludeFromContext: excludeFromContext,
	}

	c.mu.Lock()
	streaming := c.engine.IsStreaming()
	if streaming {
		c.pendingBash = append(c.pendingBash, entry)
	}
	c.mu.Unlock()

	if !streaming {
		c.appendBashEntry(entry)
	}
	return res, nil
}

func (c *Controller) appendBashEntry(entry *models.BashExecutionEntry) {
	sess := c.Session()
	if _, err := sess.Append(entry); err != nil {
		c.logWarn(c.baseCtx, "bash record append failed", "error", err)
		return
	}
	if m, ok := sessions.EntryMessage(entry); ok {
		c.engine.AppendMessage(m)
	}
}

// flushPendingBash appends records held back during a turn.
func (c *Controller) flushPendingBash() {
	c.mu.Lock()
	pending := c.pendingBash
	c.pendingBash = nil
	c.mu.Unlock()
	for _, entry := range pending {
		c.appendBashEntry(entry)
	}
}

// Abort cancels the in-flight turn. The partial assistant message is
// persisted with an aborted stop reason.
func (c *Controller) Abort() {
	c.engine.Abort()
}

// AbortRetry cancels a pending retry backoff.
func (c *Controller) AbortRetry() { c.retry.Abort() }

// AbortCompaction cancels an in-progress compaction.
func (c *Controller) AbortCompaction() {
	c.mu.Lock()
	cancel := c.compactAbort
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AbortBash kills every tracked shell execution.
func (c *Controller) AbortBash() { c.execs.AbortAll() }

// AbortBranchSummary cancels the summarization step of NavigateTree.
func (c *Controller) AbortBranchSummary() {
	c.mu.Lock()
	cancel := c.branchAbort
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetActiveToolsByName narrows or reorders the tools offered to the
// model. Unknown names are a configuration error. The system prompt is
// rebuilt; the new set takes effect on the next turn.
func (c *Controller) SetActiveToolsByName(names []string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	return c.registry.SetActive(names)
}

// ExportHTML renders the session through the configured exporter and
// returns the written path.
func (c *Controller) ExportHTML(ctx context.Context, outputPath string) (string, error) {
	if err := c.checkUsable(); err != nil {
		return "", err
	}
	if c.exporter == nil {
		return "", ErrNoExporter
	}
	return c.exporter.Export(ctx, c.Session(), outputPath)
}

// runContext builds the context a turn runs on. It derives from the
// controller's lifetime, not the caller's: a turn outlives the Prompt
// call and ends via Abort or Dispose. The session view rides along for
// tools.
func (c *Controller) runContext(context.Context) context.Context {
	return tools.WithSessionView(c.baseCtx, &sessionView{c: c})
}

func (c *Controller) checkUsable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return ErrDisposed
	}
	if c.compactAbort != nil {
		return ErrCompacting
	}
	return nil
}

func (c *Controller) provider(name string) agent.Provider {
	return c.providers[name]
}

func (c *Controller) cwd() string {
	sess := c.Session()
	if sess == nil {
		return ""
	}
	return sess.CWD()
}

func (c *Controller) contextWindow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.ContextWindow
}

func (c *Controller) trigger(ctx context.Context, ev *extensions.Event) *extensions.Event {
	ev.WithSession(c.sessionID())
	if err := c.bus.Trigger(ctx, ev); err != nil {
		c.logWarn(ctx, "extension handler failed", "event", string(ev.Type), "error", err)
	}
	return ev
}

func (c *Controller) sessionID() string {
	sess := c.Session()
	if sess == nil {
		return ""
	}
	return sess.ID()
}

func (c *Controller) logWarn(ctx context.Context, msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(ctx, msg, args...)
	}
}
