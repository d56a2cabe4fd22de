// handlers.go implements the command handlers: settings loading,
// controller construction, the interactive loop, and the inspection
// commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/haasonsaas/strand/internal/controller"
	"github.com/haasonsaas/strand/internal/doctor"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/internal/settings"
	"github.com/haasonsaas/strand/pkg/models"
)

type runOptions struct {
	settingsPath string
	model        string
	title        string
	resume       string
	metricsAddr  string
}

func loadResolver(settingsPath string) (*settings.Resolver, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return settings.NewResolver(settings.ResolverOptions{
		GlobalPath: settingsPath,
		CWD:        cwd,
	})
}

// openBackend builds the session store the settings name. A nil return
// with nil error means the controller's default JSONL store.
func openBackend(cfg settings.Settings) (sessions.Backend, error) {
	switch cfg.Store.Backend {
	case "", settings.StoreJSONL:
		return nil, nil
	case settings.StoreSQLite:
		path := cfg.Store.DSN
		if path == "" {
			path = cfg.DataDir + "/sessions.db"
		}
		return sessions.NewSQLiteBackend(path)
	case settings.StorePostgres:
		return sessions.NewPostgresBackendFromDSN(cfg.Store.DSN, nil)
	case settings.StoreMemory:
		return sessions.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildLogger(cfg settings.Settings) (*observability.Logger, func(), error) {
	out := io.Writer(os.Stderr)
	cleanup := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    out,
		AddSource: cfg.Logging.AddSource,
	})
	return logger, cleanup, nil
}

func runRun(ctx context.Context, args []string, opts runOptions) error {
	resolver, err := loadResolver(opts.settingsPath)
	if err != nil {
		return err
	}
	cfg := resolver.Get()

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	var metrics *observability.Metrics
	metricsAddr := opts.metricsAddr
	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		metrics = observability.NewMetrics()
	}

	var tracer *observability.Tracer
	if cfg.Tracing.Enabled {
		var shutdown func(context.Context) error
		tracer, shutdown = observability.NewTracer(observability.TraceConfig{
			ServiceName:    "strand",
			ServiceVersion: version,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SampleRate,
		})
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	ctrl, err := controller.New(ctx, controller.Options{
		Settings: resolver,
		Backend:  backend,
		Resume:   opts.resume,
		CWD:      cwd,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return err
	}
	defer func() {
		// The signal context may already be cancelled; shut down on a
		// fresh one so the log still flushes.
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ctrl.Flush(dctx)
		_ = ctrl.Dispose(dctx)
		if backend != nil {
			_ = backend.Close()
		}
	}()

	if opts.model != "" {
		if err := ctrl.SetModel(ctx, opts.model); err != nil {
			return err
		}
	}
	if opts.title != "" {
		if err := ctrl.Session().SetTitle(opts.title); err != nil {
			return err
		}
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	unsub := ctrl.Subscribe(renderEvent)
	defer ctrl.Unsubscribe(unsub)

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		piped, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		prompt = strings.TrimSpace(string(piped))
	}

	if prompt != "" {
		if err := ctrl.Prompt(ctx, prompt, nil); err != nil {
			return err
		}
		return ctrl.WaitForIdle(ctx)
	}

	return interactiveLoop(ctx, ctrl)
}

// renderEvent writes the live stream to the terminal: assistant text on
// stdout, runtime notices on stderr.
func renderEvent(ev models.AgentEvent) {
	switch ev.Type {
	case models.EventMessageUpdate:
		if ev.Delta != nil && ev.Delta.Kind == models.DeltaText {
			fmt.Print(ev.Delta.Text)
		}
	case models.EventMessageEnd:
		if am, ok := ev.Message.(models.AssistantMessage); ok {
			if am.StopReason == models.StopError {
				fmt.Fprintf(os.Stderr, "\n[error: %s]\n", am.ErrorMessage)
			} else {
				fmt.Println()
			}
		}
	case models.EventToolCallStart:
		if ev.Tool != nil {
			fmt.Fprintf(os.Stderr, "[tool %s]\n", ev.Tool.Name)
		}
	case models.EventAutoRetryStart:
		if ev.Retry != nil {
			fmt.Fprintf(os.Stderr, "[retry %d/%d in %s]\n", ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.Delay)
		}
	case models.EventAutoCompactionStart:
		if ev.Compaction != nil {
			fmt.Fprintf(os.Stderr, "[compacting history (%s)]\n", ev.Compaction.Reason)
		}
	case models.EventRuleTriggered:
		if ev.Rule != nil {
			fmt.Fprintf(os.Stderr, "[rule %s interrupted the stream]\n", ev.Rule.Name)
		}
	case models.EventAgentEnd:
		if ev.Run == nil {
			return
		}
		if s := ev.Run.Stats; s.Usage.Input+s.Usage.Output > 0 {
			fmt.Fprintf(os.Stderr, "[%d turns · %d tools · %d in / %d out tokens · $%.4f · %s]\n",
				s.Turns, s.ToolCalls, s.Usage.Input, s.Usage.Output, s.Cost, s.Duration.Round(time.Millisecond))
		}
	}
}

const interactiveHelp = `Commands:
  /help            this message
  /new [title]     start a fresh session
  /sessions        list stored sessions
  /model [ref]     show or switch the model
  /compact         fold old history into a summary
  /quit            exit`

func interactiveLoop(ctx context.Context, ctrl *controller.Controller) error {
	fmt.Fprintf(os.Stderr, "strand %s · session %s · model %s · /help for commands\n",
		version, ctrl.Session().ID(), ctrl.Model().FQN())

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nshutting down")
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if strings.HasPrefix(text, "/") {
				if quit := runCommand(ctx, ctrl, text); quit {
					return nil
				}
				continue
			}
			if err := ctrl.Prompt(ctx, text, nil); err != nil {
				fmt.Fprintln(os.Stderr, "prompt:", err)
			}
		}
	}
}

// runCommand handles a slash command. Returns true when the loop should
// exit.
func runCommand(ctx context.Context, ctrl *controller.Controller, text string) bool {
	cmd, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprintln(os.Stderr, interactiveHelp)

	case "/new":
		id, err := ctrl.NewSession(ctx, controller.NewSessionOptions{Title: rest})
		if err != nil {
			fmt.Fprintln(os.Stderr, "new session:", err)
			break
		}
		fmt.Fprintln(os.Stderr, "session", id)

	case "/sessions":
		infos, err := ctrl.ListSessions(ctx, sessions.ListOptions{Limit: 20})
		if err != nil {
			fmt.Fprintln(os.Stderr, "sessions:", err)
			break
		}
		for _, info := range infos {
			fmt.Fprintf(os.Stderr, "  %s  %s  %s\n", info.ID, info.UpdatedAt.Local().Format("2006-01-02 15:04"), info.Title)
		}

	case "/model":
		if rest == "" {
			fmt.Fprintln(os.Stderr, "model", ctrl.Model().FQN())
			break
		}
		if err := ctrl.SetModel(ctx, rest); err != nil {
			fmt.Fprintln(os.Stderr, "model:", err)
			break
		}
		fmt.Fprintln(os.Stderr, "model", ctrl.Model().FQN())

	case "/compact":
		if err := ctrl.Compact(ctx, rest); err != nil {
			fmt.Fprintln(os.Stderr, "compact:", err)
			break
		}
		fmt.Fprintln(os.Stderr, "history compacted")

	default:
		fmt.Fprintf(os.Stderr, "unknown command %s; /help lists commands\n", cmd)
	}
	return false
}

func runSessionsList(ctx context.Context, settingsPath string, limit int, cwdOnly bool) error {
	resolver, err := loadResolver(settingsPath)
	if err != nil {
		return err
	}
	cfg := resolver.Get()

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	if backend == nil {
		if backend, err = sessions.NewJSONLBackend(cfg.SessionsDir()); err != nil {
			return err
		}
	}
	defer backend.Close()

	listOpts := sessions.ListOptions{Limit: limit}
	if cwdOnly {
		if listOpts.CWD, err = os.Getwd(); err != nil {
			return err
		}
	}
	infos, err := backend.ListSessions(ctx, listOpts)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	for _, info := range infos {
		title := info.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %4d entries  %s\n",
			info.ID, info.UpdatedAt.Local().Format("2006-01-02 15:04"), info.EntryCount, title)
	}
	return nil
}

func runSessionsShow(ctx context.Context, settingsPath, id string, full bool) error {
	resolver, err := loadResolver(settingsPath)
	if err != nil {
		return err
	}
	cfg := resolver.Get()

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	if backend == nil {
		if backend, err = sessions.NewJSONLBackend(cfg.SessionsDir()); err != nil {
			return err
		}
	}
	defer backend.Close()

	sess, err := sessions.OpenSession(ctx, backend, id, sessions.Options{})
	if err != nil {
		return err
	}
	defer sess.Close(ctx)

	fmt.Printf("session %s · %s\n", sess.ID(), sess.Title())
	entries := sess.GetBranch()
	if full {
		entries = sess.Entries()
	}
	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func printEntry(e models.Entry) {
	ts := e.EntryTime().Local().Format("15:04:05")
	switch entry := e.(type) {
	case *models.UserMessageEntry:
		fmt.Printf("%s  user > %s\n", ts, entry.Message.Content.Text())
	case *models.AssistantMessageEntry:
		if entry.Message.StopReason == models.StopError {
			fmt.Printf("%s  error: %s\n", ts, entry.Message.ErrorMessage)
			return
		}
		fmt.Printf("%s  agent> %s\n", ts, entry.Message.Content.Text())
	case *models.ToolResultEntry:
		fmt.Printf("%s  tool %s: %s\n", ts, entry.Result.ToolName, entry.Result.Content.Text())
	case *models.BashExecutionEntry:
		fmt.Printf("%s  $ %s (exit %d)\n", ts, entry.Command, entry.ExitCode)
	case *models.CompactionEntry:
		fmt.Printf("%s  -- history compacted (%d tokens folded) --\n", ts, entry.TokensBefore)
	case *models.BranchSummaryEntry:
		fmt.Printf("%s  -- branch summary --\n", ts)
	case *models.ModelChangeEntry:
		fmt.Printf("%s  -- model %s/%s --\n", ts, entry.Provider, entry.ModelID)
	case *models.ThinkingLevelChangeEntry:
		fmt.Printf("%s  -- thinking %s --\n", ts, entry.Level)
	}
}

func runDoctor(ctx context.Context, settingsPath string) error {
	resolver, err := loadResolver(settingsPath)
	if err != nil {
		return err
	}
	checks := doctor.Run(ctx, resolver.Get())
	for _, c := range checks {
		mark := "✓"
		switch c.Status {
		case doctor.StatusWarn:
			mark = "!"
		case doctor.StatusFail:
			mark = "✗"
		}
		fmt.Printf("%s %-14s %s\n", mark, c.Name, c.Detail)
	}
	if doctor.Failed(checks) {
		return errors.New("environment checks failed")
	}
	return nil
}
