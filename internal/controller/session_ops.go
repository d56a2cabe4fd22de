package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/internal/extensions"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

// NewSessionOptions configure NewSession.
type NewSessionOptions struct {
	// CWD for the new session. Defaults to the current session's.
	CWD string

	// Title sets an explicit title immediately.
	Title string
}

// NewSession aborts any running turn, closes the current session, and
// starts a fresh one on the same backend. Returns the new session ID.
func (c *Controller) NewSession(ctx context.Context, opts NewSessionOptions) (string, error) {
	if err := c.checkUsable(); err != nil {
		return "", err
	}
	resume, err := c.pauseEngine(ctx)
	if err != nil {
		return "", err
	}
	defer resume()
	c.flushPendingBash()

	cwd := opts.CWD
	if cwd == "" {
		cwd = c.cwd()
	}
	next, err := sessions.NewSession(ctx, c.backend, c.sessionOptions(cwd))
	if err != nil {
		return "", err
	}
	if opts.Title != "" {
		if err := next.SetTitle(opts.Title); err != nil {
			c.logWarn(ctx, "title not set on new session", "error", err)
		}
	}

	if err := c.swapSession(ctx, next); err != nil {
		return "", err
	}
	c.trigger(ctx, extensions.NewEvent(extensions.SessionStart))
	return next.ID(), nil
}

// SwitchSession moves the controller onto an existing session. The
// current turn is aborted; its partial output lands in the old log.
// Extensions may veto via session_before_switch.
func (c *Controller) SwitchSession(ctx context.Context, id string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	from := c.sessionID()
	if id == from {
		return nil
	}

	before := c.trigger(ctx, extensions.NewEvent(extensions.SessionBeforeSwitch).
		WithData("targetId", id))
	if before.Cancelled() {
		return fmt.Errorf("%w: %s", ErrCancelledByExtension, before.CancelReason())
	}

	resume, err := c.pauseEngine(ctx)
	if err != nil {
		return err
	}
	defer resume()
	c.flushPendingBash()

	next, err := sessions.OpenSession(ctx, c.backend, id, c.sessionOptions())
	if err != nil {
		return err
	}
	if err := c.swapSession(ctx, next); err != nil {
		return err
	}
	c.trigger(ctx, extensions.NewEvent(extensions.SessionSwitch).
		WithData("fromId", from))
	return nil
}

// Branch rewinds the session so entryID can be redone: the leaf moves to
// the entry's parent and the next append forks there. An empty entryID
// rewinds before the root. The abandoned descendants stay in the log.
func (c *Controller) Branch(ctx context.Context, entryID string) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	sess := c.Session()

	target := ""
	if entryID != "" {
		entry, ok := sess.GetEntry(entryID)
		if !ok {
			return fmt.Errorf("branch entry %s: %w", entryID, sessions.ErrEntryNotFound)
		}
		target = entry.ParentEntryID()
	}

	before := c.trigger(ctx, extensions.NewEvent(extensions.SessionBeforeBranch).
		WithData("entryId", entryID))
	if before.Cancelled() {
		return fmt.Errorf("%w: %s", ErrCancelledByExtension, before.CancelReason())
	}

	resume, err := c.pauseEngine(ctx)
	if err != nil {
		return err
	}
	defer resume()
	c.flushPendingBash()

	if target == "" {
		sess.ResetLeaf()
	} else if err := sess.Branch(target); err != nil {
		return err
	}
	c.restoreFromLog()

	c.trigger(ctx, extensions.NewEvent(extensions.SessionBranch).
		WithData("entryId", entryID).
		WithData("leafId", sess.LeafID()))
	return nil
}

// NavigateOptions configure NavigateTree.
type NavigateOptions struct {
	// Summarize writes a digest of the branch being abandoned at the
	// target, so the model keeps a trace of the detour.
	Summarize bool

	// CustomInstructions steer the digest.
	CustomInstructions string
}

// NavigateTree moves the leaf to an arbitrary entry in the session tree.
// With Summarize set, the abandoned segment is summarized by the model
// first and recorded as a BranchSummary entry at the target; the
// summarization is abortable via AbortBranchSummary, in which case the
// navigation completes without a digest.
func (c *Controller) NavigateTree(ctx context.Context, targetID string, opts NavigateOptions) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	sess := c.Session()
	if targetID != "" {
		if _, ok := sess.GetEntry(targetID); !ok {
			return fmt.Errorf("navigate target %s: %w", targetID, sessions.ErrEntryNotFound)
		}
	}

	before := c.trigger(ctx, extensions.NewEvent(extensions.SessionBeforeTree).
		WithData("targetId", targetID).
		WithData("summarize", opts.Summarize))
	if before.Cancelled() {
		return fmt.Errorf("%w: %s", ErrCancelledByExtension, before.CancelReason())
	}

	resume, err := c.pauseEngine(ctx)
	if err != nil {
		return err
	}
	defer resume()
	c.flushPendingBash()

	summary := ""
	if opts.Summarize && targetID != "" {
		summary = c.summarizeAbandoned(ctx, sess, targetID, opts.CustomInstructions)
	}

	switch {
	case targetID == "":
		sess.ResetLeaf()
	case summary != "":
		if _, err := sess.BranchWithSummary(targetID, summary, nil, false); err != nil {
			return err
		}
	default:
		if err := sess.Branch(targetID); err != nil {
			return err
		}
	}
	c.restoreFromLog()

	c.trigger(ctx, extensions.NewEvent(extensions.SessionTree).
		WithData("targetId", targetID).
		WithData("summarized", summary != ""))
	return nil
}

// summarizeAbandoned digests the entries on the current branch that fall
// off it when the leaf moves to targetID. Returns "" when there is
// nothing to digest or the summarization failed or was aborted.
func (c *Controller) summarizeAbandoned(ctx context.Context, sess *sessions.Session, targetID, instructions string) string {
	keep := make(map[string]bool)
	if path, err := sess.BranchPath(targetID); err == nil {
		for _, e := range path {
			keep[e.EntryID()] = true
		}
	}
	var abandoned []models.Entry
	for _, e := range sess.GetBranch() {
		if !keep[e.EntryID()] {
			abandoned = append(abandoned, e)
		}
	}
	if len(abandoned) == 0 {
		return ""
	}

	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.branchAbort = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.branchAbort = nil
		c.mu.Unlock()
		cancel()
	}()

	var summary string
	var err error
	if instructions != "" {
		summary, err = c.summarize.Summarize(sctx, abandoned, "", instructions)
	} else {
		summary, err = c.summarize.SummarizeBranch(sctx, abandoned)
	}
	if err != nil {
		c.logWarn(ctx, "branch summary skipped", "error", err)
		return ""
	}
	return summary
}

// ListSessions enumerates stored sessions, newest first.
func (c *Controller) ListSessions(ctx context.Context, opts sessions.ListOptions) ([]sessions.Info, error) {
	if err := c.checkUsable(); err != nil {
		return nil, err
	}
	return c.backend.ListSessions(ctx, opts)
}

// Flush blocks until every appended entry is durable.
func (c *Controller) Flush(ctx context.Context) error {
	return c.Session().Flush(ctx)
}

// Dispose shuts the controller down: aborts work in flight, flushes and
// closes the session, stops background workers, and tears down SSH
// state. Safe to call more than once.
func (c *Controller) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	sess := c.session
	sub := c.engineSub
	unsubs := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()

	c.engine.Abort()
	waitCtx, cancelWait := context.WithTimeout(ctx, 5*time.Second)
	waitErr := c.engine.Wait(waitCtx)
	cancelWait()

	c.retry.Abort()
	c.AbortCompaction()
	c.AbortBranchSummary()

	c.trigger(ctx, extensions.NewEvent(extensions.SessionShutdown))

	c.flushPendingBash()
	c.emitter.Unsubscribe(sub)
	for _, u := range unsubs {
		u()
	}

	var errs []error
	if waitErr != nil {
		errs = append(errs, fmt.Errorf("wait for turn: %w", waitErr))
	}
	if sess != nil {
		if err := sess.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	if c.janitor != nil {
		c.janitor.Stop()
	}
	c.execs.StopSweeper()
	c.execs.AbortAll()
	c.ssh.UnmountAll(ctx)
	c.ssh.CloseAll(ctx)
	c.cancelAll()
	if c.ownsStore {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pauseEngine aborts the running turn, waits for it to settle, and
// detaches the controller's own event subscription so the restructure
// that follows is invisible to it. User subscribers stay attached. The
// returned func resubscribes.
func (c *Controller) pauseEngine(ctx context.Context) (func(), error) {
	c.engine.Abort()
	if err := c.engine.Wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	sub := c.engineSub
	c.mu.Unlock()
	c.emitter.Unsubscribe(sub)
	return func() {
		c.mu.Lock()
		c.engineSub = c.emitter.Subscribe(c.onEngineEvent)
		c.mu.Unlock()
	}, nil
}

// swapSession flushes and closes the old session and installs next as
// the active one, rebuilding engine state from its log.
func (c *Controller) swapSession(ctx context.Context, next *sessions.Session) error {
	c.mu.Lock()
	old := c.session
	c.session = next
	c.mu.Unlock()

	c.emitter.SetSession(next.ID())
	c.restoreFromLog()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			return fmt.Errorf("close previous session: %w", err)
		}
	}
	return nil
}

// restoreFromLog rebuilds the engine's conversation, model, and
// thinking level from the active branch. Model and thinking changes
// recorded in the log win over settings; a branch that never recorded
// them leaves the current configuration alone.
func (c *Controller) restoreFromLog() {
	sess := c.Session()
	lc := sess.BuildContext()
	c.engine.SetMessages(lc.Messages)

	if !lc.Model.IsZero() {
		if m, err := c.findModel(lc.Model.Provider + "/" + lc.Model.ID); err == nil {
			if p := c.provider(m.Provider); p != nil {
				c.engine.SetProvider(p)
				c.engine.SetModel(m)
				c.mu.Lock()
				c.model = m
				c.mu.Unlock()
			}
		} else {
			c.logWarn(c.baseCtx, "logged model unavailable, keeping current", "model", lc.Model.Provider+"/"+lc.Model.ID)
		}
	}

	hasThinking := false
	for _, e := range sess.GetBranch() {
		if _, ok := e.(*models.ThinkingLevelChangeEntry); ok {
			hasThinking = true
			break
		}
	}
	if hasThinking {
		c.engine.SetThinkingLevel(models.ClampThinkingLevel(lc.ThinkingLevel, c.Model()))
	}

	c.engine.SetSystemPrompt(buildSystemPrompt(sess.CWD(), c.registry.Active()))
}
