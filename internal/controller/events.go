package controller

import (
	"time"

	"github.com/haasonsaas/strand/internal/compaction"
	"github.com/haasonsaas/strand/internal/extensions"
	"github.com/haasonsaas/strand/internal/ttsr"
	"github.com/haasonsaas/strand/pkg/models"
)

// ruleInterruptDelay is how long the controller waits after aborting a
// rule-violating stream before injecting the interrupt note and
// resuming. The pause lets the abort drain fully.
const ruleInterruptDelay = 50 * time.Millisecond

// onEngineEvent is the controller's own subscriber, registered before
// any UI listener. Each event is persisted first, then inspected by the
// rule engine, then forwarded to the extension bus; UI subscribers run
// after this handler returns.
func (c *Controller) onEngineEvent(ev models.AgentEvent) {
	switch ev.Type {
	case models.EventAgentStart:
		if c.metrics != nil {
			c.metrics.RunStarted()
		}
		c.trigger(c.baseCtx, extensions.NewEvent(extensions.AgentStart))

	case models.EventTurnStart:
		c.streamRules().OnTurnStart()
		c.trigger(c.baseCtx, extensions.NewEvent(extensions.TurnStart))

	case models.EventMessageEnd:
		c.persistMessage(ev.Message)

	case models.EventMessageUpdate:
		if ev.Delta != nil {
			c.inspectDelta(ev.Delta)
		}

	case models.EventToolCallEnd:
		if ev.Tool != nil && ev.Tool.Result != nil {
			c.appendEntry(&models.ToolResultEntry{Result: *ev.Tool.Result})
		}

	case models.EventTurnEnd:
		c.streamRules().OnTurnEnd()
		c.trigger(c.baseCtx, extensions.NewEvent(extensions.TurnEnd))

	case models.EventAgentEnd:
		if c.metrics != nil {
			c.metrics.RunEnded()
		}
		c.trigger(c.baseCtx, extensions.NewEvent(extensions.AgentEnd))
		c.onIdle()
	}
}

// persistMessage mirrors a completed message into the session log.
// Message starts and deltas are transient; the log records whole
// messages only.
func (c *Controller) persistMessage(msg models.Message) {
	switch m := msg.(type) {
	case models.UserMessage:
		c.appendEntry(&models.UserMessageEntry{Message: m})
	case models.AssistantMessage:
		c.appendEntry(&models.AssistantMessageEntry{Message: m})
		c.recordAssistant(m)
		c.retry.Observe(m)
	}
}

func (c *Controller) appendEntry(e models.Entry) {
	sess := c.Session()
	if sess == nil {
		return
	}
	if _, err := sess.Append(e); err != nil {
		c.logWarn(c.baseCtx, "entry append failed", "type", string(e.Kind()), "error", err)
	}
}

func (c *Controller) recordAssistant(m models.AssistantMessage) {
	if c.metrics == nil || m.Usage.IsZero() {
		return
	}
	c.mu.Lock()
	model := c.model
	c.mu.Unlock()
	c.metrics.RecordLLMCost(m.Provider, m.Model, model.CostOf(m.Usage))
}

// inspectDelta feeds assistant text and tool-argument fragments to the
// rule engine. A match aborts the stream; resumption happens off the
// run goroutine after a short delay.
func (c *Controller) inspectDelta(d *models.MessageDelta) {
	if d.Kind == models.DeltaThinking {
		return
	}
	fired := c.streamRules().OnDelta(d.Text)
	if len(fired) == 0 {
		return
	}
	for _, r := range fired {
		ev := models.NewAgentEvent(models.EventRuleTriggered)
		ev.Rule = &models.RuleEventPayload{Name: r.Name, Path: r.Path}
		c.emitter.Emit(ev)
		if c.metrics != nil {
			c.metrics.RecordRuleTrigger(r.Name)
		}
	}
	bev := extensions.NewEvent(extensions.TTSRTriggered)
	for _, r := range fired {
		bev.WithData(r.Name, r.Path)
	}
	c.trigger(c.baseCtx, bev)

	c.engine.Abort()
	go c.resumeAfterRuleInterrupt()
}

// resumeAfterRuleInterrupt injects the interrupt note for the pending
// rule firings and restarts the turn. Under discard context mode the
// aborted partial message is removed from the model context; the log
// keeps it either way.
func (c *Controller) resumeAfterRuleInterrupt() {
	time.Sleep(ruleInterruptDelay)
	if err := c.engine.Wait(c.baseCtx); err != nil {
		return
	}
	rules := c.streamRules().TakePending()
	if len(rules) == 0 {
		return
	}
	if ttsr.InterruptContextMode(rules) == ttsr.ContextDiscard {
		c.engine.DropLastAssistant()
	}
	note := models.UserMessage{Content: models.TextBlocks(ttsr.BuildInterruptText(rules))}
	if err := c.engine.Continue(c.runContext(c.baseCtx), note); err != nil {
		c.logWarn(c.baseCtx, "rule interrupt resume failed", "error", err)
	}
}

// onIdle runs at each agent_end: held-back bash records flush, and the
// threshold compaction check fires.
func (c *Controller) onIdle() {
	c.flushPendingBash()
	if c.streamRules().HasPending() {
		// A rule interrupt is about to resume this run; compacting
		// in between would race the injection.
		return
	}
	go c.maybeCompactForThreshold()
}

// maybeCompactForThreshold compacts when the last completed assistant
// message pushed the context past window - reserve. The comparison is
// strict; sitting exactly at the trigger point does not compact.
func (c *Controller) maybeCompactForThreshold() {
	cfg := c.compactionConfig()
	if !cfg.Enabled {
		return
	}
	sess := c.Session()
	if sess == nil {
		return
	}
	var usage models.Usage
	branch := sess.GetBranch()
	for i := len(branch) - 1; i >= 0; i-- {
		if am, ok := branch[i].(*models.AssistantMessageEntry); ok {
			if am.Message.StopReason == models.StopError || am.Message.Usage.IsZero() {
				return
			}
			usage = am.Message.Usage
			break
		}
	}
	if !compaction.ShouldCompact(usage.ContextTokens(), c.contextWindow(), cfg) {
		return
	}
	if err := c.compact(c.baseCtx, compactReasonThreshold, "", false); err != nil {
		c.logWarn(c.baseCtx, "threshold compaction failed", "error", err)
	}
}

func (c *Controller) streamRules() *ttsr.Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rules
}
