package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/haasonsaas/strand/pkg/models"
)

type runOptions struct {
	// resume suppresses the agent_start event so a continued run reads
	// as part of the interrupted one.
	resume bool

	// pending user messages are appended and announced at the first
	// turn boundary.
	pending []models.UserMessage
}

// run drives the turn loop until a terminal stop reason, an abort, or
// the iteration cap. It is the only goroutine that emits events for
// this run, which keeps the stream totally ordered.
func (e *Engine) run(ctx context.Context, cancel context.CancelFunc, opts runOptions) {
	defer cancel()

	var produced []models.Message
	record := func(msg models.Message) {
		e.AppendMessage(msg)
		produced = append(produced, msg)
	}

	defer func() {
		end := models.NewAgentEvent(models.EventAgentEnd)
		end.Run = &models.RunEventPayload{Messages: produced, Stats: e.stats.Snapshot()}
		e.emitter.Emit(end)

		e.mu.Lock()
		e.running = false
		e.cancelRun = nil
		close(e.idle)
		e.mu.Unlock()
	}()

	if !opts.resume {
		e.emitter.Emit(models.NewAgentEvent(models.EventAgentStart))
	}

	pending := opts.pending
	for turn := 0; ; turn++ {
		if e.cfg.MaxIterations > 0 && turn >= e.cfg.MaxIterations {
			if e.logger != nil {
				e.logger.Warn(ctx, "turn loop hit iteration cap", "max_iterations", e.cfg.MaxIterations)
			}
			return
		}

		start := models.NewAgentEvent(models.EventTurnStart)
		start.Turn = &models.TurnEventPayload{Index: turn}
		e.emitter.Emit(start)

		for _, um := range pending {
			record(um)
			e.emitMessage(models.EventMessageStart, um)
			e.emitMessage(models.EventMessageEnd, um)
		}
		pending = nil

		assistant := e.streamOnce(ctx)
		record(assistant)
		e.emitMessage(models.EventMessageEnd, assistant)

		var results []models.ToolResultMessage
		calls := assistant.Content.ToolCalls()
		if assistant.StopReason == models.StopToolUse && len(calls) > 0 {
			results = e.executeTools(ctx, calls)
			for _, res := range results {
				record(res)
			}
		}

		end := models.NewAgentEvent(models.EventTurnEnd)
		end.Message = assistant
		end.Turn = &models.TurnEventPayload{Index: turn, ToolResults: results}
		e.emitter.Emit(end)

		if ctx.Err() != nil {
			return
		}

		switch assistant.StopReason {
		case models.StopAborted:
			// Steering preempted the stream; the steer opens the next
			// turn. An external abort was caught above.
			if msgs := e.queues.TakeSteering(); len(msgs) > 0 {
				pending = msgs
				continue
			}
			return

		case models.StopToolUse:
			if msgs := e.queues.TakeSteering(); len(msgs) > 0 {
				pending = msgs
			}
			continue

		case models.StopError:
			if e.cfg.ErrorHandler != nil && e.cfg.ErrorHandler(ctx, assistant) && ctx.Err() == nil {
				continue
			}
			return

		default:
			// Terminal stop. Steering that raced the stream end is
			// delivered first; otherwise follow-ups keep the run open.
			if msgs := e.queues.TakeSteering(); len(msgs) > 0 {
				pending = msgs
				continue
			}
			if msgs := e.queues.TakeFollowUp(); len(msgs) > 0 {
				pending = msgs
				continue
			}
			return
		}
	}
}

// streamOnce opens one provider stream and assembles the assistant
// message from its events. Failures are folded into the message's stop
// reason rather than returned: an aborted context yields StopAborted,
// a stream error yields StopError with the error text.
func (e *Engine) streamOnce(ctx context.Context) models.AssistantMessage {
	e.mu.Lock()
	provider := e.provider
	model := e.model
	system := e.system
	thinking := models.ClampThinkingLevel(e.thinking, model)
	history := make([]models.Message, len(e.msgs))
	copy(history, e.msgs)
	e.mu.Unlock()

	if e.cfg.ContextTransform != nil {
		history = e.cfg.ContextTransform(ctx, history)
	}

	assistant := models.AssistantMessage{
		Model:    model.ID,
		Provider: provider.Name(),
	}

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	events, err := provider.Stream(streamCtx, Request{
		Model:         model.ID,
		System:        system,
		Messages:      history,
		Tools:         e.tools.Active(),
		ThinkingLevel: thinking,
		MaxTokens:     e.cfg.MaxTokens,
	})
	if err != nil {
		assistant.StopReason = models.StopError
		assistant.ErrorMessage = err.Error()
		e.emitMessage(models.EventMessageStart, assistant)
		return assistant
	}

	e.emitMessage(models.EventMessageStart, assistant)

	preempt := e.queues.Config().Interrupt == InterruptImmediate
	var blocks models.Blocks
	var usage models.Usage
	var stop models.StopReason
	var streamErr error

	for ev := range events {
		switch ev.Kind {
		case StreamTextDelta:
			blocks = appendText(blocks, ev.Text)
			e.emitDelta(models.DeltaText, ev.Text, "")
		case StreamThinkingDelta:
			blocks = appendThinking(blocks, ev.Text)
			e.emitDelta(models.DeltaThinking, ev.Text, "")
		case StreamToolCallStart:
			blocks = append(blocks, models.ToolCallBlock{ID: ev.ToolCallID, Name: ev.ToolName})
		case StreamToolCallDelta:
			e.emitDelta(models.DeltaToolArgs, ev.ArgsDelta, ev.ToolCallID)
		case StreamToolCallEnd:
			setToolArgs(blocks, ev.ToolCallID, ev.Args)
		case StreamUsage:
			usage = ev.Usage
		case StreamStop:
			stop = ev.StopReason
		case StreamError:
			streamErr = ev.Err
		}

		// Steering in immediate mode stops the stream at the next
		// chunk boundary; the partial message is kept as aborted.
		if preempt && stop == "" && streamErr == nil && e.queues.HasSteering() {
			cancelStream()
			for range events {
			}
			assistant.Content = blocks
			assistant.Usage = usage
			assistant.StopReason = models.StopAborted
			return assistant
		}
	}

	assistant.Content = blocks
	assistant.Usage = usage
	switch {
	case ctx.Err() != nil:
		assistant.StopReason = models.StopAborted
	case streamErr != nil:
		assistant.StopReason = models.StopError
		assistant.ErrorMessage = streamErr.Error()
	case stop != "":
		assistant.StopReason = stop
	default:
		assistant.StopReason = models.StopEndTurn
	}
	return assistant
}

// executeTools runs a turn's tool calls with bounded parallelism and
// returns one result per call, in call order. A dispatcher goroutine
// starts calls in order, so steering skips exactly the calls that have
// not begun: skipped and cancelled calls get error results, keeping
// every call paired with one result. Tool events from workers funnel
// through a channel and are emitted here, on the run goroutine.
func (e *Engine) executeTools(ctx context.Context, calls []models.ToolCallBlock) []models.ToolResultMessage {
	results := make([]models.ToolResultMessage, len(calls))
	events := make(chan models.AgentEvent, 64)
	sem := make(chan struct{}, e.cfg.ToolConcurrency)

	// Skipped calls still announce themselves: the session log persists
	// results from tool_call_end, so a result that never crossed the
	// event stream would leave the logged tool call unanswered.
	skip := func(idx int, call models.ToolCallBlock, reason string) {
		res := models.ErrorToolResult(call.ID, call.Name, reason)
		results[idx] = res

		start := models.NewAgentEvent(models.EventToolCallStart)
		start.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name}
		events <- start
		end := models.NewAgentEvent(models.EventToolCallEnd)
		end.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name, Result: &res}
		events <- end
	}

	go func() {
		var wg sync.WaitGroup
		for i := range calls {
			call := calls[i]
			if ctx.Err() != nil {
				skip(i, call, "Tool execution cancelled.")
				continue
			}
			if e.queues.HasSteering() {
				skip(i, call, "Tool execution skipped: interrupted by user message.")
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				skip(i, call, "Tool execution cancelled.")
				continue
			}
			// Steering may have arrived while waiting for a slot.
			if e.queues.HasSteering() {
				<-sem
				skip(i, call, "Tool execution skipped: interrupted by user message.")
				continue
			}

			wg.Add(1)
			go func(idx int, call models.ToolCallBlock) {
				defer wg.Done()
				defer func() { <-sem }()

				start := models.NewAgentEvent(models.EventToolCallStart)
				start.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name}
				events <- start

				res := e.runTool(ctx, call, events)
				results[idx] = res

				end := models.NewAgentEvent(models.EventToolCallEnd)
				end.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name, Result: &res}
				events <- end
			}(i, call)
		}
		wg.Wait()
		close(events)
	}()

	for ev := range events {
		e.emitter.Emit(ev)
	}
	return results
}

// runTool dispatches one call through the registry, converting panics
// into error results so a misbehaving tool cannot take down the run.
func (e *Engine) runTool(ctx context.Context, call models.ToolCallBlock, events chan<- models.AgentEvent) (res models.ToolResultMessage) {
	defer func() {
		if r := recover(); r != nil {
			if e.logger != nil {
				e.logger.Error(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			}
			res = models.ErrorToolResult(call.ID, call.Name, fmt.Sprintf("tool panicked: %v", r))
		}
	}()

	onUpdate := func(partial models.ToolResultMessage) {
		ev := models.NewAgentEvent(models.EventToolCallUpdate)
		p := partial
		ev.Tool = &models.ToolEventPayload{CallID: call.ID, Name: call.Name, Partial: &p}
		events <- ev
	}
	return e.tools.Execute(ctx, call.ID, call.Name, call.Arguments, onUpdate)
}

func (e *Engine) emitMessage(t models.AgentEventType, msg models.Message) {
	ev := models.NewAgentEvent(t)
	ev.Message = msg
	e.emitter.Emit(ev)
}

func (e *Engine) emitDelta(kind models.MessageDeltaKind, text, callID string) {
	ev := models.NewAgentEvent(models.EventMessageUpdate)
	ev.Delta = &models.MessageDelta{Kind: kind, Text: text, ToolCallID: callID}
	e.emitter.Emit(ev)
}

// appendText grows the trailing text block or opens a new one.
func appendText(blocks models.Blocks, text string) models.Blocks {
	if n := len(blocks); n > 0 {
		if tb, ok := blocks[n-1].(models.TextBlock); ok {
			tb.Text += text
			blocks[n-1] = tb
			return blocks
		}
	}
	return append(blocks, models.TextBlock{Text: text})
}

// appendThinking grows the trailing thinking block or opens a new one.
func appendThinking(blocks models.Blocks, text string) models.Blocks {
	if n := len(blocks); n > 0 {
		if tb, ok := blocks[n-1].(models.ThinkingBlock); ok {
			tb.Thinking += text
			blocks[n-1] = tb
			return blocks
		}
	}
	return append(blocks, models.ThinkingBlock{Thinking: text})
}

// setToolArgs attaches the final argument JSON to the named call.
// Scans from the end; streams close calls in reverse open order.
func setToolArgs(blocks models.Blocks, callID string, args []byte) {
	for i := len(blocks) - 1; i >= 0; i-- {
		if tc, ok := blocks[i].(models.ToolCallBlock); ok && tc.ID == callID {
			tc.Arguments = args
			blocks[i] = tc
			return
		}
	}
}
