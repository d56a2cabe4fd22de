package ttsr

import (
	"fmt"
	"strings"
	"sync"
)

// maxBufferBytes bounds the sliding evaluation window. Patterns are
// expected to match within this distance of the stream head.
const maxBufferBytes = 32 * 1024

// Engine evaluates trigger rules against the assistant's live output
// stream. It holds a sliding text buffer reset at each turn start, the
// per-session injection history that drives repeat suppression, and the
// queue of pending injections the agent drains when it restarts an
// aborted turn.
type Engine struct {
	mu           sync.Mutex
	rules        []Rule
	buffer       []byte
	injected     map[string]int // rule key -> messageCount at last firing
	messageCount int
	pending      []Rule
}

// NewEngine creates an engine over the trigger rules in the given set.
// Non-trigger rules are ignored.
func NewEngine(rules []Rule) *Engine {
	e := &Engine{injected: make(map[string]int)}
	e.SetRules(rules)
	return e
}

// SetRules swaps the rule set, keeping injection history so a reload
// does not re-fire once-mode rules.
func (e *Engine) SetRules(rules []Rule) {
	triggers := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.TTSRTrigger && r.Pattern != nil {
			triggers = append(triggers, r)
		}
	}
	e.mu.Lock()
	e.rules = triggers
	e.mu.Unlock()
}

// Rules returns the active trigger rules.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Rule(nil), e.rules...)
}

// OnTurnStart resets the sliding buffer for a fresh turn.
func (e *Engine) OnTurnStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = e.buffer[:0]
}

// OnTurnEnd advances the message count that drives after-gap repeats.
func (e *Engine) OnTurnEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messageCount++
}

// OnDelta appends an assistant-text or tool-argument delta to the
// buffer and evaluates every rule against it. Rules that match and are
// not suppressed are marked injected, queued as pending injections, and
// returned so the caller can emit ttsr_triggered and abort the turn.
// Because marking happens immediately, a rule fires at most once per
// turn no matter how many later deltas still match.
func (e *Engine) OnDelta(delta string) []Rule {
	if delta == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer = append(e.buffer, delta...)
	if len(e.buffer) > maxBufferBytes {
		e.buffer = e.buffer[len(e.buffer)-maxBufferBytes:]
	}

	var fired []Rule
	for _, r := range e.rules {
		if e.suppressed(r) {
			continue
		}
		if r.Pattern.Match(e.buffer) {
			e.injected[r.key()] = e.messageCount
			e.pending = append(e.pending, r)
			fired = append(fired, r)
		}
	}
	return fired
}

func (e *Engine) suppressed(r Rule) bool {
	last, ok := e.injected[r.key()]
	if !ok {
		return false
	}
	if r.RepeatMode == RepeatAfterGap {
		return e.messageCount-last < r.RepeatGap
	}
	return true
}

// HasPending reports whether injections are waiting to be delivered.
func (e *Engine) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending) > 0
}

// TakePending drains the queued injections.
func (e *Engine) TakePending() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	pending := e.pending
	e.pending = nil
	return pending
}

// InterruptContextMode decides what happens to the aborted partial
// message when the given rules fire together: discard wins.
func InterruptContextMode(rules []Rule) ContextMode {
	for _, r := range rules {
		if r.ContextMode == ContextDiscard {
			return ContextDiscard
		}
	}
	return ContextKeep
}

// BuildInterruptText renders the synthetic user message injected after
// a trigger: one system_interrupt block per rule, naming the rule and
// its file and quoting its content verbatim.
func BuildInterruptText(rules []Rule) string {
	blocks := make([]string, 0, len(rules))
	for _, r := range rules {
		blocks = append(blocks, fmt.Sprintf("<system_interrupt>\nRule %q (%s) matched your output.\n\n%s\n</system_interrupt>", r.Name, r.Path, r.Content))
	}
	return strings.Join(blocks, "\n\n")
}
