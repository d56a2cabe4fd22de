package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/internal/extensions"
	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

// twoExchanges runs two prompt/answer rounds and returns the resulting
// entries: user, assistant, user, assistant.
func twoExchanges(t *testing.T, c *Controller, p *fakeProvider) []models.Entry {
	t.Helper()
	p.push(textStream("first answer"), textStream("second answer"))
	for _, q := range []string{"first question", "second question"} {
		if err := c.Prompt(context.Background(), q, nil); err != nil {
			t.Fatalf("Prompt(%q) = %v", q, err)
		}
		waitIdle(t, c)
	}
	entries := c.Session().Entries()
	if len(entries) != 4 {
		t.Fatalf("setup produced %d entries, want 4: %v", len(entries), entryKinds(c))
	}
	return entries
}

func TestBranchRewindsBeforeEntry(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	entries := twoExchanges(t, c, p)

	// Branching at the second question moves the leaf to its parent, so
	// the question itself is abandoned.
	if err := c.Branch(context.Background(), entries[2].EntryID()); err != nil {
		t.Fatalf("Branch() = %v", err)
	}
	if got := c.Session().LeafID(); got != entries[1].EntryID() {
		t.Errorf("leaf = %s, want %s", got, entries[1].EntryID())
	}
	if got := len(c.engine.Messages()); got != 2 {
		t.Errorf("model context has %d messages, want 2", got)
	}
	// The abandoned entries stay in the tree.
	if got := len(c.Session().Entries()); got != 4 {
		t.Errorf("tree has %d entries after branch, want 4", got)
	}

	// A new prompt forks a sibling of the abandoned question.
	p.push(textStream("third answer"))
	if err := c.Prompt(context.Background(), "rephrased question", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitIdle(t, c)
	all := c.Session().Entries()
	fork := all[4]
	if fork.ParentEntryID() != entries[1].EntryID() {
		t.Errorf("fork parent = %s, want %s", fork.ParentEntryID(), entries[1].EntryID())
	}
}

func TestBranchToRoot(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	twoExchanges(t, c, p)

	if err := c.Branch(context.Background(), ""); err != nil {
		t.Fatalf("Branch(root) = %v", err)
	}
	if got := c.Session().LeafID(); got != "" {
		t.Errorf("leaf = %q, want root", got)
	}
	if got := len(c.engine.Messages()); got != 0 {
		t.Errorf("model context has %d messages, want 0", got)
	}
}

func TestBranchUnknownEntry(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)

	if err := c.Branch(context.Background(), "nope"); err == nil {
		t.Error("Branch(unknown) succeeded, want error")
	}
}

func TestNavigateTreeWithSummary(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	entries := twoExchanges(t, c, p)
	oldLeaf := entries[3].EntryID()

	p.push(textStream("the abandoned branch explored second question"))
	err := c.NavigateTree(context.Background(), entries[1].EntryID(), NavigateOptions{Summarize: true})
	if err != nil {
		t.Fatalf("NavigateTree() = %v", err)
	}

	all := c.Session().Entries()
	bs, ok := all[len(all)-1].(*models.BranchSummaryEntry)
	if !ok {
		t.Fatalf("last entry = %T, want branch summary", all[len(all)-1])
	}
	if bs.FromLeafID != oldLeaf {
		t.Errorf("summary FromLeafID = %s, want %s", bs.FromLeafID, oldLeaf)
	}
	if !strings.Contains(bs.Summary, "abandoned branch") {
		t.Errorf("summary = %q, want the summarizer output", bs.Summary)
	}
	if bs.ParentEntryID() != entries[1].EntryID() {
		t.Errorf("summary parent = %s, want %s", bs.ParentEntryID(), entries[1].EntryID())
	}
	if got := c.Session().LeafID(); got != bs.EntryID() {
		t.Errorf("leaf = %s, want the summary entry", got)
	}
}

func TestNavigateTreeExactTarget(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	entries := twoExchanges(t, c, p)

	// Unlike Branch, tree navigation lands on the target itself.
	err := c.NavigateTree(context.Background(), entries[2].EntryID(), NavigateOptions{})
	if err != nil {
		t.Fatalf("NavigateTree() = %v", err)
	}
	if got := c.Session().LeafID(); got != entries[2].EntryID() {
		t.Errorf("leaf = %s, want %s", got, entries[2].EntryID())
	}
	if got := len(c.engine.Messages()); got != 3 {
		t.Errorf("model context has %d messages, want 3", got)
	}
}

func TestNewSessionStartsFresh(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	twoExchanges(t, c, p)
	oldID := c.Session().ID()

	newID, err := c.NewSession(context.Background(), NewSessionOptions{Title: "scratch"})
	if err != nil {
		t.Fatalf("NewSession() = %v", err)
	}
	if newID == oldID {
		t.Fatal("new session reused the old id")
	}
	if got := len(c.Session().Entries()); got != 0 {
		t.Errorf("new session has %d entries, want 0", got)
	}
	if got := c.Session().Title(); got != "scratch" {
		t.Errorf("title = %q, want scratch", got)
	}
	if got := len(c.engine.Messages()); got != 0 {
		t.Errorf("model context has %d messages, want 0", got)
	}

	infos, err := c.ListSessions(context.Background(), sessions.ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions() = %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("ListSessions() returned %d sessions, want 2", len(infos))
	}
}

func TestSwitchSessionRoundTrip(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	twoExchanges(t, c, p)
	first := c.Session().ID()

	if _, err := c.NewSession(context.Background(), NewSessionOptions{}); err != nil {
		t.Fatalf("NewSession() = %v", err)
	}
	if err := c.SwitchSession(context.Background(), first); err != nil {
		t.Fatalf("SwitchSession() = %v", err)
	}
	if got := c.Session().ID(); got != first {
		t.Fatalf("session = %s, want %s", got, first)
	}
	if got := len(c.Session().Entries()); got != 4 {
		t.Errorf("restored session has %d entries, want 4", got)
	}
	if got := len(c.engine.Messages()); got != 4 {
		t.Errorf("model context has %d messages after switch, want 4", got)
	}

	// The run loop still works against the restored context.
	p.push(textStream("back again"))
	if err := c.Prompt(context.Background(), "continue", nil); err != nil {
		t.Fatalf("Prompt() after switch = %v", err)
	}
	waitIdle(t, c)
	if got := len(c.Session().Entries()); got != 6 {
		t.Errorf("session has %d entries, want 6", got)
	}
}

func TestSwitchSessionVetoed(t *testing.T) {
	p := newFakeProvider(200000)
	c, _ := newTestController(t, p)
	first := c.Session().ID()

	second, err := c.NewSession(context.Background(), NewSessionOptions{})
	if err != nil {
		t.Fatalf("NewSession() = %v", err)
	}

	c.Bus().Register(extensions.SessionBeforeSwitch, func(_ context.Context, ev *extensions.Event) error {
		ev.Cancel("mid-review, stay put")
		return nil
	})

	if err := c.SwitchSession(context.Background(), first); !errors.Is(err, ErrCancelledByExtension) {
		t.Fatalf("SwitchSession() = %v, want ErrCancelledByExtension", err)
	}
	if got := c.Session().ID(); got != second {
		t.Errorf("session = %s, want %s (switch vetoed)", got, second)
	}
}

func TestSwitchSessionAbortsInFlightTurn(t *testing.T) {
	p := newFakeProvider(200000)
	p.push(hangingStream("half an answer"))
	c, _ := newTestController(t, p)
	first := c.Session().ID()

	if err := c.Prompt(context.Background(), "slow one", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}
	waitFor(t, "turn to start streaming", c.IsStreaming)

	if _, err := c.NewSession(context.Background(), NewSessionOptions{}); err != nil {
		t.Fatalf("NewSession() = %v", err)
	}

	// The partial answer landed in the old session, not the new one.
	if got := len(c.Session().Entries()); got != 0 {
		t.Fatalf("new session has %d entries, want 0", got)
	}
	if err := c.SwitchSession(context.Background(), first); err != nil {
		t.Fatalf("SwitchSession() = %v", err)
	}
	entries := c.Session().Entries()
	if len(entries) != 2 {
		t.Fatalf("old session has %d entries, want 2: %v", len(entries), entryKinds(c))
	}
	am, ok := entries[1].(*models.AssistantMessageEntry)
	if !ok || am.Message.StopReason != models.StopAborted {
		t.Errorf("entry 1 = %#v, want aborted assistant", entries[1])
	}
}

func writeRuleFile(t *testing.T, dir, name, frontmatter, body string) {
	t.Helper()
	content := fmt.Sprintf("---\n%s---\n\n%s\n", frontmatter, body)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write rule: %v", err)
	}
}

func TestStreamRuleInterruptsAndResumes(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.Mkdir(rulesDir, 0o755); err != nil {
		t.Fatalf("mkdir rules: %v", err)
	}
	writeRuleFile(t, rulesDir, "no-placeholder.md",
		"name: no-placeholder\npattern: PLACEHOLDER\nttsrTrigger: true\ncontextMode: discard\n",
		"Write the real value instead of a placeholder.")

	yaml := fmt.Sprintf("data_dir: %s\nprovider: fake\nrules:\n  dirs: [%s]\n", dir, rulesDir)

	p := newFakeProvider(200000)
	p.push(hangingStream("I left a PLACEHOLDER in the config"))
	p.push(textStream("done, with the real value"))
	c, log := newTestControllerYAML(t, p, yaml)

	if err := c.Prompt(context.Background(), "fill in the config", nil); err != nil {
		t.Fatalf("Prompt() = %v", err)
	}

	// The resumed turn starts after a short drain delay; poll for its
	// final answer.
	waitFor(t, "resumed answer", func() bool {
		entries := c.Session().Entries()
		if len(entries) == 0 {
			return false
		}
		am, ok := entries[len(entries)-1].(*models.AssistantMessageEntry)
		return ok && am.Message.StopReason == models.StopEndTurn
	})

	if !log.has(models.EventRuleTriggered) {
		t.Error("no rule_triggered event")
	}

	var aborted, interrupt bool
	for _, e := range c.Session().Entries() {
		switch entry := e.(type) {
		case *models.AssistantMessageEntry:
			if entry.Message.StopReason == models.StopAborted {
				aborted = true
			}
		case *models.UserMessageEntry:
			text := entry.Message.Content.Text()
			if strings.Contains(text, "<system_interrupt>") && strings.Contains(text, "no-placeholder") {
				interrupt = true
			}
		}
	}
	if !aborted {
		t.Error("aborted partial answer missing from the log")
	}
	if !interrupt {
		t.Error("interrupt note missing from the log")
	}

	// Discard mode keeps the partial out of the model context.
	for _, m := range c.engine.Messages() {
		if am, ok := m.(models.AssistantMessage); ok && strings.Contains(am.Content.Text(), "PLACEHOLDER") {
			t.Error("discarded partial answer still in the model context")
		}
	}
}
