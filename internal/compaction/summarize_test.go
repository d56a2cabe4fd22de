package compaction

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/pkg/models"
)

type fakeCompleter struct {
	requests []CompletionRequest
	replies  []string
	err      error
}

func (f *fakeCompleter) Complete(_ context.Context, req CompletionRequest) (string, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	if len(f.requests) <= len(f.replies) {
		return f.replies[len(f.requests)-1], nil
	}
	return "summary text", nil
}

func TestSummarizeSingleRequest(t *testing.T) {
	fc := &fakeCompleter{replies: []string{"## Goal\nShip the parser.\n"}}
	s := NewSummarizer(fc, nil)

	entries := []models.Entry{
		userE("u1", "please fix the parser"),
		assistantE("a1", "looking at it now"),
	}
	got, err := s.Summarize(context.Background(), entries, "", "")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "## Goal\nShip the parser." {
		t.Errorf("summary = %q, want trimmed reply", got)
	}
	if len(fc.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(fc.requests))
	}
	req := fc.requests[0]
	if req.System != summarySystemPrompt {
		t.Errorf("System = %q, want summarization system prompt", req.System)
	}
	if req.MaxTokens != SummaryMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, SummaryMaxTokens)
	}
	for _, want := range []string{"<conversation>", "[USER]\nplease fix the parser", "[ASSISTANT]\nlooking at it now", "## Goal"} {
		if !strings.Contains(req.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(req.Prompt, "<previous-summary>") {
		t.Error("fresh summary prompt must not carry a previous summary")
	}
}

func TestSummarizeExtendsPreviousSummary(t *testing.T) {
	fc := &fakeCompleter{}
	s := NewSummarizer(fc, nil)

	entries := []models.Entry{
		userE("u1", "continue the migration"),
		assistantE("a1", "migrated two tables"),
	}
	if _, err := s.Summarize(context.Background(), entries, "## Goal\nMigrate the database.", ""); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	prompt := fc.requests[0].Prompt
	if !strings.Contains(prompt, "<previous-summary>\n## Goal\nMigrate the database.\n</previous-summary>") {
		t.Errorf("prompt missing previous summary block:\n%s", prompt)
	}
	if !strings.Contains(prompt, "NEW conversation messages") {
		t.Error("prompt missing incremental update instructions")
	}
}

func TestSummarizeCustomInstructions(t *testing.T) {
	fc := &fakeCompleter{}
	s := NewSummarizer(fc, nil)

	entries := []models.Entry{
		userE("u1", "hello"),
		assistantE("a1", "hi"),
	}
	if _, err := s.Summarize(context.Background(), entries, "", "focus on the database work"); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if !strings.Contains(fc.requests[0].Prompt, "focus on the database work") {
		t.Error("prompt missing custom instructions")
	}
}

func TestSummarizeChunked(t *testing.T) {
	fc := &fakeCompleter{replies: []string{"s1", "s2", "s3", "s4"}}
	s := NewSummarizer(fc, nil)
	s.SetChunkTokens(50)

	entries := []models.Entry{
		userE("u1", sized(40)),
		userE("u2", sized(40)),
		userE("u3", sized(40)),
		userE("u4", sized(40)),
	}
	got, err := s.Summarize(context.Background(), entries, "", "")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "s4" {
		t.Errorf("summary = %q, want the last chunk's reply", got)
	}
	if len(fc.requests) != 4 {
		t.Fatalf("requests = %d, want 4 (one per chunk)", len(fc.requests))
	}
	// Later chunks fold in the summary rolled up so far.
	if strings.Contains(fc.requests[0].Prompt, "<previous-summary>") {
		t.Error("first chunk must start fresh")
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		prompt := fc.requests[i+1].Prompt
		if !strings.Contains(prompt, "<previous-summary>\n"+want+"\n</previous-summary>") {
			t.Errorf("chunk %d prompt missing rolling summary %q", i+2, want)
		}
	}
}

func TestSummarizeNothingVisible(t *testing.T) {
	fc := &fakeCompleter{}
	s := NewSummarizer(fc, nil)

	entries := []models.Entry{
		stampE(&models.ModelChangeEntry{Provider: "anthropic", ModelID: "claude-sonnet-4-5"}, "m1"),
	}
	got, err := s.Summarize(context.Background(), entries, "", "")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != DefaultSummaryFallback {
		t.Errorf("summary = %q, want fallback", got)
	}

	got, err = s.Summarize(context.Background(), entries, "existing summary", "")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "existing summary" {
		t.Errorf("summary = %q, want the previous summary unchanged", got)
	}
	if len(fc.requests) != 0 {
		t.Errorf("requests = %d, want 0 when nothing is visible", len(fc.requests))
	}
}

func TestSummarizeWithoutCompleter(t *testing.T) {
	s := NewSummarizer(nil, nil)
	if _, err := s.Summarize(context.Background(), []models.Entry{userE("u1", "hi")}, "", ""); err == nil {
		t.Error("Summarize() error = nil, want configuration error")
	}
	if _, err := s.SummarizeBranch(context.Background(), []models.Entry{userE("u1", "hi")}); err == nil {
		t.Error("SummarizeBranch() error = nil, want configuration error")
	}
}

func TestSummarizeEmptyResponse(t *testing.T) {
	fc := &fakeCompleter{replies: []string{"   \n"}}
	s := NewSummarizer(fc, nil)
	_, err := s.Summarize(context.Background(), []models.Entry{userE("u1", "hi"), assistantE("a1", "yo")}, "", "")
	if err == nil {
		t.Fatal("Summarize() error = nil, want empty-response error")
	}
}

func TestSummarizeRequestError(t *testing.T) {
	boom := errors.New("connection refused")
	fc := &fakeCompleter{err: boom}
	s := NewSummarizer(fc, nil)
	_, err := s.Summarize(context.Background(), []models.Entry{userE("u1", "hi")}, "", "")
	if !errors.Is(err, boom) {
		t.Errorf("Summarize() error = %v, want wrapped %v", err, boom)
	}
}

func TestSummarizeBranch(t *testing.T) {
	fc := &fakeCompleter{replies: []string{"Tried the flag-based approach; it broke streaming, so it was dropped."}}
	s := NewSummarizer(fc, nil)

	entries := []models.Entry{
		userE("u1", "try the flag approach"),
		assistantE("a1", "it breaks streaming"),
	}
	got, err := s.SummarizeBranch(context.Background(), entries)
	if err != nil {
		t.Fatalf("SummarizeBranch() error = %v", err)
	}
	if !strings.Contains(got, "flag-based approach") {
		t.Errorf("branch summary = %q", got)
	}
	req := fc.requests[0]
	if req.MaxTokens != BranchSummaryMaxTokens {
		t.Errorf("MaxTokens = %d, want %d", req.MaxTokens, BranchSummaryMaxTokens)
	}
	if !strings.Contains(req.Prompt, "<discarded-branch>") {
		t.Error("prompt missing discarded branch block")
	}
}

func TestSummarizeBranchEmpty(t *testing.T) {
	fc := &fakeCompleter{}
	s := NewSummarizer(fc, nil)
	got, err := s.SummarizeBranch(context.Background(), nil)
	if err != nil {
		t.Fatalf("SummarizeBranch() error = %v", err)
	}
	if got != "" {
		t.Errorf("branch summary = %q, want empty", got)
	}
	if len(fc.requests) != 0 {
		t.Errorf("requests = %d, want 0", len(fc.requests))
	}
}

func TestSerializeEntries(t *testing.T) {
	long := strings.Repeat("z", 2500)
	entries := []models.Entry{
		userE("u1", "run the tests"),
		stampE(&models.AssistantMessageEntry{
			Message: models.AssistantMessage{
				Content: models.Blocks{
					models.ThinkingBlock{Thinking: "need to run go test"},
					models.TextBlock{Text: "running them"},
					models.ToolCallBlock{ID: "tc_1", Name: "bash", Arguments: []byte(`{"command":"go test"}`)},
				},
				StopReason: models.StopToolUse,
			},
		}, "a1"),
		toolResultE("t1", "bash", long),
		stampE(&models.ModelChangeEntry{Provider: "openai", ModelID: "gpt-4o"}, "m1"),
	}

	out := serializeEntries(entries)
	for _, want := range []string{
		"[USER]\nrun the tests",
		"[ASSISTANT]\n<thinking>\nneed to run go test\n</thinking>\nrunning them",
		"[TOOL CALL: bash]",
		"[TOOL RESULT: bash]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("serialized output missing %q", want)
		}
	}
	if strings.Contains(out, long) {
		t.Error("long tool output was not truncated")
	}
	if !strings.Contains(out, long[:toolResultExcerptLimit-3]+"...") {
		t.Error("truncated tool output missing ellipsis")
	}
	if strings.Contains(out, "gpt-4o") {
		t.Error("non-message entries must not be serialized")
	}
}

func TestChunkEntries(t *testing.T) {
	a := userE("a", sized(30))
	b := userE("b", sized(30))
	big := userE("big", sized(120))
	c := userE("c", sized(30))

	chunks := chunkEntries([]models.Entry{a, b, big, c}, 70)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if got := entryIDs(chunks[0]); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("chunk 0 = %v, want [a b]", got)
	}
	if got := entryIDs(chunks[1]); len(got) != 1 || got[0] != "big" {
		t.Errorf("chunk 1 = %v, want the oversized entry alone", got)
	}
	if got := entryIDs(chunks[2]); len(got) != 1 || got[0] != "c" {
		t.Errorf("chunk 2 = %v, want [c]", got)
	}

	if got := chunkEntries(nil, 100); got != nil {
		t.Errorf("chunkEntries(nil) = %v, want nil", got)
	}
	single := chunkEntries([]models.Entry{a, big}, 0)
	if len(single) != 1 || len(single[0]) != 2 {
		t.Errorf("chunkEntries with no budget = %v, want one chunk", single)
	}
}
