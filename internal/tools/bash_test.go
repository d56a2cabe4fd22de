package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/internal/shell"
	"github.com/haasonsaas/strand/pkg/models"
)

func newBashForTest(t *testing.T) *BashTool {
	t.Helper()
	runner := shell.NewRunner(shell.RunnerConfig{SpillDir: t.TempDir()}, nil, nil)
	return NewBashTool(runner, nil)
}

func TestBashToolSchema(t *testing.T) {
	tool := newBashForTest(t)
	raw := tool.Schema()

	var schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema is not valid json: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q, want object", schema.Type)
	}
	for _, prop := range []string{"command", "timeout", "host"} {
		if _, ok := schema.Properties[prop]; !ok {
			t.Errorf("schema missing property %q", prop)
		}
	}
	foundCommand := false
	for _, req := range schema.Required {
		if req == "command" {
			foundCommand = true
		}
	}
	if !foundCommand {
		t.Errorf("required = %v, want command listed", schema.Required)
	}
}

func TestBashToolSchemaCompiles(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newBashForTest(t)); err != nil {
		t.Fatalf("register bash: %v", err)
	}
}

func TestBashToolRunsCommand(t *testing.T) {
	tool := newBashForTest(t)
	res, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{"command":"echo hello"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got %q", textOf(t, res))
	}
	if got := textOf(t, res); got != "hello\n" {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}

	var details BashDetails
	if err := json.Unmarshal(res.Details, &details); err != nil {
		t.Fatalf("details: %v", err)
	}
	if details.ExitCode != 0 || details.Cancelled || details.Truncated {
		t.Errorf("details = %+v", details)
	}
}

func TestBashToolNonZeroExit(t *testing.T) {
	tool := newBashForTest(t)
	res, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{"command":"echo failing; exit 7"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	text := textOf(t, res)
	if !strings.Contains(text, "failing") || !strings.Contains(text, "exit status 7") {
		t.Errorf("output = %q", text)
	}

	var details BashDetails
	json.Unmarshal(res.Details, &details)
	if details.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", details.ExitCode)
	}
}

func TestBashToolNoOutput(t *testing.T) {
	tool := newBashForTest(t)
	res, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{"command":"true"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.IsError {
		t.Fatal("expected success")
	}
	if got := textOf(t, res); got != "(no output)" {
		t.Errorf("output = %q", got)
	}
}

func TestBashToolStreamsUpdates(t *testing.T) {
	tool := newBashForTest(t)
	var updates []string
	onUpdate := func(partial models.ToolResultMessage) {
		updates = append(updates, textOf(t, partial))
	}

	res, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{"command":"echo hello"}`), onUpdate)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(updates) == 0 {
		t.Fatal("expected at least one update")
	}
	if last := updates[len(updates)-1]; last != textOf(t, res) {
		t.Errorf("last update = %q, final output = %q", last, textOf(t, res))
	}
}

func TestBashToolEmptyCommand(t *testing.T) {
	tool := newBashForTest(t)
	res, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result")
	}
}

func TestBashToolHostWithoutSSH(t *testing.T) {
	tool := newBashForTest(t)
	res, err := tool.Execute(context.Background(), "call-1", json.RawMessage(`{"command":"echo hi","host":"web"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result")
	}
	if !strings.Contains(textOf(t, res), "no ssh hosts") {
		t.Errorf("error text = %q", textOf(t, res))
	}
}

type fakeView struct {
	cwd string
}

func (v *fakeView) SessionID() string            { return "s1" }
func (v *fakeView) SessionFile() string          { return "" }
func (v *fakeView) CWD() string                  { return v.cwd }
func (v *fakeView) Model() models.ModelInfo      { return models.ModelInfo{} }
func (v *fakeView) QueuedUserMessages() []string { return nil }
func (v *fakeView) Abort()                       {}

func TestBashToolUsesSessionCwd(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	tool := newBashForTest(t)
	ctx := WithSessionView(context.Background(), &fakeView{cwd: dir})
	res, err := tool.Execute(ctx, "call-1", json.RawMessage(`{"command":"ls"}`), nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(textOf(t, res), "marker.txt") {
		t.Errorf("output = %q, want marker.txt listed", textOf(t, res))
	}
}
