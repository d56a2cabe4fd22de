package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/shell"
	"github.com/haasonsaas/strand/pkg/models"
)

// BashParams are the arguments the model passes to the bash tool.
type BashParams struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Seconds before the command is killed"`
	Host    string `json:"host,omitempty" jsonschema:"description=Name of a configured SSH host to run the command on instead of the local machine"`
}

// BashDetails is the structured half of a bash result, for UIs and
// extensions. The model only sees the text content.
type BashDetails struct {
	ExitCode       int    `json:"exitCode"`
	Cancelled      bool   `json:"cancelled,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	FullOutputPath string `json:"fullOutputPath,omitempty"`
	Host           string `json:"host,omitempty"`
}

// BashTool runs shell commands through the execution pipeline, locally
// or on a configured SSH host. Output streams into tool_call_update
// events as it arrives.
type BashTool struct {
	runner *shell.Runner
	ssh    *shell.SSHManager // nil when no hosts are configured

	schemaOnce sync.Once
	schemaJSON json.RawMessage
}

// NewBashTool creates the builtin bash tool. ssh may be nil.
func NewBashTool(runner *shell.Runner, ssh *shell.SSHManager) *BashTool {
	return &BashTool{runner: runner, ssh: ssh}
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "Runs a shell command and returns its merged stdout and stderr. " +
		"Long output is truncated to a tail; the full output is saved to a file whose path is reported. " +
		"Set host to run the command on a configured SSH host."
}

func (t *BashTool) Schema() json.RawMessage {
	t.schemaOnce.Do(func() {
		t.schemaJSON = MustReflectSchema(&BashParams{})
	})
	return t.schemaJSON
}

func (t *BashTool) Execute(ctx context.Context, callID string, params json.RawMessage, onUpdate UpdateFunc) (models.ToolResultMessage, error) {
	var p BashParams
	if err := json.Unmarshal(params, &p); err != nil {
		return models.ErrorToolResult(callID, t.Name(), "invalid parameters: "+err.Error()), nil
	}
	if p.Command == "" {
		return models.ErrorToolResult(callID, t.Name(), "command is required"), nil
	}

	cmd := shell.Command{
		Command: p.Command,
		Timeout: time.Duration(p.Timeout) * time.Second,
	}
	if view := ViewFromContext(ctx); view != nil {
		cmd.Cwd = view.CWD()
	}

	var streamed []byte
	if onUpdate != nil {
		cmd.OnData = func(chunk []byte) {
			streamed = append(streamed, chunk...)
			onUpdate(models.ToolResultMessage{
				ToolCallID: callID,
				ToolName:   t.Name(),
				Content:    models.TextBlocks(string(streamed)),
			})
		}
	}

	var (
		res shell.Result
		err error
	)
	if p.Host != "" {
		if t.ssh == nil {
			return models.ErrorToolResult(callID, t.Name(), "no ssh hosts configured"), nil
		}
		res, err = t.ssh.Exec(ctx, callID, p.Host, cmd)
	} else {
		res, err = t.runner.Run(ctx, callID, cmd)
	}
	if err != nil {
		return models.ErrorToolResult(callID, t.Name(), err.Error()), nil
	}

	text := res.Output
	if res.Truncated && res.FullOutputPath != "" {
		text += fmt.Sprintf("\n[output truncated; full output: %s]", res.FullOutputPath)
	}
	if res.ExitCode != 0 && !res.Cancelled {
		text += fmt.Sprintf("\n[exit status %d]", res.ExitCode)
	}
	if text == "" {
		text = "(no output)"
	}

	details, _ := json.Marshal(BashDetails{
		ExitCode:       res.ExitCode,
		Cancelled:      res.Cancelled,
		Truncated:      res.Truncated,
		FullOutputPath: res.FullOutputPath,
		Host:           p.Host,
	})
	return models.ToolResultMessage{
		ToolCallID: callID,
		ToolName:   t.Name(),
		Content:    models.TextBlocks(text),
		Details:    details,
		IsError:    res.ExitCode != 0 || res.Cancelled,
	}, nil
}
