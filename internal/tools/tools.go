// Package tools defines the tool contract the turn engine dispatches
// against and the registry that holds, validates and gates the tools a
// session exposes to the model. Tool failures are conversation data,
// not Go errors: they come back as results with IsError set so the
// model can read them and adjust.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/strand/pkg/models"
)

// UpdateFunc streams a partial result out of a running tool. The engine
// forwards each call as a tool_call_update event so UIs can render
// progress while the tool is still working.
type UpdateFunc func(partial models.ToolResultMessage)

// Tool is one callable capability advertised to the model.
type Tool interface {
	// Name returns the tool name used in LLM function calling.
	// Must be a valid function name (alphanumeric, underscores).
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters. An
	// empty schema skips parameter validation.
	Schema() json.RawMessage

	// Execute runs the tool. The params were validated against Schema
	// before dispatch. onUpdate may be nil; tools must check before
	// streaming progress through it.
	Execute(ctx context.Context, callID string, params json.RawMessage, onUpdate UpdateFunc) (models.ToolResultMessage, error)
}
