package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/strand/pkg/models"
)

// ErrUnknownTool means a name passed to SetActive matched no
// registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema // nil when the tool declares no schema
}

// Registry holds the tools a session can call. Registration compiles
// each tool's parameter schema once; Execute validates arguments
// against it before dispatch. The active subset controls what is
// advertised to the model and is changed atomically by SetActive.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]registeredTool
	active []string
	hooks  []func(active []Tool)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool and activates it. Registering a name twice
// replaces the earlier tool. Schema compilation failures and oversized
// names are configuration errors and fail registration.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}

	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		var err error
		compiled, err = compileSchema(name, raw)
		if err != nil {
			return fmt.Errorf("compile schema for tool %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.tools[name]
	r.tools[name] = registeredTool{tool: tool, schema: compiled}
	if !existed {
		r.active = append(r.active, name)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// SetActive replaces the active tool set. Every name must be
// registered; an unknown name is a configuration error and leaves the
// active set unchanged. Duplicates collapse to the first occurrence.
// OnActiveChange hooks fire with the new set after it is applied.
func (r *Registry) SetActive(names []string) error {
	r.mu.Lock()
	deduped := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if _, ok := r.tools[name]; !ok {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrUnknownTool, name)
		}
		if !seen[name] {
			seen[name] = true
			deduped = append(deduped, name)
		}
	}
	r.active = deduped
	active := r.activeLocked()
	hooks := make([]func([]Tool), len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(active)
	}
	return nil
}

// OnActiveChange registers a hook invoked after every SetActive. The
// engine uses it to rebuild the system prompt.
func (r *Registry) OnActiveChange(fn func(active []Tool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Active returns the active tools in activation order. This is the set
// advertised to the model.
func (r *Registry) Active() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Registry) activeLocked() []Tool {
	out := make([]Tool, 0, len(r.active))
	for _, name := range r.active {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// ActiveNames returns the active tool names in activation order.
func (r *Registry) ActiveNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.active...)
}

// All returns every registered tool sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Execute validates params and dispatches the named tool. Lookup
// failures, cap violations and invalid parameters come back as error
// results, not Go errors, so the model can see and correct them. A Go
// error returned by the tool itself is converted the same way.
func (r *Registry) Execute(ctx context.Context, callID, name string, params json.RawMessage, onUpdate UpdateFunc) models.ToolResultMessage {
	if len(name) > MaxToolNameLength {
		return models.ErrorToolResult(callID, name, fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength))
	}
	if len(params) > MaxToolParamsSize {
		return models.ErrorToolResult(callID, name, fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize))
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	isActive := false
	for _, activeName := range r.active {
		if activeName == name {
			isActive = true
			break
		}
	}
	r.mu.RUnlock()
	if !ok || !isActive {
		return models.ErrorToolResult(callID, name, "tool not found: "+name)
	}

	if rt.schema != nil {
		if err := validateParams(rt.schema, params); err != nil {
			return models.ErrorToolResult(callID, name, "invalid parameters: "+err.Error())
		}
	}

	result, err := rt.tool.Execute(ctx, callID, params, onUpdate)
	if err != nil {
		return models.ErrorToolResult(callID, name, err.Error())
	}
	if result.ToolCallID == "" {
		result.ToolCallID = callID
	}
	if result.ToolName == "" {
		result.ToolName = name
	}
	return result
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}
