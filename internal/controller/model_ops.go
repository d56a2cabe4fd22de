package controller

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/strand/internal/settings"
	"github.com/haasonsaas/strand/internal/tools"
	"github.com/haasonsaas/strand/pkg/models"
)

// Models returns the union of the configured drivers' catalogs, ordered
// by provider then ID.
func (c *Controller) Models() []models.ModelInfo {
	var out []models.ModelInfo
	for _, p := range c.providers {
		out = append(out, p.Models()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Model returns the model the next turn will use.
func (c *Controller) Model() models.ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel switches to the model named by ref ("provider/id", or a bare
// ID looked up across drivers) and persists the choice to settings. Any
// temporary model set earlier is superseded.
func (c *Controller) SetModel(ctx context.Context, ref string) error {
	m, err := c.findModel(ref)
	if err != nil {
		return err
	}
	if err := c.applyModel(ctx, m, true); err != nil {
		return err
	}
	c.mu.Lock()
	c.savedModel = models.ModelInfo{}
	c.mu.Unlock()
	if err := c.settings.Set("model", m.FQN()); err != nil {
		c.logWarn(ctx, "model choice not persisted", "model", m.FQN(), "error", err)
	}
	return nil
}

// SetModelTemporary switches models for this session only. Settings are
// untouched; the previously persistent model is remembered so callers
// can show what the session will revert to.
func (c *Controller) SetModelTemporary(ctx context.Context, ref string) error {
	m, err := c.findModel(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.savedModel == (models.ModelInfo{}) {
		c.savedModel = c.model
	}
	c.mu.Unlock()
	return c.applyModel(ctx, m, false)
}

// SavedModel returns the persistent model shadowed by a temporary
// switch, or the zero value when none is active.
func (c *Controller) SavedModel() models.ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savedModel
}

// CycleModel steps through the catalog from the current model. dir is
// +1 for forward, -1 for backward; the list wraps.
func (c *Controller) CycleModel(ctx context.Context, dir int) error {
	all := c.Models()
	if len(all) == 0 {
		return fmt.Errorf("no models available")
	}
	if dir >= 0 {
		dir = 1
	} else {
		dir = -1
	}
	cur := c.Model()
	idx := 0
	for i, m := range all {
		if m.Provider == cur.Provider && m.ID == cur.ID {
			idx = i
			break
		}
	}
	next := all[((idx+dir)%len(all)+len(all))%len(all)]
	return c.SetModel(ctx, next.FQN())
}

// CycleRoleModels rotates through an ordered list of model refs,
// switching to the entry after the current model (or the first entry
// when the current model is not in the list). With temporary set the
// switch does not persist to settings.
func (c *Controller) CycleRoleModels(ctx context.Context, order []string, temporary bool) error {
	if len(order) == 0 {
		return fmt.Errorf("empty model order")
	}
	cur := c.Model().FQN()
	next := order[0]
	for i, ref := range order {
		if ref == cur {
			next = order[(i+1)%len(order)]
			break
		}
	}
	if temporary {
		return c.SetModelTemporary(ctx, next)
	}
	return c.SetModel(ctx, next)
}

// SetRoleModel pins a model for an internal role such as "summarizer".
// An empty ref clears the pin and the role falls back to the session
// model.
func (c *Controller) SetRoleModel(role, ref string) error {
	if ref == "" {
		c.mu.Lock()
		delete(c.roleModels, role)
		c.mu.Unlock()
		return nil
	}
	m, err := c.findModel(ref)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.roleModels[role] = m
	c.mu.Unlock()
	return nil
}

// SetThinkingLevel sets the reasoning effort for future turns, clamped
// to what the current model supports.
func (c *Controller) SetThinkingLevel(ctx context.Context, level models.ThinkingLevel) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	if !level.Valid() {
		return fmt.Errorf("unknown thinking level %q", level)
	}
	clamped := models.ClampThinkingLevel(level, c.Model())
	if clamped == c.engine.ThinkingLevel() {
		return nil
	}
	c.engine.SetThinkingLevel(clamped)
	if _, err := c.Session().Append(&models.ThinkingLevelChangeEntry{Level: clamped}); err != nil {
		return err
	}
	return nil
}

// CycleThinkingLevel advances to the next level the current model
// supports, wrapping from the top back to off.
func (c *Controller) CycleThinkingLevel(ctx context.Context) error {
	m := c.Model()
	levels := []models.ThinkingLevel{models.ThinkingOff}
	if m.Reasoning {
		levels = append(levels,
			models.ThinkingMinimal, models.ThinkingLow,
			models.ThinkingMedium, models.ThinkingHigh)
		if m.XHigh {
			levels = append(levels, models.ThinkingXHigh)
		}
	}
	cur := c.engine.ThinkingLevel()
	next := levels[0]
	for i, l := range levels {
		if l == cur {
			next = levels[(i+1)%len(levels)]
			break
		}
	}
	return c.SetThinkingLevel(ctx, next)
}

// ThinkingLevel returns the effort the next turn will use.
func (c *Controller) ThinkingLevel() models.ThinkingLevel {
	return c.engine.ThinkingLevel()
}

// applyModel points the engine at m, reclamps the thinking level, and,
// for permanent switches, records the change in the log. Temporary
// switches leave the log alone so branch replay reflects the model
// future turns will actually use. Takes effect on the next turn.
func (c *Controller) applyModel(ctx context.Context, m models.ModelInfo, record bool) error {
	if err := c.checkUsable(); err != nil {
		return err
	}
	p := c.provider(m.Provider)
	if p == nil {
		return fmt.Errorf("no driver for provider %q", m.Provider)
	}
	c.engine.SetProvider(p)
	c.engine.SetModel(m)
	c.engine.SetThinkingLevel(models.ClampThinkingLevel(c.engine.ThinkingLevel(), m))

	c.mu.Lock()
	c.model = m
	c.mu.Unlock()

	if record {
		if _, err := c.Session().Append(&models.ModelChangeEntry{Provider: m.Provider, ModelID: m.ID}); err != nil {
			return err
		}
	}
	return nil
}

// findModel resolves "provider/id" or a bare model ID against the
// driver catalogs. Bare IDs must be unambiguous.
func (c *Controller) findModel(ref string) (models.ModelInfo, error) {
	provider, id, qualified := strings.Cut(ref, "/")
	if qualified {
		p := c.provider(provider)
		if p == nil {
			return models.ModelInfo{}, fmt.Errorf("no driver for provider %q", provider)
		}
		for _, m := range p.Models() {
			if m.ID == id {
				return m, nil
			}
		}
		return models.ModelInfo{}, fmt.Errorf("%w: %q", ErrUnknownModel, ref)
	}
	var found []models.ModelInfo
	for _, m := range c.Models() {
		if m.ID == ref {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return models.ModelInfo{}, fmt.Errorf("%w: %q", ErrUnknownModel, ref)
	default:
		return models.ModelInfo{}, fmt.Errorf("model %q is ambiguous, qualify with provider/", ref)
	}
}

// defaultModel resolves the startup model from settings, falling back
// to the first model of the first configured driver.
func (c *Controller) defaultModel(cfg settings.Settings) (models.ModelInfo, error) {
	if cfg.Model != "" {
		ref := cfg.Model
		if !strings.Contains(ref, "/") && cfg.Provider != "" {
			ref = cfg.Provider + "/" + ref
		}
		return c.findModel(ref)
	}
	all := c.Models()
	if cfg.Provider != "" {
		for _, m := range all {
			if m.Provider == cfg.Provider {
				return m, nil
			}
		}
		return models.ModelInfo{}, fmt.Errorf("no models for provider %q", cfg.Provider)
	}
	if len(all) == 0 {
		return models.ModelInfo{}, fmt.Errorf("no models available")
	}
	return all[0], nil
}

// buildSystemPrompt assembles the base prompt from the environment and
// the active tool set. Rebuilt whenever the tool set changes.
func buildSystemPrompt(cwd string, active []tools.Tool) string {
	var sb strings.Builder
	sb.WriteString("You are a coding agent operating in a terminal session.\n")
	if cwd != "" {
		fmt.Fprintf(&sb, "Working directory: %s\n", cwd)
	}
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if len(active) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, t := range active {
			desc := t.Description()
			if i := strings.IndexByte(desc, '\n'); i >= 0 {
				desc = desc[:i]
			}
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name(), desc)
		}
	}
	return sb.String()
}
