package models

// ThinkingLevel selects how much reasoning effort a model spends before
// answering. Not every model supports every level; clamp before use.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

var thinkingLevels = []ThinkingLevel{
	ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh,
}

// Valid reports whether l is a known level.
func (l ThinkingLevel) Valid() bool {
	for _, known := range thinkingLevels {
		if l == known {
			return true
		}
	}
	return false
}

// TokenBudget maps the level to a reasoning token budget for providers that
// take budgets rather than effort names.
func (l ThinkingLevel) TokenBudget() int {
	switch l {
	case ThinkingMinimal:
		return 1024
	case ThinkingLow:
		return 4096
	case ThinkingMedium:
		return 8192
	case ThinkingHigh:
		return 16384
	case ThinkingXHigh:
		return 32768
	default:
		return 0
	}
}

// ClampThinkingLevel lowers l to what the model supports: off when the model
// cannot reason at all, high when xhigh is requested but unavailable.
func ClampThinkingLevel(l ThinkingLevel, m ModelInfo) ThinkingLevel {
	if !m.Reasoning {
		return ThinkingOff
	}
	if l == ThinkingXHigh && !m.XHigh {
		return ThinkingHigh
	}
	return l
}

// ModelInfo describes one model in the catalog. Prices are USD per million
// tokens.
type ModelInfo struct {
	Provider        string  `json:"provider"`
	ID              string  `json:"id"`
	Name            string  `json:"name,omitempty"`
	ContextWindow   int     `json:"contextWindow"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Reasoning       bool    `json:"reasoning,omitempty"`
	XHigh           bool    `json:"xhigh,omitempty"`
	InputPrice      float64 `json:"inputPrice,omitempty"`
	OutputPrice     float64 `json:"outputPrice,omitempty"`
	CacheReadPrice  float64 `json:"cacheReadPrice,omitempty"`
	CacheWritePrice float64 `json:"cacheWritePrice,omitempty"`
}

// FQN is the provider-qualified model name, e.g. "anthropic/claude-sonnet-4-5".
func (m ModelInfo) FQN() string {
	if m.Provider == "" {
		return m.ID
	}
	return m.Provider + "/" + m.ID
}

// CostOf prices the given usage with this model's rates.
func (m ModelInfo) CostOf(u Usage) float64 {
	const mtok = 1_000_000
	return float64(u.Input)*m.InputPrice/mtok +
		float64(u.Output)*m.OutputPrice/mtok +
		float64(u.CacheRead)*m.CacheReadPrice/mtok +
		float64(u.CacheWrite)*m.CacheWritePrice/mtok
}
