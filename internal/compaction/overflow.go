package compaction

import (
	"regexp"

	"github.com/haasonsaas/strand/pkg/models"
)

// overflowPatterns match the error text providers return when a request
// exceeds the model's context window.
var overflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)prompt is too long`),                   // Anthropic
	regexp.MustCompile(`(?i)request too large`),                    // Anthropic HTTP 413
	regexp.MustCompile(`(?i)exceed.*context window`),               // OpenAI
	regexp.MustCompile(`(?i)maximum context length is \d+ tokens`), // OpenAI-compatible gateways
	regexp.MustCompile(`(?i)reduce the length of the messages`),    // OpenAI-compatible gateways
	regexp.MustCompile(`(?i)context[_ ]length[_ ]exceeded`),        // generic
	regexp.MustCompile(`(?i)too many tokens`),                      // generic
	regexp.MustCompile(`(?i)token limit exceeded`),                 // generic
}

// IsOverflow reports whether msg represents a context-window overflow.
//
// Failed messages are matched against known provider error texts. A
// successful message can also overflow silently when the provider accepts
// an over-long request anyway; pass contextWindow > 0 to catch that case,
// or 0 to skip it.
func IsOverflow(msg models.AssistantMessage, contextWindow int) bool {
	if msg.StopReason == models.StopError && msg.ErrorMessage != "" {
		for _, re := range overflowPatterns {
			if re.MatchString(msg.ErrorMessage) {
				return true
			}
		}
	}
	if contextWindow > 0 && (msg.StopReason == models.StopEndTurn || msg.StopReason == models.StopToolUse) {
		if msg.Usage.Input+msg.Usage.CacheRead > contextWindow {
			return true
		}
	}
	return false
}
