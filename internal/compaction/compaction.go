// Package compaction shrinks long conversations back under the model's
// context window. It decides when a branch needs compacting, picks the
// cut point between history to fold away and history to keep, estimates
// token footprints, and generates the structured summary that replaces
// the folded prefix.
package compaction

import (
	"errors"

	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	// DefaultReserveTokens is the free-token buffer kept under the context
	// window. Compaction triggers once context grows past window - reserve.
	DefaultReserveTokens = 16384

	// DefaultKeepRecentTokens is roughly how much recent conversation a
	// compaction leaves uncut.
	DefaultKeepRecentTokens = 20000

	// minCutMessages is the smallest model-visible conversation worth
	// cutting: two full exchanges.
	minCutMessages = 4
)

// Config carries the session's compaction settings. Zero token budgets
// fall back to the defaults.
type Config struct {
	Enabled          bool
	ReserveTokens    int
	KeepRecentTokens int
}

// DefaultConfig returns compaction enabled with the stock budgets.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		ReserveTokens:    DefaultReserveTokens,
		KeepRecentTokens: DefaultKeepRecentTokens,
	}
}

func (c Config) reserve() int {
	if c.ReserveTokens > 0 {
		return c.ReserveTokens
	}
	return DefaultReserveTokens
}

func (c Config) keepRecent() int {
	if c.KeepRecentTokens > 0 {
		return c.KeepRecentTokens
	}
	return DefaultKeepRecentTokens
}

// ShouldCompact reports whether the context has grown past the trigger
// point. The comparison is strict: a context sitting exactly at
// window - reserve does not compact.
func ShouldCompact(contextTokens, contextWindow int, cfg Config) bool {
	if !cfg.Enabled || contextWindow <= 0 {
		return false
	}
	return contextTokens > contextWindow-cfg.reserve()
}

// ErrAlreadyCompacted means the branch tail is a compaction entry, so
// there is no new history to fold in.
var ErrAlreadyCompacted = errors.New("history is already compacted")

// Plan is a prepared compaction: which entries fold into the summary and
// which stay verbatim.
type Plan struct {
	// SummarizeEntries fold into the summary, oldest first.
	SummarizeEntries []models.Entry

	// KeepEntries survive the compaction unchanged. The first one is
	// always a user message.
	KeepEntries []models.Entry

	// FirstKeptEntryID is the id of KeepEntries[0], recorded on the
	// compaction entry so context builds know where replay resumes.
	FirstKeptEntryID string

	// TokensBefore is the estimated context size going into the
	// compaction.
	TokensBefore int

	// PreviousSummary carries the summary of an earlier compaction on
	// the branch. The new summary extends it instead of dropping it.
	PreviousSummary string
}

// Prepare picks the cut point for compacting branch, targeting roughly
// KeepRecentTokens of surviving conversation. The cut always lands on a
// user message, which keeps every assistant message next to its tool
// results.
//
// Returns (nil, nil) when the conversation is too short or no valid cut
// exists, and ErrAlreadyCompacted when the branch tail is already a
// compaction entry.
func Prepare(branch []models.Entry, cfg Config) (*Plan, error) {
	if len(branch) == 0 {
		return nil, nil
	}
	if _, ok := branch[len(branch)-1].(*models.CompactionEntry); ok {
		return nil, ErrAlreadyCompacted
	}

	window, prevSummary := effectiveWindow(branch)

	visible := 0
	for _, e := range window {
		if _, ok := sessions.EntryMessage(e); ok {
			visible++
		}
	}
	if visible < minCutMessages {
		return nil, nil
	}

	cut := findCut(window, cfg.keepRecent())
	if cut <= 0 {
		return nil, nil
	}

	return &Plan{
		SummarizeEntries: window[:cut],
		KeepEntries:      window[cut:],
		FirstKeptEntryID: window[cut].EntryID(),
		TokensBefore:     ContextTokens(window),
		PreviousSummary:  prevSummary,
	}, nil
}

// effectiveWindow returns the entries the model currently sees, everything
// from the last applicable compaction's first kept entry onward, plus that
// compaction's summary. The applicability rule matches
// sessions.BuildContext: a compaction only counts when its first kept
// entry sits at or before it on the branch.
func effectiveWindow(branch []models.Entry) ([]models.Entry, string) {
	index := make(map[string]int, len(branch))
	for i, e := range branch {
		index[e.EntryID()] = i
	}
	start := 0
	summary := ""
	for i, e := range branch {
		c, ok := e.(*models.CompactionEntry)
		if !ok {
			continue
		}
		j, ok := index[c.FirstKeptEntryID]
		if !ok || j > i {
			continue
		}
		start = j
		summary = c.Summary
	}
	return branch[start:], summary
}

// findCut walks backward accumulating token estimates until the keep
// budget is covered, then forward to the next user message. Returns -1
// when no cut leaves both a summarized prefix and a kept tail.
func findCut(entries []models.Entry, keepRecent int) int {
	accumulated := 0
	for i := len(entries) - 1; i >= 0; i-- {
		accumulated += EstimateEntryTokens(entries[i])
		if accumulated < keepRecent {
			continue
		}
		for j := i; j < len(entries); j++ {
			if _, ok := entries[j].(*models.UserMessageEntry); ok {
				if j > 0 {
					return j
				}
				return -1
			}
		}
		return -1
	}
	return -1
}
