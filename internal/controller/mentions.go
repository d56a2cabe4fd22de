package controller

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/pkg/models"
)

// mentionPattern matches @path references in prompt text. Paths end at
// whitespace; a second @ ends the token so email-like strings do not
// read as mentions.
var mentionPattern = regexp.MustCompile(`(?:^|\s)@([^\s@]+)`)

// maxMentionBytes caps how much of a mentioned file enters the context.
const maxMentionBytes = 256 * 1024

// expandMentions loads @path references from a prompt into the session:
// each readable file becomes a FileMention entry in the log and a user
// message in the model context, ahead of the prompt itself. Files
// already mentioned on the active branch are not loaded again.
func (c *Controller) expandMentions(ctx context.Context, text string) {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return
	}
	sess := c.Session()

	seen := make(map[string]bool)
	for _, e := range sess.GetBranch() {
		if fm, ok := e.(*models.FileMentionEntry); ok {
			seen[fm.Path] = true
		}
	}

	cwd := c.cwd()
	for _, m := range matches {
		path := m[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		if seen[path] {
			continue
		}
		seen[path] = true

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			c.logWarn(ctx, "mentioned file not readable", "path", path, "error", err)
			continue
		}
		if len(data) > maxMentionBytes {
			data = data[:maxMentionBytes]
		}

		entry := &models.FileMentionEntry{Path: path, Content: string(data)}
		c.appendEntry(entry)
		if msg, ok := sessions.EntryMessage(entry); ok {
			c.engine.AppendMessage(msg)
		}
	}
}
