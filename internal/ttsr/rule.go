// Package ttsr enforces user-authored stream rules against in-progress
// assistant output. Rules are markdown files with a YAML frontmatter
// header; rules marked as triggers watch the live text and tool-call
// argument stream, and a match aborts the turn so the engine can
// restart it with the rule's content injected as a system interrupt.
package ttsr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/strand/internal/observability"
)

const frontmatterDelimiter = "---"

// ErrZeroWidthPattern rejects patterns that match the empty string.
// Such a pattern would fire on every delta and loop the turn forever.
var ErrZeroWidthPattern = errors.New("pattern matches the empty string")

// RepeatMode controls how often a rule may fire in one session.
type RepeatMode string

const (
	// RepeatOnce fires the rule at most once per session.
	RepeatOnce RepeatMode = "once"

	// RepeatAfterGap lets the rule fire again once enough turns have
	// completed since its last firing.
	RepeatAfterGap RepeatMode = "after-gap"
)

// ContextMode controls what happens to the aborted partial assistant
// message when a rule fires.
type ContextMode string

const (
	// ContextKeep leaves the partial message in context, so the model
	// sees its own truncated output.
	ContextKeep ContextMode = "keep"

	// ContextDiscard removes the partial message from context before
	// the restart.
	ContextDiscard ContextMode = "discard"
)

// Rule is one loaded rule file.
type Rule struct {
	Name        string
	Path        string // file the rule came from
	Pattern     *regexp.Regexp
	Content     string // markdown body, injected verbatim on trigger
	TTSRTrigger bool
	RepeatMode  RepeatMode
	RepeatGap   int
	ContextMode ContextMode
}

// key identifies a rule for repeat suppression.
func (r Rule) key() string { return r.Name + "\x00" + r.Path }

type ruleHeader struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	TTSRTrigger bool   `yaml:"ttsrTrigger"`
	RepeatMode  string `yaml:"repeatMode"`
	RepeatGap   int    `yaml:"repeatGap"`
	ContextMode string `yaml:"contextMode"`
}

// ParseRule parses a rule file's content. path is recorded on the rule
// for identity and interrupt messages.
func ParseRule(data []byte, path string) (*Rule, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var header ruleHeader
	if err := yaml.Unmarshal(frontmatter, &header); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if header.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}

	rule := &Rule{
		Name:        header.Name,
		Path:        path,
		Content:     strings.TrimSpace(string(body)),
		TTSRTrigger: header.TTSRTrigger,
		RepeatMode:  RepeatMode(header.RepeatMode),
		RepeatGap:   header.RepeatGap,
		ContextMode: ContextMode(header.ContextMode),
	}
	if rule.RepeatMode == "" {
		rule.RepeatMode = RepeatOnce
	}
	if rule.ContextMode == "" {
		rule.ContextMode = ContextKeep
	}

	switch rule.RepeatMode {
	case RepeatOnce:
	case RepeatAfterGap:
		if rule.RepeatGap <= 0 {
			return nil, fmt.Errorf("repeatGap must be positive for after-gap rules")
		}
	default:
		return nil, fmt.Errorf("unknown repeatMode %q", header.RepeatMode)
	}
	switch rule.ContextMode {
	case ContextKeep, ContextDiscard:
	default:
		return nil, fmt.Errorf("unknown contextMode %q", header.ContextMode)
	}

	if rule.TTSRTrigger {
		if header.Pattern == "" {
			return nil, fmt.Errorf("trigger rules require a pattern")
		}
		re, err := regexp.Compile(header.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern: %w", err)
		}
		if re.MatchString("") {
			return nil, ErrZeroWidthPattern
		}
		rule.Pattern = re
	}
	return rule, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontmatterLines []string
	foundClosing := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			foundClosing = true
			break
		}
		frontmatterLines = append(frontmatterLines, line)
	}
	if !foundClosing {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scanner error: %w", err)
	}

	return []byte(strings.Join(frontmatterLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}

// Loader reads rule files from configured directories.
type Loader struct {
	logger *observability.Logger
}

// NewLoader creates a loader. logger may be nil.
func NewLoader(logger *observability.Logger) *Loader {
	if logger != nil {
		logger = logger.WithFields("component", "ttsr")
	}
	return &Loader{logger: logger}
}

// Load reads every .md file in the given directories. Missing
// directories are skipped; malformed rules are logged and dropped so
// one bad file never disables the rest.
func (l *Loader) Load(ctx context.Context, dirs []string) []Rule {
	var rules []Rule
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil || !info.IsDir() {
			if l.logger != nil {
				l.logger.Warn(ctx, "cannot read rules directory", "dir", dir, "error", err)
			}
			continue
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if l.logger != nil {
				l.logger.Warn(ctx, "cannot list rules directory", "dir", dir, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				if l.logger != nil {
					l.logger.Warn(ctx, "cannot read rule file", "path", path, "error", err)
				}
				continue
			}
			rule, err := ParseRule(data, path)
			if err != nil {
				if l.logger != nil {
					l.logger.Warn(ctx, "skipping invalid rule", "path", path, "error", err)
				}
				continue
			}
			rules = append(rules, *rule)
		}
	}
	return rules
}
