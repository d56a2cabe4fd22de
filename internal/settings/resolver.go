package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
)

// settingsFileNames are probed in order inside each .strand directory;
// the first existing file wins.
var settingsFileNames = []string{
	"settings.yaml",
	"settings.yml",
	"settings.json5",
	"settings.json",
}

// ResolverOptions configures path discovery.
type ResolverOptions struct {
	// GlobalPath overrides the global settings file. Empty discovers
	// ~/.strand/settings.{yaml,yml,json5,json}.
	GlobalPath string

	// ProjectPath overrides the project settings file. Empty discovers
	// <cwd>/.strand/settings.{yaml,yml,json5,json}.
	ProjectPath string

	// CWD is the project discovery base. Empty uses the process working
	// directory.
	CWD string
}

type override struct {
	key   string
	value any
}

// Resolver produces Settings snapshots from the merge chain built-in
// defaults <- global file <- project file <- runtime overrides. Files may
// be absent; they join the chain when they appear. Subscribers are
// notified whenever a reload or override changes the resolved snapshot.
type Resolver struct {
	mu                sync.Mutex
	globalCandidates  []string
	projectCandidates []string
	overrides         []override
	current           Settings
	subs              map[int]func(Settings)
	nextSub           int
}

// NewResolver discovers settings paths and performs the initial resolve.
func NewResolver(opts ResolverOptions) (*Resolver, error) {
	r := &Resolver{subs: make(map[int]func(Settings))}

	if opts.GlobalPath != "" {
		r.globalCandidates = []string{absPath(opts.GlobalPath)}
	} else if home, err := os.UserHomeDir(); err == nil {
		r.globalCandidates = candidatePaths(filepath.Join(home, ".strand"))
	}

	if opts.ProjectPath != "" {
		r.projectCandidates = []string{absPath(opts.ProjectPath)}
	} else {
		cwd := opts.CWD
		if cwd == "" {
			if wd, err := os.Getwd(); err == nil {
				cwd = wd
			}
		}
		if cwd != "" {
			r.projectCandidates = candidatePaths(filepath.Join(cwd, ".strand"))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	resolved, err := r.resolveLocked()
	if err != nil {
		return nil, err
	}
	r.current = resolved
	return r, nil
}

func candidatePaths(dir string) []string {
	paths := make([]string, 0, len(settingsFileNames))
	for _, name := range settingsFileNames {
		paths = append(paths, absPath(filepath.Join(dir, name)))
	}
	return paths
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func firstExisting(paths []string) string {
	for _, path := range paths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// Get returns the current snapshot. Treat it as read-only.
func (r *Resolver) Get() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SourceFiles returns the settings files currently contributing to the
// chain, global first.
func (r *Resolver) SourceFiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var files []string
	if p := firstExisting(r.globalCandidates); p != "" {
		files = append(files, p)
	}
	if p := firstExisting(r.projectCandidates); p != "" {
		files = append(files, p)
	}
	return files
}

// Set applies a runtime override at a dot-separated path, e.g.
// Set("compaction.reserve_tokens", 8192). The override is rejected, and
// not retained, if the resulting settings fail to decode or validate.
func (r *Resolver) Set(key string, value any) error {
	r.mu.Lock()
	saved := r.overrides
	replaced := false
	next := make([]override, len(saved))
	copy(next, saved)
	for i := range next {
		if next[i].key == key {
			next[i].value = value
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, override{key: key, value: value})
	}
	r.overrides = next

	resolved, err := r.resolveLocked()
	if err != nil {
		r.overrides = saved
		r.mu.Unlock()
		return fmt.Errorf("set %s: %w", key, err)
	}
	changed, subs := r.commitLocked(resolved)
	r.mu.Unlock()

	if changed {
		notify(subs, resolved)
	}
	return nil
}

// Unset removes a runtime override.
func (r *Resolver) Unset(key string) error {
	r.mu.Lock()
	kept := r.overrides[:0:0]
	for _, o := range r.overrides {
		if o.key != key {
			kept = append(kept, o)
		}
	}
	r.overrides = kept

	resolved, err := r.resolveLocked()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("unset %s: %w", key, err)
	}
	changed, subs := r.commitLocked(resolved)
	r.mu.Unlock()

	if changed {
		notify(subs, resolved)
	}
	return nil
}

// Reload re-reads the settings files and notifies subscribers when the
// snapshot changed. The settings watcher calls this on file events.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	resolved, err := r.resolveLocked()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	changed, subs := r.commitLocked(resolved)
	r.mu.Unlock()

	if changed {
		notify(subs, resolved)
	}
	return nil
}

// Subscribe registers a change listener and returns its remove function.
// The listener is called with each new snapshot, outside the resolver
// lock.
func (r *Resolver) Subscribe(fn func(Settings)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}

func (r *Resolver) resolveLocked() (Settings, error) {
	raw, err := rawFromSettings(Default())
	if err != nil {
		return Settings{}, err
	}
	for _, path := range []string{firstExisting(r.globalCandidates), firstExisting(r.projectCandidates)} {
		if path == "" {
			continue
		}
		layer, err := loadRaw(path)
		if err != nil {
			return Settings{}, fmt.Errorf("load %s: %w", path, err)
		}
		raw = mergeMaps(raw, layer)
	}
	for _, o := range r.overrides {
		setPath(raw, o.key, o.value)
	}

	s, err := decodeStrict(raw)
	if err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (r *Resolver) commitLocked(resolved Settings) (bool, []func(Settings)) {
	if reflect.DeepEqual(r.current, resolved) {
		return false, nil
	}
	r.current = resolved
	subs := make([]func(Settings), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	return true, subs
}

func notify(subs []func(Settings), s Settings) {
	for _, fn := range subs {
		fn(s)
	}
}

// watchTargets returns the directories the file watcher should observe
// and the set of file paths whose events matter.
func (r *Resolver) watchTargets() (dirs []string, files map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files = make(map[string]bool)
	dirSet := make(map[string]bool)
	for _, path := range append(append([]string{}, r.globalCandidates...), r.projectCandidates...) {
		files[path] = true
		dirSet[filepath.Dir(path)] = true
	}
	for dir := range dirSet {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, files
}
