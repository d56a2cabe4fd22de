package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/strand/internal/debounce"
	"github.com/haasonsaas/strand/internal/observability"
)

const defaultWatchDebounce = 250 * time.Millisecond

// WatcherOptions configures the settings watcher.
type WatcherOptions struct {
	// Debounce is the quiet period after the last file event before the
	// resolver reloads. Defaults to 250ms.
	Debounce time.Duration

	Logger *observability.Logger
}

// Watcher reloads a Resolver when its settings files change on disk. It
// watches the containing directories rather than the files themselves, so
// editors that replace files with rename and files created after startup
// are both picked up.
type Watcher struct {
	resolver  *Resolver
	fsw       *fsnotify.Watcher
	debouncer *debounce.Debouncer[fsnotify.Event]
	logger    *observability.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewWatcher starts watching the resolver's settings directories.
func NewWatcher(resolver *Resolver, opts WatcherOptions) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	delay := opts.Debounce
	if delay <= 0 {
		delay = defaultWatchDebounce
	}

	w := &Watcher{
		resolver: resolver,
		fsw:      fsw,
		logger:   opts.Logger,
		done:     make(chan struct{}),
	}
	w.debouncer = debounce.New(
		debounce.WithDelay[fsnotify.Event](delay),
		debounce.WithBuildKey[fsnotify.Event](func(*fsnotify.Event) string { return "settings" }),
		debounce.WithOnFlush[fsnotify.Event](func([]*fsnotify.Event) error {
			return resolver.Reload()
		}),
		debounce.WithOnError[fsnotify.Event](func(err error, _ []*fsnotify.Event) {
			if w.logger != nil {
				w.logger.Warn(context.Background(), "settings reload failed", "error", err)
			}
		}),
	)

	dirs, files := resolver.watchTargets()
	for _, dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			// Missing directories are normal; they may be created later,
			// in which case a restart picks them up.
			if w.logger != nil {
				w.logger.Debug(context.Background(), "cannot watch settings dir", "dir", dir, "error", err)
			}
		}
	}

	go w.loop(files)
	return w, nil
}

func (w *Watcher) loop(files map[string]bool) {
	defer close(w.done)

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&relevant == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			if !files[name] {
				continue
			}
			e := event
			w.debouncer.Enqueue(&e)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn(context.Background(), "settings watch error", "error", err)
			}
		}
	}
}

// Close stops watching. Pending debounced reloads are dropped.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.fsw.Close()
		<-w.done
		w.debouncer.Stop()
	})
	return err
}
