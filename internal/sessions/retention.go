package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/strand/internal/observability"
)

// retentionParser accepts standard 5-field cron expressions plus
// descriptors like @hourly.
var retentionParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RetentionConfig bounds how long finished sessions are kept.
type RetentionConfig struct {
	// MaxAge prunes sessions idle for longer than this. Zero disables
	// age-based pruning.
	MaxAge time.Duration

	// MaxCount keeps at most this many sessions, newest first. Zero
	// disables count-based pruning.
	MaxCount int

	// Schedule is a cron expression for background sweeps. Defaults
	// to @hourly.
	Schedule string
}

// Janitor prunes expired sessions from a backend on a cron schedule.
type Janitor struct {
	backend Backend
	cfg     RetentionConfig
	logger  *observability.Logger
	cron    *cron.Cron
	nowFunc func() time.Time // For testing
}

// NewJanitor creates a janitor. Call Start to begin scheduled sweeps, or
// Sweep directly for a one-off pass.
func NewJanitor(backend Backend, cfg RetentionConfig, logger *observability.Logger) *Janitor {
	if cfg.Schedule == "" {
		cfg.Schedule = "@hourly"
	}
	return &Janitor{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (j *Janitor) SetNowFunc(fn func() time.Time) {
	j.nowFunc = fn
}

// Start schedules background sweeps. No-op when neither limit is set.
func (j *Janitor) Start() error {
	if j.cfg.MaxAge <= 0 && j.cfg.MaxCount <= 0 {
		return nil
	}
	j.cron = cron.New(cron.WithParser(retentionParser))
	_, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		pruned, err := j.Sweep(context.Background())
		if err != nil && j.logger != nil {
			j.logger.Warn(context.Background(), "retention sweep failed", "error", err)
			return
		}
		if pruned > 0 && j.logger != nil {
			j.logger.Info(context.Background(), "retention sweep pruned sessions", "count", pruned)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	j.cron.Start()
	return nil
}

// Stop halts scheduled sweeps and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// Sweep runs one retention pass and returns how many sessions were
// deleted.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	infos, err := j.backend.ListSessions(ctx, ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	now := j.nowFunc()
	pruned := 0
	kept := 0

	// Listings are sorted newest first, so count-based pruning drops
	// from the tail.
	for _, info := range infos {
		expired := j.cfg.MaxAge > 0 && now.Sub(info.UpdatedAt) > j.cfg.MaxAge
		overCount := j.cfg.MaxCount > 0 && kept >= j.cfg.MaxCount
		if !expired && !overCount {
			kept++
			continue
		}
		if err := j.backend.DeleteSession(ctx, info.ID); err != nil {
			return pruned, fmt.Errorf("delete session %s: %w", info.ID, err)
		}
		pruned++
	}
	return pruned, nil
}
