package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/signbridge/internal/config"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"
)

const (
	sessionSweepSchedule = "@every 1m"
	storePruneSchedule   = "@every 1h"
)

// Pruner trims persisted records past their retention window.
type Pruner interface {
	Prune(ctx context.Context) error
}

// SessionSweeper drops streaming sessions that went quiet.
type SessionSweeper interface {
	Sweep(now time.Time) int
}

// Janitor runs the periodic housekeeping jobs: the upload TTL sweep, idle
// keypoint session eviction and store pruning.
type Janitor struct {
	cron     *cron.Cron
	dir      string
	policy   string
	ttl      time.Duration
	schedule string
	sessions SessionSweeper
	store    Pruner
	logger   *slog.Logger
	now      func() time.Time
	group    singleflight.Group
}

func New(cfg config.Config, dir string, sessions SessionSweeper, store Pruner, logger *slog.Logger) *Janitor {
	return &Janitor{
		cron:     cron.New(),
		dir:      dir,
		policy:   cfg.Retention.Policy,
		ttl:      time.Duration(cfg.Retention.TTLMinutes) * time.Minute,
		schedule: cfg.Retention.SweepCron,
		sessions: sessions,
		store:    store,
		logger:   logger.With(slog.String("component", "retention")),
		now:      time.Now,
	}
}

// Start registers the jobs and starts the scheduler. Jobs run with ctx until
// Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	if j.policy == config.RetentionTTL {
		if _, err := j.cron.AddFunc(j.schedule, func() { j.runOnce("uploads", func() { j.SweepUploads() }) }); err != nil {
			return fmt.Errorf("schedule upload sweep %q: %w", j.schedule, err)
		}
	}
	if j.sessions != nil {
		if _, err := j.cron.AddFunc(sessionSweepSchedule, func() {
			if n := j.sessions.Sweep(j.now()); n > 0 {
				j.logger.Debug("evicted idle sessions", slog.Int("count", n))
			}
		}); err != nil {
			return fmt.Errorf("schedule session sweep: %w", err)
		}
	}
	if j.store != nil {
		if _, err := j.cron.AddFunc(storePruneSchedule, func() {
			j.runOnce("store", func() {
				if err := j.store.Prune(ctx); err != nil {
					j.logger.Warn("prune store", slog.String("error", err.Error()))
				}
			})
		}); err != nil {
			return fmt.Errorf("schedule store prune: %w", err)
		}
	}
	j.cron.Start()
	j.logger.Info("retention scheduler started",
		slog.String("policy", j.policy),
		slog.Int("jobs", len(j.cron.Entries())))
	return nil
}

// Stop halts the scheduler and waits for running jobs up to ctx's deadline.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		j.logger.Warn("retention jobs still running at shutdown")
	}
}

func (j *Janitor) runOnce(key string, fn func()) {
	_, _, _ = j.group.Do(key, func() (any, error) {
		fn()
		return nil, nil
	})
}

// SweepUploads removes staged files older than the TTL and returns how many were
// deleted. Directories and files in flight (mtime inside the window) are left alone.
func (j *Janitor) SweepUploads() int {
	if j.ttl <= 0 {
		return 0
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.logger.Warn("read upload dir", slog.String("dir", j.dir), slog.String("error", err.Error()))
		}
		return 0
	}
	cutoff := j.now().Add(-j.ttl)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("remove expired upload", slog.String("filename", entry.Name()), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("swept expired uploads", slog.Int("count", removed))
	}
	return removed
}
