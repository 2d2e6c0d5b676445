// Package janitor runs periodic housekeeping: evicting idle consultation
// sessions and pruning old history.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/rightify/internal/shared"
	"github.com/robfig/cron/v3"
)

const (
	pruneRetries   = 3
	pruneBaseDelay = 100 * time.Millisecond
	pruneTimeout   = 30 * time.Second
)

// Evictor drops in-memory sessions idle for longer than ttl.
type Evictor interface {
	EvictIdle(ttl time.Duration) int
}

// Pruner deletes persisted consultations older than a cutoff.
type Pruner interface {
	DeleteConsultationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the janitor schedule and thresholds.
type Config struct {
	// Schedule is a standard cron spec or descriptor such as "@every 5m".
	Schedule string
	// IdleTTL is how long a session may sit unused before eviction.
	IdleTTL time.Duration
	// Retention is how long consultations are kept. Zero keeps them forever.
	Retention time.Duration
}

// Janitor schedules the housekeeping jobs on a cron.
type Janitor struct {
	cfg     Config
	evictor Evictor
	pruner  Pruner
	logger  *slog.Logger
	cron    *cron.Cron
	now     func() time.Time
}

// New validates the schedule and builds a janitor. pruner may be nil.
func New(cfg Config, evictor Evictor, pruner Pruner, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}

	j := &Janitor{
		cfg:     cfg,
		evictor: evictor,
		pruner:  pruner,
		logger:  logger.With("component", "janitor"),
		now:     time.Now,
	}
	// Overlapping sweeps are skipped rather than queued.
	j.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := j.cron.AddFunc(cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		j.Sweep(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule janitor: %w", err)
	}
	return j, nil
}

// Run starts the scheduler and blocks until ctx is done. It waits for a
// running sweep to finish before returning.
func (j *Janitor) Run(ctx context.Context) error {
	j.cron.Start()
	j.logger.Info("Janitor started", "schedule", j.cfg.Schedule, "idle_ttl", j.cfg.IdleTTL, "retention", j.cfg.Retention)

	<-ctx.Done()
	stopped := j.cron.Stop()
	<-stopped.Done()
	j.logger.Info("Janitor shutting down", "reason", ctx.Err())
	return nil
}

// Sweep runs every job once.
func (j *Janitor) Sweep(ctx context.Context) {
	if j.evictor != nil && j.cfg.IdleTTL > 0 {
		if n := j.evictor.EvictIdle(j.cfg.IdleTTL); n > 0 {
			j.logger.Info("Janitor evicted idle sessions", "count", n)
		}
	}

	if j.pruner == nil || j.cfg.Retention <= 0 {
		return
	}
	cutoff := j.now().Add(-j.cfg.Retention)
	var deleted int64
	err := shared.RetryOnConflict(ctx, pruneRetries, pruneBaseDelay, "prune_history", func() error {
		var err error
		deleted, err = j.pruner.DeleteConsultationsBefore(ctx, cutoff)
		return err
	})
	switch {
	case err != nil:
		j.logger.Warn("Janitor failed to prune history after retries", "error", err, "cutoff", cutoff)
	case deleted > 0:
		j.logger.Info("Janitor pruned history", "count", deleted, "cutoff", cutoff)
	}
}
