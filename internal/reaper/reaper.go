// Package reaper periodically sweeps runs that no event will ever touch again:
// abandoned pending runs, completed runs whose delivery stalled, and expired
// tombstones.
package reaper

import (
	"context"
	"errors"
	"expvar"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/dandantas/gatekeeper/internal/coordinator"
	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// LockName is the lease that elects the sweeping instance
const LockName = "reaper"

var sweepCounts = expvar.NewMap("gatekeeper_reaper")

// Sweeper is the part of the coordinator the reaper drives
type Sweeper interface {
	Expire(ctx context.Context, runID string) (coordinator.Result, error)
	Redrive(ctx context.Context, runID string) (coordinator.Result, error)
}

// Config tunes the sweep
type Config struct {
	Schedule    string        // cron spec, e.g. "@every 1m"
	LockTTL     time.Duration // lease held for one sweep
	RunTimeout  time.Duration // pending runs older than this are abandoned
	BatchSize   int           // max runs listed per category per tick
	Concurrency int           // parallel Expire/Redrive calls
}

func (c *Config) setDefaults() {
	if c.Schedule == "" {
		c.Schedule = "@every 1m"
	}
	if c.LockTTL == 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.RunTimeout == 0 {
		c.RunTimeout = 10 * time.Minute
	}
	if c.BatchSize == 0 {
		c.BatchSize = 500
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
}

// Stats summarizes one tick
type Stats struct {
	Skipped  bool  `json:"skipped"`
	Expired  int   `json:"expired"`
	Redriven int   `json:"redriven"`
	Emitted  int   `json:"emitted"`
	Purged   int64 `json:"purged"`
	Errors   int   `json:"errors"`
}

// Reaper runs the sweep on a cron schedule, one instance at a time
type Reaper struct {
	runs    store.RunStore
	locks   store.Locker
	sweeper Sweeper
	cfg     Config
	podID   string
	now     func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
	wg   sync.WaitGroup
}

// New creates a reaper
func New(runs store.RunStore, locks store.Locker, sweeper Sweeper, cfg Config) *Reaper {
	cfg.setDefaults()

	// Get pod identifier (hostname in Kubernetes)
	podID, err := os.Hostname()
	if err != nil || podID == "" {
		podID = uuid.New().String() // Fallback to UUID
		slog.Warn("Failed to get hostname, using UUID as pod ID", "pod_id", podID)
	}

	return &Reaper{
		runs:    runs,
		locks:   locks,
		sweeper: sweeper,
		cfg:     cfg,
		podID:   podID,
		now:     time.Now,
	}
}

// Start schedules the sweep and runs one immediately
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.Tick(ctx) }); err != nil {
		return err
	}

	slog.Info("Starting reaper",
		"pod_id", r.podID,
		"schedule", r.cfg.Schedule,
		"lock_ttl", r.cfg.LockTTL,
		"run_timeout", r.cfg.RunTimeout,
	)

	r.cron = c
	c.Start()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Tick(ctx)
	}()
	return nil
}

// Stop waits for a running sweep to finish, bounded by ctx
func (r *Reaper) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}

	slog.Info("Stopping reaper", "pod_id", r.podID)

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Reaper stopped", "pod_id", r.podID)
	case <-ctx.Done():
		slog.Warn("Timeout waiting for reaper sweep to complete")
	}

	if err := r.locks.ReleaseLock(context.WithoutCancel(ctx), LockName, r.podID); err != nil {
		slog.Error("Failed to release reaper lock during shutdown", "error", err)
	}
}

// Tick performs one sweep if this instance wins the reaper lease
func (r *Reaper) Tick(ctx context.Context) Stats {
	var stats Stats
	sweepCounts.Add("ticks", 1)

	acquired, err := r.locks.AcquireLock(ctx, LockName, r.podID, r.cfg.LockTTL)
	if err != nil {
		slog.Error("Failed to acquire reaper lock", "pod_id", r.podID, "error", err)
		stats.Errors++
		sweepCounts.Add("errors", 1)
		return stats
	}
	if !acquired {
		slog.Debug("Reaper lock held by another pod", "pod_id", r.podID)
		stats.Skipped = true
		sweepCounts.Add("skipped", 1)
		return stats
	}
	defer func() {
		if err := r.locks.ReleaseLock(context.WithoutCancel(ctx), LockName, r.podID); err != nil {
			slog.Error("Failed to release reaper lock", "pod_id", r.podID, "error", err)
		}
	}()

	now := r.now().UTC()
	start := time.Now()

	expired, errs := r.expire(ctx, now)
	stats.Expired = expired
	stats.Errors += errs

	redriven, emitted, errs := r.redrive(ctx, now)
	stats.Redriven = redriven
	stats.Emitted = emitted
	stats.Errors += errs

	purged, err := r.runs.PurgeTombstones(ctx, now)
	if err != nil {
		slog.Error("Failed to purge tombstones", "error", err)
		stats.Errors++
	}
	stats.Purged = purged

	sweepCounts.Add("expired", int64(stats.Expired))
	sweepCounts.Add("redriven", int64(stats.Redriven))
	sweepCounts.Add("purged", stats.Purged)
	sweepCounts.Add("errors", int64(stats.Errors))

	slog.Info("Reaper sweep completed",
		"pod_id", r.podID,
		"expired", stats.Expired,
		"redriven", stats.Redriven,
		"emitted", stats.Emitted,
		"purged", stats.Purged,
		"errors", stats.Errors,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return stats
}

func (r *Reaper) expire(ctx context.Context, now time.Time) (int, int) {
	stale, err := r.runs.ListExpired(ctx, now.Add(-r.cfg.RunTimeout), r.cfg.BatchSize)
	if err != nil {
		slog.Error("Failed to list expired runs", "error", err)
		return 0, 1
	}

	var expired, failed atomic.Int32
	r.each(stale, func(st *model.RunState) {
		res, err := r.sweeper.Expire(ctx, st.RunID)
		if err != nil {
			slog.Error("Failed to expire run", "run_id", st.RunID, "error", err)
			failed.Add(1)
			return
		}
		if res.Outcome == coordinator.OutcomeExpired {
			expired.Add(1)
		}
	})
	return int(expired.Load()), int(failed.Load())
}

func (r *Reaper) redrive(ctx context.Context, now time.Time) (int, int, int) {
	stalled, err := r.runs.ListUndelivered(ctx, now, r.cfg.BatchSize)
	if err != nil {
		slog.Error("Failed to list undelivered runs", "error", err)
		return 0, 0, 1
	}

	var redriven, emitted, failed atomic.Int32
	r.each(stalled, func(st *model.RunState) {
		res, err := r.sweeper.Redrive(ctx, st.RunID)
		if res.Outcome == coordinator.OutcomeRedriven {
			redriven.Add(1)
		}
		if res.Emitted {
			emitted.Add(1)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			slog.Error("Failed to redrive run", "run_id", st.RunID, "error", err)
			failed.Add(1)
		}
	})
	return int(redriven.Load()), int(emitted.Load()), int(failed.Load())
}

// each runs fn over states with bounded parallelism. fn handles its own errors
// so one bad run never cancels the rest of the sweep.
func (r *Reaper) each(states []*model.RunState, fn func(*model.RunState)) {
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, st := range states {
		g.Go(func() error {
			fn(st)
			return nil
		})
	}
	_ = g.Wait()
}
