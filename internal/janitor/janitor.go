// Package janitor runs scheduled background maintenance: reconciling async
// jobs against their providers and pruning terminal runs past retention.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reconciler polls providers for jobs whose webhooks may have been missed.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// RunPruner deletes terminal runs older than a cutoff.
type RunPruner interface {
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config controls the janitor's schedules.
type Config struct {
	// ReconcileSpec is the cron expression for the job reconcile sweep.
	ReconcileSpec string
	// PruneSpec is the cron expression for the run retention sweep.
	PruneSpec string
	// Retention is how long terminal runs are kept. Zero disables pruning.
	Retention time.Duration
	// SweepTimeout bounds each maintenance pass.
	SweepTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReconcileSpec == "" {
		c.ReconcileSpec = "*/5 * * * *" // every 5 minutes
	}
	if c.PruneSpec == "" {
		c.PruneSpec = "30 3 * * *" // daily, off-peak
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 10 * time.Minute
	}
}

// Janitor owns the cron scheduler for background maintenance.
type Janitor struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New wires the maintenance jobs into a cron scheduler. Nil reconciler or
// pruner (or zero retention) disables the corresponding sweep.
func New(cfg Config, reconciler Reconciler, pruner RunPruner, logger *slog.Logger) (*Janitor, error) {
	cfg.defaults()
	c := cron.New()
	j := &Janitor{cron: c, logger: logger}

	if reconciler != nil {
		_, err := c.AddFunc(cfg.ReconcileSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.SweepTimeout)
			defer cancel()
			if err := reconciler.Reconcile(ctx); err != nil {
				logger.Error("janitor: job reconcile sweep failed", "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("janitor: reconcile schedule %q: %w", cfg.ReconcileSpec, err)
		}
	}

	if pruner != nil && cfg.Retention > 0 {
		retention := cfg.Retention
		_, err := c.AddFunc(cfg.PruneSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.SweepTimeout)
			defer cancel()
			cutoff := time.Now().UTC().Add(-retention)
			n, err := pruner.DeleteRunsBefore(ctx, cutoff)
			if err != nil {
				logger.Error("janitor: run prune sweep failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("janitor: pruned terminal runs", "count", n, "cutoff", cutoff)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("janitor: prune schedule %q: %w", cfg.PruneSpec, err)
		}
	}

	return j, nil
}

// Start begins running the schedules in a background goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor: started", "entries", len(j.cron.Entries()))
}

// Stop halts scheduling and waits for any in-flight sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor: stopped")
}
