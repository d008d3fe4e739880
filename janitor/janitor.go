// Package janitor fails runs that stopped making progress, for example
// because the process driving them crashed. A run counts as stale when it
// is still running and has not been updated within the staleness window.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/starmesh/core"
	"github.com/hupe1980/starmesh/logging"
)

// Options configure a Sweeper.
type Options struct {
	// StaleAfter is the staleness window (default 30m).
	StaleAfter time.Duration
	// Interval is the period of Run (default 1m).
	Interval time.Duration
	// BatchSize bounds the runs inspected per sweep (0 is unbounded).
	BatchSize int
	// IsActive reports runs owned by a live runner in this process; they
	// are skipped. Typically (*runner.Runner).IsActive.
	IsActive func(runID string) bool
	Logger   logging.Logger
	// Now is the clock used to compute the staleness cutoff.
	Now func() time.Time
}

// Sweeper marks stale runs as failed.
type Sweeper struct {
	store core.OrchestrationStore
	opts  Options
}

// New creates a sweeper over store.
func New(store core.OrchestrationStore, optFns ...func(o *Options)) *Sweeper {
	opts := Options{
		StaleAfter: 30 * time.Minute,
		Interval:   time.Minute,
		Logger:     logging.NoOpLogger{},
		Now:        time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	opts.Logger = logging.OrNoOp(opts.Logger)

	return &Sweeper{store: store, opts: opts}
}

// SweepOnce fails every stale run and returns their ids. A run that another
// writer finished in the meantime is skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	now := s.opts.Now()
	cutoff := now.Add(-s.opts.StaleAfter)

	runs, err := s.store.ListRuns(ctx, core.RunFilter{
		Status:        core.RunStatusRunning,
		UpdatedBefore: cutoff,
		Limit:         s.opts.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}

	var swept []string

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		if s.opts.IsActive != nil && s.opts.IsActive(run.ID) {
			continue
		}

		idle := now.Sub(run.UpdatedAt)

		if err := run.MarkFailed(fmt.Sprintf("run timed out: no progress for %s", idle.Round(time.Second))); err != nil {
			s.opts.Logger.Warn("janitor.run.skipped", "run_id", run.ID, "error", err)
			continue
		}

		if err := s.store.SaveRun(ctx, run); err != nil {
			if errors.Is(err, core.ErrStaleWrite) {
				s.opts.Logger.Debug("janitor.run.finished_elsewhere", "run_id", run.ID)
				continue
			}

			return swept, fmt.Errorf("failed to save run %s: %w", run.ID, err)
		}

		s.opts.Logger.Info("janitor.run.failed", "run_id", run.ID, "idle", idle.String())

		swept = append(swept, run.ID)
	}

	return swept, nil
}

// Run sweeps every Interval until ctx is done. Sweep errors are logged and
// do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.opts.Logger.Info("janitor.started", "interval", s.opts.Interval.String(), "stale_after", s.opts.StaleAfter.String())

	for {
		select {
		case <-ctx.Done():
			s.opts.Logger.Info("janitor.stopped")
			return
		case <-ticker.C:
			swept, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.opts.Logger.Error("janitor.sweep.failed", "error", err)
				continue
			}

			if len(swept) > 0 {
				s.opts.Logger.Info("janitor.sweep.completed", "failed_runs", len(swept))
			}
		}
	}
}
