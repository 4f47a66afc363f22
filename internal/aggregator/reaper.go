package aggregator

import (
	"context"
	"time"

	"github.com/mailshield/threat-pipeline/internal/pkg/distlock"
	"github.com/mailshield/threat-pipeline/internal/pkg/logger"
)

// Reaper periodically deletes job state whose remaining messages will never
// arrive (crashed worker, lost message). It deliberately does not touch the
// database: a reaped job's row stays PROCESSING as the operator-visible
// signal that the pipeline dropped it.
type Reaper struct {
	state    *StateStore
	lock     distlock.DistLock
	interval time.Duration
	maxAge   time.Duration
}

// NewReaper builds a reaper. The lock ensures a single process scans at a
// time even when multiple aggregators run.
func NewReaper(state *StateStore, lock distlock.DistLock, interval, maxAge time.Duration) *Reaper {
	return &Reaper{state: state, lock: lock, interval: interval, maxAge: maxAge}
}

// Run scans on the configured interval until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

// sweep deletes every stale state, skipping the round entirely if another
// process holds the reaper lock.
func (r *Reaper) sweep(ctx context.Context) error {
	acquired, err := r.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := r.lock.Release(ctx); err != nil {
			logger.Warn("reaper lock release failed", "error", err)
		}
	}()

	stale, err := r.state.ListStale(ctx, r.maxAge)
	if err != nil {
		return err
	}

	for _, st := range stale {
		if err := r.state.Delete(ctx, st.JobID); err != nil {
			return err
		}
		logger.Warn("reaped abandoned job state",
			"job_id", st.JobID,
			"age", st.Age(time.Now().UTC()).String(),
			"intent_received", st.IntentReceived,
			"sandbox_received", st.SandboxReceived)
	}

	if len(stale) > 0 {
		logger.Info("reaper sweep done", "reaped", len(stale))
	}
	return nil
}
