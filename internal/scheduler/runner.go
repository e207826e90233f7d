package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voice-survey/internal/store"
	"voice-survey/internal/telemetry"
)

// Lease guards the tick so at most one Runner schedules at a time.
// TryAcquire also extends a lease the caller already owns.
// utils.Lease is the Redis implementation.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// ErrLeaseLost cancels a tick whose lease could not be renewed.
var ErrLeaseLost = errors.New("scheduler: lease lost")

type RunnerConfig struct {
	Interval        time.Duration
	MaxIdleInterval time.Duration
	// LeaseTTL is the lease expiry. While a tick runs the lease is renewed
	// every LeaseTTL/3. Zero disables renewal.
	LeaseTTL time.Duration
	// StaleAfter is how long an attempt may stay open before it is requeued.
	// Zero disables stale recovery.
	StaleAfter time.Duration
}

// Runner drives Scheduler.RunOnce on a timer. After an empty tick the sleep
// doubles up to MaxIdleInterval; any dispatch resets it.
type Runner struct {
	sched    *Scheduler
	attempts store.CallAttemptStore
	lease    Lease
	cfg      RunnerConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewRunner(sched *Scheduler, attempts store.CallAttemptStore, lease Lease, cfg RunnerConfig, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxIdleInterval < cfg.Interval {
		cfg.MaxIdleInterval = cfg.Interval
	}
	return &Runner{
		sched:    sched,
		attempts: attempts,
		lease:    lease,
		cfg:      cfg,
		log:      log.With("component", "scheduler_runner"),
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled, then releases the lease.
func (r *Runner) Run(ctx context.Context) error {
	defer r.release()

	wait := time.Duration(0)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		dispatched, held := r.Step(ctx)
		wait = nextInterval(wait, dispatched, held, r.cfg)
		timer.Reset(wait)
	}
}

// Step runs one guarded tick. held reports whether this runner had the lease.
func (r *Runner) Step(ctx context.Context) (dispatched int, held bool) {
	if r.lease != nil {
		ok, err := r.lease.TryAcquire(ctx)
		if err != nil {
			r.log.Error("lease acquire failed", "error", err)
			return 0, false
		}
		if !ok {
			r.log.Debug("lease held elsewhere")
			return 0, false
		}
	}

	now := r.now().UTC()
	if r.cfg.StaleAfter > 0 {
		res, err := r.attempts.RequeueStale(ctx, now, r.cfg.StaleAfter)
		if err != nil {
			r.log.Error("stale requeue failed", "error", err)
		} else if res.AttemptsClosed > 0 || res.ContactsRequeued > 0 {
			telemetry.ContactsRequeued.Add(float64(res.ContactsRequeued))
			r.log.Warn("stale attempts requeued", "attempts_closed", res.AttemptsClosed, "contacts_requeued", res.ContactsRequeued)
		}
	}

	tickCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopRenew := r.keepLease(tickCtx, cancel)
	defer stopRenew()

	n, err := r.sched.RunOnce(tickCtx, now)
	if err != nil {
		r.log.Error("scheduler tick failed", "dispatched", n, "error", err)
	}
	return n, true
}

// keepLease renews the lease until the returned stop func is called. A failed
// or refused renewal cancels the tick with ErrLeaseLost.
func (r *Runner) keepLease(ctx context.Context, cancel context.CancelCauseFunc) (stop func()) {
	if r.lease == nil || r.cfg.LeaseTTL <= 0 {
		return func() {}
	}
	every := r.cfg.LeaseTTL / 3
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := r.lease.TryAcquire(ctx)
			if err != nil || !ok {
				r.log.Error("lease renewal failed, cancelling tick", "error", err, "still_owner", ok)
				cancel(ErrLeaseLost)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *Runner) release() {
	if r.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.lease.Release(ctx); err != nil {
		r.log.Warn("lease release failed", "error", err)
	}
}

// nextInterval computes the sleep before the next tick.
func nextInterval(prev time.Duration, dispatched int, held bool, cfg RunnerConfig) time.Duration {
	if !held || dispatched > 0 || prev < cfg.Interval {
		return cfg.Interval
	}
	next := prev * 2
	if next > cfg.MaxIdleInterval {
		next = cfg.MaxIdleInterval
	}
	return next
}
