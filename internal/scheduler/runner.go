// Package scheduler drives ProcessDueEvents on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"editorial/internal/clock"
	"editorial/internal/engine"
)

const defaultInterval = 30 * time.Second

// Processor is the part of the engine the runner needs.
type Processor interface {
	ProcessDueEvents(ctx context.Context, limit int) (engine.ProcessReport, error)
}

// Runner processes due events once at start and then on every tick.
type Runner struct {
	Processor Processor
	Clock     clock.Clock
	Interval  time.Duration
	// Timeout bounds a single pass. Zero leaves it unbounded.
	Timeout time.Duration
	Logger  *slog.Logger

	limit atomic.Int64
}

func New(p Processor, interval, timeout time.Duration, limit int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		Processor: p,
		Clock:     clock.Real{},
		Interval:  interval,
		Timeout:   timeout,
		Logger:    logger.With("component", "scheduler"),
	}
	r.SetLimit(limit)
	return r
}

// SetLimit changes the batch size used from the next pass on.
func (r *Runner) SetLimit(n int) {
	r.limit.Store(int64(n))
}

func (r *Runner) Limit() int {
	return int(r.limit.Load())
}

// Run blocks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clk := r.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	r.logger().Info("scheduler started", "interval", interval, "limit", r.Limit())
	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger().Info("scheduler stopped")
			return nil
		case <-ticker.C():
			r.Tick(ctx)
		}
	}
}

// Tick runs one pass. Errors are logged; the next tick tries again.
func (r *Runner) Tick(ctx context.Context) (engine.ProcessReport, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	report, err := r.Processor.ProcessDueEvents(ctx, r.Limit())
	switch {
	case err != nil:
		r.logger().Error("process due events", "err", err, "processed", report.Processed)
	case report.Processed > 0:
		r.logger().Info("due events processed", "processed", report.Processed)
	default:
		r.logger().Debug("no due events")
	}
	return report, err
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
