package jobs

import (
	"context"
	"log"
	"time"

	"github.com/meetrec/meetrec-control-plane/internal/metrics"
)

// Sessions is the slice of the lifecycle manager the periodic jobs drive.
type Sessions interface {
	CheckTimeouts(context.Context) error
	SweepRetention(context.Context, time.Duration) error
}

type Options struct {
	SweepInterval time.Duration
	// Retention of zero keeps finished sessions until deleted by hand.
	Retention time.Duration
}

type Runner struct {
	sessions Sessions
	opts     Options
}

func NewRunner(sessions Sessions, opts Options) *Runner {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	return &Runner{sessions: sessions, opts: opts}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "session_timeout_sweep", r.opts.SweepInterval, r.sessions.CheckTimeouts)
	if r.opts.Retention > 0 {
		interval := r.opts.Retention / 10
		if interval < time.Minute {
			interval = time.Minute
		}
		go r.runEvery(ctx, "session_retention_sweep", interval, func(c context.Context) error {
			return r.sessions.SweepRetention(c, r.opts.Retention)
		})
	}
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("meetrec_job_runs_total", labels)
		metrics.Default().ObserveHistogram("meetrec_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	labels["status"] = "ok"
	metrics.Default().IncCounter("meetrec_job_runs_total", labels)
	metrics.Default().ObserveHistogram("meetrec_job_duration_ms", durMs, map[string]string{"job": name})
}
