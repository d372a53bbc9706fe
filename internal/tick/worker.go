// Package tick drives time-based evaluation: scaling policies first, then the alert sweep.
package tick

import (
	"context"
	"errors"
	"time"

	alertdomain "github.com/smallbiznis/capacity/internal/alert/domain"
	"github.com/smallbiznis/capacity/internal/clock"
	obsmetrics "github.com/smallbiznis/capacity/internal/observability/metrics"
	scalingdomain "github.com/smallbiznis/capacity/internal/scaling/domain"
	"github.com/smallbiznis/capacity/pkg/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const jobName = "tick"

// Evaluator runs every scaling policy at now.
type Evaluator interface {
	EvaluateAll(ctx context.Context, now time.Time) ([]scalingdomain.Event, error)
}

// Sweeper re-evaluates time-driven alerts at now.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) ([]alertdomain.Alert, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Scaling scalingdomain.Service
	Alerts  alertdomain.Service
	Lock    Lock
	Config  Config
	Metrics *obsmetrics.EngineMetrics `optional:"true"`
}

type Worker struct {
	log       *zap.Logger
	clock     clock.Clock
	evaluator Evaluator
	sweeper   Sweeper
	lock      Lock
	metrics   *obsmetrics.EngineMetrics
	cfg       Config
}

// Result summarizes one tick.
type Result struct {
	Skipped bool
	Events  []scalingdomain.Event
	Alerts  []alertdomain.Alert
}

func NewWorker(p Params) *Worker {
	return newWorker(p.Log, p.Clock, p.Scaling, p.Alerts, p.Lock, p.Metrics, p.Config)
}

func newWorker(log *zap.Logger, clk clock.Clock, evaluator Evaluator, sweeper Sweeper, lock Lock, metrics *obsmetrics.EngineMetrics, cfg Config) *Worker {
	return &Worker{
		log:       log.Named("tick"),
		clock:     clk,
		evaluator: evaluator,
		sweeper:   sweeper,
		lock:      lock,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("tick run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce evaluates policies and sweeps alerts at the clock's current time. When another
// holder owns the lock the tick is skipped.
func (w *Worker) RunOnce(parentCtx context.Context) (Result, error) {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.Timeout)
	defer cancel()
	ctx, cid := correlation.EnsureCorrelationID(ctx)
	log := w.log.With(zap.String("correlation_id", cid))

	token, ok, err := w.lock.TryLock(ctx, w.cfg.LockKey, w.cfg.LockTTL)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		w.metrics.IncTickSkipped(jobName, obsmetrics.TickSkipLockHeld)
		log.Debug("tick skipped, lock held elsewhere")
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := w.lock.Release(context.WithoutCancel(ctx), w.cfg.LockKey, token); err != nil {
			log.Warn("tick lock release failed", zap.Error(err))
		}
	}()

	start := time.Now()
	now := w.clock.Now()
	var res Result
	events, evalErr := w.evaluator.EvaluateAll(ctx, now)
	res.Events = events
	alerts, sweepErr := w.sweeper.Sweep(ctx, now)
	res.Alerts = alerts
	err = errors.Join(evalErr, sweepErr)

	w.metrics.ObserveTick(jobName, time.Since(start), err)
	log.Info("tick completed",
		zap.Time("now", now),
		zap.Int("scaling_events", len(res.Events)),
		zap.Int("alerts", len(res.Alerts)),
		zap.Error(err),
	)
	return res, err
}
