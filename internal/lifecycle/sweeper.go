package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-arena/internal/audit"
	"github.com/basket/go-arena/internal/bus"
	arenaotel "github.com/basket/go-arena/internal/otel"
	"github.com/basket/go-arena/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Stopper tears down the external sandbox resource behind a run.
// Stop must be idempotent: stopping an already-stopped or already-gone
// sandbox is not an error.
type Stopper interface {
	StopSandbox(ctx context.Context, sandboxID string) error
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Store     *persistence.Store
	Sandboxes Stopper
	Logger    *slog.Logger
	Bus       *bus.Bus
	Tracer    trace.Tracer
	Metrics   *arenaotel.Metrics
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	CronExpr  string        // optional cron gate; when set, sweeps fire on its schedule
}

// Sweeper periodically scans running sandboxes, stamps stop deadlines on
// freshly finished runs, and stops the sandboxes whose deadline passed.
type Sweeper struct {
	store     *persistence.Store
	sandboxes Stopper
	logger    *slog.Logger
	bus       *bus.Bus
	tracer    trace.Tracer
	metrics   *arenaotel.Metrics
	interval  time.Duration
	schedule  cronlib.Schedule // nil when no cron gate configured
	nextSweep time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a new Sweeper with the given config.
func NewSweeper(cfg Config) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(arenaotel.TracerName)
	}
	s := &Sweeper{
		store:     cfg.Store,
		sandboxes: cfg.Sandboxes,
		logger:    logger,
		bus:       cfg.Bus,
		tracer:    tracer,
		metrics:   cfg.Metrics,
		interval:  interval,
	}
	if cfg.CronExpr != "" {
		sched, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("parse sweep cron expression %q: %w", cfg.CronExpr, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// Start begins the sweep loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("lifecycle sweeper started", "interval", s.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("lifecycle sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	s.tick(ctx, time.Now())

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick runs one scan. When a cron gate is configured, ticks that land
// before the next scheduled sweep are skipped.
func (s *Sweeper) tick(ctx context.Context, now time.Time) {
	if s.schedule != nil {
		if s.nextSweep.IsZero() {
			s.nextSweep = s.schedule.Next(now)
			return
		}
		if now.Before(s.nextSweep) {
			return
		}
		s.nextSweep = s.schedule.Next(now)
	}
	s.Sweep(ctx, now)
}

// Sweep performs a single read-then-decide pass: load settings and
// running sandboxes, stamp stop deadlines on newly terminal runs, then
// stop every sandbox whose deadline has passed. Stops are fire-and-forget
// per sandbox; one failure never blocks the rest of the pass.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	ctx, span := arenaotel.StartSpan(ctx, s.tracer, "lifecycle.sweep")
	defer span.End()
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	settings, err := s.store.GetContainerSettings(ctx)
	if err != nil {
		s.logger.Error("sweep: failed to load container settings", "error", err)
		return
	}
	runs, err := s.store.ListRunningSandboxRuns(ctx)
	if err != nil {
		s.logger.Error("sweep: failed to list running sandboxes", "error", err)
		return
	}

	runs = s.stampStopDeadlines(ctx, settings, runs)

	for _, run := range SelectStopCandidates(settings, runs, now) {
		s.stopSandbox(ctx, run, now)
	}
}

// stampStopDeadlines sets scheduledStopAt on terminal runs that finished
// but were never given a deadline: completion time plus the review period.
// Keep-alive sandboxes carry no deadline for as long as they stay pinned.
// Returns the runs with the stamped deadlines applied, so the same pass
// can act on them.
func (s *Sweeper) stampStopDeadlines(ctx context.Context, settings persistence.ContainerSettings, runs []persistence.TaskRun) []persistence.TaskRun {
	review := time.Duration(settings.ReviewPeriodMinutes) * time.Minute
	for i, run := range runs {
		if run.Sandbox.KeepAlive {
			continue
		}
		if !run.Status.Terminal() || run.CompletedAt == nil || run.Sandbox.ScheduledStopAt != nil {
			continue
		}
		stopAt := run.CompletedAt.Add(review)
		if err := s.store.ScheduleSandboxStop(ctx, run.ID, &stopAt); err != nil {
			s.logger.Error("sweep: failed to schedule sandbox stop",
				"run_id", run.ID,
				"error", err,
			)
			continue
		}
		runs[i].Sandbox.ScheduledStopAt = &stopAt
		if s.bus != nil {
			s.bus.Publish(bus.TopicSandboxScheduled, bus.SandboxScheduledEvent{
				RunID:     run.ID,
				SandboxID: run.Sandbox.ID,
				StopAt:    stopAt,
			})
		}
		s.logger.Info("sweep: sandbox stop scheduled",
			"run_id", run.ID,
			"sandbox_id", run.Sandbox.ID,
			"stop_at", stopAt,
		)
	}
	return runs
}

func (s *Sweeper) stopSandbox(ctx context.Context, run persistence.TaskRun, now time.Time) {
	if err := s.sandboxes.StopSandbox(ctx, run.Sandbox.ID); err != nil {
		s.logger.Error("sweep: failed to stop sandbox",
			"run_id", run.ID,
			"sandbox_id", run.Sandbox.ID,
			"error", err,
		)
		audit.Record(ctx, audit.ActionSandboxStop, "error", run.Sandbox.ID, err.Error())
		if s.metrics != nil {
			s.metrics.SandboxStopErrors.Add(ctx, 1)
		}
		return
	}
	if err := s.store.SetSandboxStatus(ctx, run.ID, persistence.SandboxStatusStopped); err != nil {
		s.logger.Error("sweep: failed to record sandbox stop",
			"run_id", run.ID,
			"sandbox_id", run.Sandbox.ID,
			"error", err,
		)
		return
	}
	audit.Record(ctx, audit.ActionSandboxStop, "stopped", run.Sandbox.ID, "review period expired")
	if s.bus != nil {
		s.bus.Publish(bus.TopicSandboxStopped, bus.SandboxStoppedEvent{
			RunID:     run.ID,
			SandboxID: run.Sandbox.ID,
			StoppedAt: now,
		})
	}
	if s.metrics != nil {
		s.metrics.SandboxStops.Add(ctx, 1, metric.WithAttributes(
			arenaotel.AttrRunID.String(run.ID),
			arenaotel.AttrSandboxID.String(run.Sandbox.ID),
		))
	}
	s.logger.Info("sweep: sandbox stopped",
		"run_id", run.ID,
		"sandbox_id", run.Sandbox.ID,
	)
}
