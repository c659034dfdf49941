package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/basket/go-arena/internal/bus"
	"github.com/basket/go-arena/internal/shared"
)

// defaultReconcileInterval paces the sweep over open tasks that backs up
// event delivery. Bus delivery is non-blocking and may drop under load, so
// the sweep is what guarantees every finished task is eventually resolved.
const defaultReconcileInterval = 30 * time.Second

// Listener drives the tracker from run completion events on the bus, one
// Resolve call per terminal transition, and periodically re-resolves open
// tasks so a dropped event cannot strand one.
type Listener struct {
	tracker *Tracker
	bus     *bus.Bus

	reconcileInterval time.Duration
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

func NewListener(t *Tracker, eventBus *bus.Bus) *Listener {
	return &Listener{
		tracker:           t,
		bus:               eventBus,
		reconcileInterval: defaultReconcileInterval,
	}
}

// Start subscribes to run state changes and resolves the owning task on
// every terminal transition. A reconciliation ticker re-resolves all open
// tasks in the background. Runs until the context is canceled or Stop is
// called.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	sub := l.bus.Subscribe(bus.TopicRunStateChanged)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.bus.Unsubscribe(sub)
		ticker := time.NewTicker(l.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.Ch():
				if !ok {
					return
				}
				payload, ok := event.Payload.(bus.RunStateChangedEvent)
				if !ok {
					continue
				}
				if payload.NewStatus != "completed" && payload.NewStatus != "failed" {
					continue
				}
				l.resolve(ctx, payload.TaskID, payload.RunID)
			case <-ticker.C:
				l.reconcile(ctx)
			}
		}
	}()
}

func (l *Listener) resolve(ctx context.Context, taskID, runID string) {
	runCtx, traceID := shared.EnsureTraceID(ctx)
	runCtx = shared.WithTaskID(runCtx, taskID)
	if _, err := l.tracker.Resolve(runCtx, taskID); err != nil {
		l.tracker.logger.Error("resolve after run completion failed",
			"task_id", taskID,
			"run_id", runID,
			"trace_id", traceID,
			"error", err,
		)
	}
}

// reconcile re-resolves every open task. Resolve is a no-op while runs are
// still in flight and idempotent once a crown or completion is recorded, so
// the pass only changes tasks whose completion event never arrived.
func (l *Listener) reconcile(ctx context.Context) {
	taskIDs, err := l.tracker.store.ListOpenTaskIDs(ctx)
	if err != nil {
		l.tracker.logger.Error("reconcile: failed to list open tasks", "error", err)
		return
	}
	for _, taskID := range taskIDs {
		if ctx.Err() != nil {
			return
		}
		l.resolve(ctx, taskID, "")
	}
}

// Stop cancels the listener and waits for the worker to exit.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}
