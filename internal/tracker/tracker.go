// Package tracker decides, on every terminal run transition, whether a task
// is finished and whether a crown evaluation is due.
package tracker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-arena/internal/persistence"
)

// Pending is returned when another caller already holds the evaluation
// marker for the task.
const Pending = "pending"

// Evaluator runs the crown comparison for a task whose evaluation claim has
// been won. It returns the winner run id, or "" when no crown was assigned.
type Evaluator interface {
	Evaluate(ctx context.Context, taskID string) (string, error)
}

// readiness is the derived aggregate state of a task's run set.
type readiness int

const (
	notReady readiness = iota
	readySingle
	readyMulti
	readyNoWinner
)

func deriveReadiness(runs []persistence.TaskRun) readiness {
	completed := 0
	for _, run := range runs {
		if !run.Status.Terminal() {
			return notReady
		}
		if run.Status == persistence.RunStatusCompleted {
			completed++
		}
	}
	switch {
	case len(runs) == 1:
		return readySingle
	case completed >= 2:
		return readyMulti
	default:
		return readyNoWinner
	}
}

type Tracker struct {
	store     *persistence.Store
	evaluator Evaluator
	logger    *slog.Logger
}

func New(store *persistence.Store, evaluator Evaluator, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, evaluator: evaluator, logger: logger}
}

// Resolve is invoked whenever a run reaches a terminal state. It derives the
// task's aggregate state and either finishes the task, crowns a lone
// completed run, or hands off to the evaluator. Returns the winner run id,
// Pending when an evaluation is already in flight elsewhere, or "" when the
// task finished without a crown (or is not ready yet).
//
// Safe to call redundantly: once the task is terminal, repeated calls
// re-derive and return the existing outcome without new work.
func (t *Tracker) Resolve(ctx context.Context, taskID string) (string, error) {
	runs, err := t.store.ListRuns(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("list runs for task %s: %w", taskID, err)
	}
	if len(runs) == 0 {
		return "", nil
	}

	switch deriveReadiness(runs) {
	case notReady:
		return "", nil

	case readySingle:
		run := runs[0]
		if run.Status == persistence.RunStatusCompleted {
			if err := t.store.CrownSingleRun(ctx, taskID, run.ID, persistence.CrownReasonSingleRun); err != nil {
				return "", fmt.Errorf("crown single run: %w", err)
			}
			t.logger.Info("crowned lone completed run", "task_id", taskID, "run_id", run.ID)
			return run.ID, nil
		}
		// Lone failed run: the task is done, nothing to crown.
		if err := t.store.MarkTaskCompleted(ctx, taskID); err != nil {
			return "", fmt.Errorf("complete task: %w", err)
		}
		return "", nil

	case readyNoWinner:
		// All terminal but fewer than two completed: no comparison possible.
		if err := t.store.MarkTaskCompleted(ctx, taskID); err != nil {
			return "", fmt.Errorf("complete task: %w", err)
		}
		t.logger.Info("task finished without enough completed runs to crown", "task_id", taskID)
		return "", nil

	default: // readyMulti
		// Idempotent re-entry: a recorded evaluation is the source of truth.
		eval, err := t.store.GetCrownEvaluation(ctx, taskID)
		if err != nil {
			return "", err
		}
		if eval != nil {
			return eval.WinnerRunID, nil
		}

		claimed, err := t.store.TryClaimEvaluation(ctx, taskID)
		if err != nil {
			return "", err
		}
		if !claimed {
			// Another caller is already working on it.
			return Pending, nil
		}
		return t.evaluator.Evaluate(ctx, taskID)
	}
}
