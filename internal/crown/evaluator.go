// Package crown runs the at-most-once evaluation that picks the best run
// among a task's completed siblings.
package crown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-arena/internal/audit"
	"github.com/basket/go-arena/internal/bus"
	"github.com/basket/go-arena/internal/judge"
	otelpkg "github.com/basket/go-arena/internal/otel"
	"github.com/basket/go-arena/internal/persistence"
	"github.com/basket/go-arena/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// logTailLimit bounds how much execution log is shown to the judge per
// candidate.
const logTailLimit = 4000

// Config holds the evaluator's dependencies. Bus, Tracer and Metrics are
// optional.
type Config struct {
	Store   *persistence.Store
	Judge   judge.Judge
	Logger  *slog.Logger
	Bus     *bus.Bus
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

type Evaluator struct {
	store   *persistence.Store
	judge   judge.Judge
	logger  *slog.Logger
	bus     *bus.Bus
	tracer  trace.Tracer
	metrics *otelpkg.Metrics
}

func New(cfg Config) *Evaluator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	return &Evaluator{
		store:   cfg.Store,
		judge:   cfg.Judge,
		logger:  logger,
		bus:     cfg.Bus,
		tracer:  tracer,
		metrics: cfg.Metrics,
	}
}

// Evaluate compares the completed runs of a task and applies the winner.
// Callable concurrently; the persisted evaluation record is the at-most-once
// gate, so concurrent callers converge on a single winner. Returns the
// winner run id, or "" when no crown was assigned (including the graceful
// judge-failure path, which records the error on the task instead of
// returning it).
func (e *Evaluator) Evaluate(ctx context.Context, taskID string) (string, error) {
	ctx, span := otelpkg.StartSpan(ctx, e.tracer, "crown.evaluate", otelpkg.AttrTaskID.String(taskID))
	defer span.End()
	started := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.EvaluationDuration.Record(ctx, time.Since(started).Seconds())
		}
	}()

	// Re-check under the marker: a racing caller may have finished between
	// the tracker's existence check and this call.
	existing, err := e.store.GetCrownEvaluation(ctx, taskID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.WinnerRunID, nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if err := e.store.MarkEvaluationInProgress(ctx, taskID); err != nil {
		return "", err
	}

	runs, err := e.store.ListRuns(ctx, taskID)
	if err != nil {
		return "", err
	}
	var candidates []persistence.TaskRun
	for _, run := range runs {
		if run.Status == persistence.RunStatusCompleted {
			candidates = append(candidates, run)
		}
	}
	if len(candidates) < 2 {
		// A run flipped to failed between the tracker's snapshot and now.
		e.logger.Info("not enough completed runs at evaluation time",
			"task_id", taskID, "completed", len(candidates))
		if err := e.store.ClearCrownError(ctx, taskID); err != nil {
			return "", err
		}
		if err := e.store.MarkTaskCompleted(ctx, taskID); err != nil {
			return "", err
		}
		return "", nil
	}

	req := judge.Request{TaskDescription: task.Text}
	candidateIDs := make([]string, 0, len(candidates))
	for _, run := range candidates {
		candidateIDs = append(candidateIDs, run.ID)
		req.Candidates = append(req.Candidates, judge.Candidate{
			ID:        run.ID,
			AgentName: run.AgentName,
			Artifact:  run.Artifact,
			LogTail:   tail(run.LogTail, logTailLimit),
		})
	}
	prompt := judge.BuildPrompt(req)

	verdict, judgeErr := e.score(ctx, req)
	if judgeErr != nil {
		return "", e.recordJudgeFailure(ctx, taskID, judgeErr)
	}

	winner := candidates[verdict.WinnerIndex]
	span.SetAttributes(
		otelpkg.AttrCandidates.Int(len(candidates)),
		otelpkg.AttrWinnerRunID.String(winner.ID),
	)

	_, err = e.store.ApplyCrownWinner(ctx, persistence.ApplyCrownParams{
		TaskID:             taskID,
		WinnerRunID:        winner.ID,
		CandidateRunIDs:    candidateIDs,
		Reason:             verdict.Reason,
		EvaluationPrompt:   prompt,
		EvaluationResponse: shared.Redact(verdict.Raw),
	})
	if errors.Is(err, persistence.ErrEvaluationExists) {
		// Lost the narrow race after the judge call: converge on the
		// recorded winner instead of surfacing an error.
		recorded, err := e.store.GetCrownEvaluation(ctx, taskID)
		if err != nil {
			return "", err
		}
		if recorded == nil {
			return "", fmt.Errorf("evaluation for task %s vanished after duplicate insert", taskID)
		}
		return recorded.WinnerRunID, nil
	}
	if err != nil {
		return "", err
	}

	if e.metrics != nil {
		e.metrics.CrownsAwarded.Add(ctx, 1)
	}
	audit.Record(ctx, audit.ActionCrownAwarded, "winner", winner.ID, verdict.Reason)
	e.logger.Info("crown awarded",
		"task_id", taskID,
		"winner_run_id", winner.ID,
		"agent", winner.AgentName,
		"candidates", len(candidates),
	)
	return winner.ID, nil
}

func (e *Evaluator) score(ctx context.Context, req judge.Request) (*judge.Verdict, error) {
	ctx, span := otelpkg.StartClientSpan(ctx, e.tracer, "judge.score")
	defer span.End()
	started := time.Now()
	verdict, err := e.judge.Score(ctx, req)
	if e.metrics != nil {
		e.metrics.JudgeCallDuration.Record(ctx, time.Since(started).Seconds())
	}
	return verdict, err
}

// recordJudgeFailure writes the failure onto the task and completes it so the
// task does not stay stuck from the user's point of view. The crown stays
// unset, eligible for manual assignment; the stored error text replaces any
// lock marker, so a re-trigger is not blocked.
func (e *Evaluator) recordJudgeFailure(ctx context.Context, taskID string, judgeErr error) error {
	message := shared.Redact(judgeErr.Error())
	e.logger.Error("crown evaluation failed", "task_id", taskID, "error", message)
	if e.metrics != nil {
		e.metrics.JudgeFailures.Add(ctx, 1)
	}

	if err := e.store.SetCrownError(ctx, taskID, message); err != nil {
		return err
	}
	if err := e.store.MarkTaskCompleted(ctx, taskID); err != nil {
		return err
	}
	audit.Record(ctx, audit.ActionCrownFailed, "error", taskID, message)
	if e.bus != nil {
		e.bus.Publish(bus.TopicCrownFailed, bus.CrownFailedEvent{TaskID: taskID, Error: message})
	}
	return nil
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	trimmed := s[len(s)-limit:]
	// Cut at the first newline to avoid starting mid-line.
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 && idx < len(trimmed)-1 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}
