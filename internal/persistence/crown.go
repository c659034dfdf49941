package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-arena/internal/bus"
	"github.com/google/uuid"
)

// GetCrownEvaluation returns the evaluation record for a task, or nil when
// none exists. Its existence is the single source of truth that evaluation
// already happened.
func (s *Store) GetCrownEvaluation(ctx context.Context, taskID string) (*CrownEvaluation, error) {
	var (
		eval       CrownEvaluation
		candidates string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, winner_run_id, candidate_run_ids, evaluation_prompt, evaluation_response, evaluated_at
		FROM crown_evaluations WHERE task_id = ?;
	`, taskID).Scan(&eval.ID, &eval.TaskID, &eval.WinnerRunID, &candidates, &eval.EvaluationPrompt, &eval.EvaluationResponse, &eval.EvaluatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get crown evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(candidates), &eval.CandidateRunIDs); err != nil {
		return nil, fmt.Errorf("decode candidate run ids: %w", err)
	}
	return &eval, nil
}

// ApplyCrownParams carries the full outcome of a judge comparison.
type ApplyCrownParams struct {
	TaskID             string
	WinnerRunID        string
	CandidateRunIDs    []string
	Reason             string
	EvaluationPrompt   string
	EvaluationResponse string
}

// ApplyCrownWinner persists a judge verdict in one transaction: the winner is
// crowned, every sibling is explicitly un-crowned, the immutable evaluation
// record is inserted, the crown marker is cleared and the task is completed.
// Returns ErrEvaluationExists if a record was inserted since the caller's
// existence check; the caller should re-read and converge on that winner.
func (s *Store) ApplyCrownWinner(ctx context.Context, p ApplyCrownParams) (*CrownEvaluation, error) {
	candidates, err := json.Marshal(p.CandidateRunIDs)
	if err != nil {
		return nil, fmt.Errorf("encode candidate run ids: %w", err)
	}

	eval := &CrownEvaluation{
		ID:                 uuid.NewString(),
		TaskID:             p.TaskID,
		WinnerRunID:        p.WinnerRunID,
		CandidateRunIDs:    p.CandidateRunIDs,
		EvaluationPrompt:   p.EvaluationPrompt,
		EvaluationResponse: p.EvaluationResponse,
		EvaluatedAt:        time.Now().UTC(),
	}

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin crown tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		// UNIQUE(task_id) makes the insert the at-most-once gate.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO crown_evaluations (id, task_id, winner_run_id, candidate_run_ids, evaluation_prompt, evaluation_response, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, eval.ID, eval.TaskID, eval.WinnerRunID, string(candidates), eval.EvaluationPrompt, eval.EvaluationResponse, eval.EvaluatedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrEvaluationExists
			}
			return fmt.Errorf("insert crown evaluation: %w", err)
		}

		if err := crownWinnerTx(ctx, tx, p.TaskID, p.WinnerRunID, p.Reason); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET crown_error = NULL, is_completed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, p.TaskID); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicCrownAwarded, bus.CrownAwardedEvent{
			TaskID:      p.TaskID,
			WinnerRunID: p.WinnerRunID,
			Reason:      p.Reason,
		})
	}
	return eval, nil
}

// CrownSingleRun crowns the lone completed run of a task and completes the
// task. No evaluation record is created: there was no comparison.
func (s *Store) CrownSingleRun(ctx context.Context, taskID, runID, reason string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin crown tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := crownWinnerTx(ctx, tx, taskID, runID, reason); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET is_completed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicCrownAwarded, bus.CrownAwardedEvent{
			TaskID:      taskID,
			WinnerRunID: runID,
			Reason:      reason,
		})
	}
	return nil
}

// AssignCrownManually sets a winner by hand, e.g. after a judge failure. The
// same mutual-exclusion write applies; the recorded error is cleared.
func (s *Store) AssignCrownManually(ctx context.Context, taskID, runID, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin crown tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := crownWinnerTx(ctx, tx, taskID, runID, reason); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET crown_error = NULL, is_completed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		return tx.Commit()
	})
}

// crownWinnerTx crowns runID and explicitly un-crowns every sibling. The
// two writes keep the at-most-one-crown invariant without relying on
// "only one write wins".
func crownWinnerTx(ctx context.Context, tx *sql.Tx, taskID, runID, reason string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE task_runs SET is_crowned = 1, crown_reason = ? WHERE id = ? AND task_id = ?;
	`, reason, runID, taskID)
	if err != nil {
		return fmt.Errorf("crown winner: %w", err)
	}
	if err := requireRow(res, ErrRunNotFound); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_runs SET is_crowned = 0, crown_reason = NULL WHERE task_id = ? AND id != ?;
	`, taskID, runID); err != nil {
		return fmt.Errorf("uncrown siblings: %w", err)
	}
	return nil
}
