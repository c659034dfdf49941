package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

func (s *Store) InsertTask(ctx context.Context, text string) (string, error) {
	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, text, is_completed, created_at, updated_at)
			VALUES (?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, text)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var (
		task       Task
		crownError sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, text, is_completed, crown_error, created_at, updated_at
		FROM tasks WHERE id = ?;
	`, taskID).Scan(&task.ID, &task.Text, &task.IsCompleted, &crownError, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if crownError.Valid {
		task.CrownError = crownError.String
	}
	return &task, nil
}

// ListOpenTaskIDs returns the IDs of tasks that have at least one run and are
// not completed yet, oldest first.
func (s *Store) ListOpenTaskIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id FROM tasks t
		WHERE t.is_completed = 0
		  AND EXISTS (SELECT 1 FROM task_runs r WHERE r.task_id = t.id)
		ORDER BY t.created_at ASC, t.id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan open task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkTaskCompleted sets is_completed without touching the crown marker.
// Safe to call repeatedly.
func (s *Store) MarkTaskCompleted(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET is_completed = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID)
		if err != nil {
			return fmt.Errorf("mark task completed: %w", err)
		}
		return requireRow(res, ErrTaskNotFound)
	})
}

// TryClaimEvaluation attempts to claim the crown evaluation for a task by
// setting the pending_evaluation marker. The guarded UPDATE succeeds for at
// most one caller while the marker holds a lock token; a previously recorded
// error text does not block a fresh claim.
func (s *Store) TryClaimEvaluation(ctx context.Context, taskID string) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET crown_error = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
			  AND (crown_error IS NULL OR crown_error NOT IN (?, ?));
		`, CrownMarkerPending, taskID, CrownMarkerPending, CrownMarkerInProgress)
		if err != nil {
			return fmt.Errorf("claim evaluation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim evaluation rows: %w", err)
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !claimed {
		// Distinguish "already claimed" from "no such task".
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return false, err
		}
	}
	return claimed, nil
}

// MarkEvaluationInProgress advances the marker from pending_evaluation once
// the evaluator has picked the task up.
func (s *Store) MarkEvaluationInProgress(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET crown_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, CrownMarkerInProgress, taskID)
		if err != nil {
			return fmt.Errorf("mark evaluation in progress: %w", err)
		}
		return requireRow(res, ErrTaskNotFound)
	})
}

// SetCrownError records a human-readable evaluation failure on the task.
// The marker no longer reads as a lock token afterwards, so a later manual
// re-trigger is not blocked.
func (s *Store) SetCrownError(ctx context.Context, taskID, message string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET crown_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, message, taskID)
		if err != nil {
			return fmt.Errorf("set crown error: %w", err)
		}
		return requireRow(res, ErrTaskNotFound)
	})
}

// ClearCrownError removes the crown marker/error from the task.
func (s *Store) ClearCrownError(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET crown_error = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID)
		if err != nil {
			return fmt.Errorf("clear crown error: %w", err)
		}
		return requireRow(res, ErrTaskNotFound)
	})
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return missing
	}
	return nil
}
