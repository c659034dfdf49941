package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-arena/internal/bus"
	"github.com/google/uuid"
)

// InsertRun stores a new run. A zero CreatedAt defaults to now; an empty ID
// is generated. Status defaults to pending.
func (s *Store) InsertRun(ctx context.Context, run TaskRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Sandbox.Status == "" {
		run.Sandbox.Status = SandboxStatusStarting
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_runs (
				id, task_id, parent_run_id, status, agent_name, is_crowned, crown_reason,
				artifact, log_tail,
				sandbox_id, sandbox_status, sandbox_keep_alive, sandbox_scheduled_stop_at,
				sandbox_provider, sandbox_vscode_url, sandbox_worker_url, sandbox_workspace_url,
				created_at, completed_at
			)
			VALUES (?, ?, ?, ?, ?, 0, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.TaskID, nullString(run.ParentRunID), run.Status, run.AgentName,
			run.Artifact, run.LogTail,
			run.Sandbox.ID, run.Sandbox.Status, run.Sandbox.KeepAlive, nullTime(run.Sandbox.ScheduledStopAt),
			run.Sandbox.Provider, run.Sandbox.VSCodeURL, run.Sandbox.WorkerURL, run.Sandbox.WorkspaceURL,
			run.CreatedAt, nullTime(run.CompletedAt))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

const runColumns = `
	id, task_id, parent_run_id, status, agent_name, is_crowned, crown_reason,
	artifact, log_tail,
	sandbox_id, sandbox_status, sandbox_keep_alive, sandbox_scheduled_stop_at,
	sandbox_provider, sandbox_vscode_url, sandbox_worker_url, sandbox_workspace_url,
	created_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (*TaskRun, error) {
	var (
		run         TaskRun
		parentRunID sql.NullString
		crownReason sql.NullString
		stopAt      sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID, &run.TaskID, &parentRunID, &run.Status, &run.AgentName, &run.IsCrowned, &crownReason,
		&run.Artifact, &run.LogTail,
		&run.Sandbox.ID, &run.Sandbox.Status, &run.Sandbox.KeepAlive, &stopAt,
		&run.Sandbox.Provider, &run.Sandbox.VSCodeURL, &run.Sandbox.WorkerURL, &run.Sandbox.WorkspaceURL,
		&run.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	if parentRunID.Valid {
		run.ParentRunID = parentRunID.String
	}
	if crownReason.Valid {
		run.CrownReason = crownReason.String
	}
	if stopAt.Valid {
		t := stopAt.Time
		run.Sandbox.ScheduledStopAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*TaskRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?;`, runID))
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs for a task ordered by creation time.
func (s *Store) ListRuns(ctx context.Context, taskID string) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM task_runs WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// ListRunningSandboxRuns returns every run whose sandbox is currently running,
// across all tasks. This is the sweeper's scan set.
func (s *Store) ListRunningSandboxRuns(ctx context.Context) ([]TaskRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM task_runs WHERE sandbox_status = ? ORDER BY created_at ASC, id ASC;
	`, SandboxStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running sandbox runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// UpdateRunStatus applies a status transition, stamping completed_at when the
// run reaches a terminal state and publishing the change on the bus.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, next RunStatus) error {
	var (
		old  RunStatus
		task string
		name string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT status, task_id, agent_name FROM task_runs WHERE id = ?;
		`, runID).Scan(&old, &task, &name); err != nil {
			if err == sql.ErrNoRows {
				return ErrRunNotFound
			}
			return fmt.Errorf("read run status: %w", err)
		}
		if _, ok := allowedRunTransitions[old][next]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, next)
		}

		if next.Terminal() {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_runs SET status = ?, completed_at = ? WHERE id = ?;
			`, next, time.Now().UTC(), runID); err != nil {
				return fmt.Errorf("update run status: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_runs SET status = ? WHERE id = ?;
			`, next, runID); err != nil {
				return fmt.Errorf("update run status: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		event := bus.RunStateChangedEvent{
			RunID:     runID,
			TaskID:    task,
			AgentName: name,
			OldStatus: string(old),
			NewStatus: string(next),
		}
		s.bus.Publish(bus.TopicRunStateChanged, event)
		switch next {
		case RunStatusCompleted:
			s.bus.Publish(bus.TopicRunCompleted, event)
		case RunStatusFailed:
			s.bus.Publish(bus.TopicRunFailed, event)
		}
	}
	return nil
}

// SetRunOutput records the artifact (diff) and execution log tail for a run.
func (s *Store) SetRunOutput(ctx context.Context, runID, artifact, logTail string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_runs SET artifact = ?, log_tail = ? WHERE id = ?;
		`, artifact, logTail, runID)
		if err != nil {
			return fmt.Errorf("set run output: %w", err)
		}
		return requireRow(res, ErrRunNotFound)
	})
}

// AttachSandbox records the provider-assigned sandbox identity and URLs after
// a successful start, and moves the sandbox to running.
func (s *Store) AttachSandbox(ctx context.Context, runID string, sb Sandbox) error {
	if sb.Status == "" {
		sb.Status = SandboxStatusRunning
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_runs
			SET sandbox_id = ?, sandbox_status = ?, sandbox_provider = ?,
			    sandbox_vscode_url = ?, sandbox_worker_url = ?, sandbox_workspace_url = ?
			WHERE id = ?;
		`, sb.ID, sb.Status, sb.Provider, sb.VSCodeURL, sb.WorkerURL, sb.WorkspaceURL, runID)
		if err != nil {
			return fmt.Errorf("attach sandbox: %w", err)
		}
		return requireRow(res, ErrRunNotFound)
	})
}

// SetSandboxStatus updates only the sandbox status for a run.
func (s *Store) SetSandboxStatus(ctx context.Context, runID string, status SandboxStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_runs SET sandbox_status = ? WHERE id = ?;
		`, status, runID)
		if err != nil {
			return fmt.Errorf("set sandbox status: %w", err)
		}
		return requireRow(res, ErrRunNotFound)
	})
}

// SetSandboxKeepAlive pins or unpins a sandbox against cleanup.
func (s *Store) SetSandboxKeepAlive(ctx context.Context, runID string, keepAlive bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_runs SET sandbox_keep_alive = ? WHERE id = ?;
		`, keepAlive, runID)
		if err != nil {
			return fmt.Errorf("set sandbox keep alive: %w", err)
		}
		return requireRow(res, ErrRunNotFound)
	})
}

// ScheduleSandboxStop stamps (or clears, with nil) the TTL expiry for a
// run's sandbox.
func (s *Store) ScheduleSandboxStop(ctx context.Context, runID string, at *time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_runs SET sandbox_scheduled_stop_at = ? WHERE id = ?;
		`, nullTime(at), runID)
		if err != nil {
			return fmt.Errorf("schedule sandbox stop: %w", err)
		}
		return requireRow(res, ErrRunNotFound)
	})
}

// CrownedRun returns the crowned run for a task, or nil when none is crowned.
func (s *Store) CrownedRun(ctx context.Context, taskID string) (*TaskRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM task_runs WHERE task_id = ? AND is_crowned = 1;
	`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("crowned run: %w", err)
	}
	return run, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
