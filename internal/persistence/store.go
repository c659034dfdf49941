package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-arena/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// v1 schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ga-v1-2026-08-20-arena-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Crown marker values carried in tasks.crown_error. Any other non-empty value
// is a human-readable evaluation failure, not a lock token.
const (
	CrownMarkerPending    = "pending_evaluation"
	CrownMarkerInProgress = "in_progress"
)

// CrownReasonSingleRun is the reason recorded when a lone completed run is
// crowned without comparison.
const CrownReasonSingleRun = "Only one model completed the task"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrRunNotFound       = errors.New("run not found")
	ErrEvaluationExists  = errors.New("crown evaluation already exists for task")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal run state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusPending: {
		RunStatusRunning: {},
		RunStatusFailed:  {},
	},
	RunStatusRunning: {
		RunStatusCompleted: {},
		RunStatusFailed:    {},
	},
}

type SandboxStatus string

const (
	SandboxStatusStarting SandboxStatus = "starting"
	SandboxStatusRunning  SandboxStatus = "running"
	SandboxStatusStopped  SandboxStatus = "stopped"
)

type Task struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	IsCompleted bool      `json:"is_completed"`
	CrownError  string    `json:"crown_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Sandbox is the sandbox sub-record of a run. The external resource is torn
// down by the sweeper; the record itself is never deleted.
type Sandbox struct {
	ID              string        `json:"id,omitempty"`
	Status          SandboxStatus `json:"status"`
	KeepAlive       bool          `json:"keep_alive"`
	ScheduledStopAt *time.Time    `json:"scheduled_stop_at,omitempty"`
	Provider        string        `json:"provider,omitempty"`
	VSCodeURL       string        `json:"vscode_url,omitempty"`
	WorkerURL       string        `json:"worker_url,omitempty"`
	WorkspaceURL    string        `json:"workspace_url,omitempty"`
}

type TaskRun struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	Status      RunStatus  `json:"status"`
	AgentName   string     `json:"agent_name"`
	IsCrowned   bool       `json:"is_crowned"`
	CrownReason string     `json:"crown_reason,omitempty"`
	Artifact    string     `json:"artifact,omitempty"`
	LogTail     string     `json:"log_tail,omitempty"`
	Sandbox     Sandbox    `json:"sandbox"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type CrownEvaluation struct {
	ID                 string    `json:"id"`
	TaskID             string    `json:"task_id"`
	WinnerRunID        string    `json:"winner_run_id"`
	CandidateRunIDs    []string  `json:"candidate_run_ids"`
	EvaluationPrompt   string    `json:"evaluation_prompt"`
	EvaluationResponse string    `json:"evaluation_response"`
	EvaluatedAt        time.Time `json:"evaluated_at"`
}

type ContainerSettings struct {
	AutoCleanupEnabled  bool `json:"auto_cleanup_enabled"`
	MinContainersToKeep int  `json:"min_containers_to_keep"`
	ReviewPeriodMinutes int  `json:"review_period_minutes"`
}

// DefaultContainerSettings are applied when no row has been stored yet.
func DefaultContainerSettings() ContainerSettings {
	return ContainerSettings{
		AutoCleanupEnabled:  true,
		MinContainersToKeep: 1,
		ReviewPeriodMinutes: 60,
	}
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goarena", "goarena.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Add jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 wraps errors as sqlite3.Error with Code field.
	// Check the error string for the code to avoid a direct dependency
	// on the sqlite3 package in non-CGO-importing code paths.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation checks for a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			is_completed INTEGER NOT NULL DEFAULT 0,
			crown_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			parent_run_id TEXT,
			status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed')),
			agent_name TEXT NOT NULL,
			is_crowned INTEGER NOT NULL DEFAULT 0,
			crown_reason TEXT,
			artifact TEXT NOT NULL DEFAULT '',
			log_tail TEXT NOT NULL DEFAULT '',
			sandbox_id TEXT NOT NULL DEFAULT '',
			sandbox_status TEXT NOT NULL DEFAULT 'starting' CHECK(sandbox_status IN ('starting', 'running', 'stopped')),
			sandbox_keep_alive INTEGER NOT NULL DEFAULT 0,
			sandbox_scheduled_stop_at DATETIME,
			sandbox_provider TEXT NOT NULL DEFAULT '',
			sandbox_vscode_url TEXT NOT NULL DEFAULT '',
			sandbox_worker_url TEXT NOT NULL DEFAULT '',
			sandbox_workspace_url TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			completed_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS crown_evaluations (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id),
			winner_run_id TEXT NOT NULL REFERENCES task_runs(id),
			candidate_run_ids TEXT NOT NULL,
			evaluation_prompt TEXT NOT NULL,
			evaluation_response TEXT NOT NULL,
			evaluated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS container_settings (
			id INTEGER PRIMARY KEY CHECK(id = 1),
			auto_cleanup_enabled INTEGER NOT NULL DEFAULT 1,
			min_containers_to_keep INTEGER NOT NULL DEFAULT 1,
			review_period_minutes INTEGER NOT NULL DEFAULT 60,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_status ON task_runs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_sandbox_status ON task_runs(sandbox_status);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}
