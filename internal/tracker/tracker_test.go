package tracker_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-arena/internal/bus"
	"github.com/basket/go-arena/internal/crown"
	"github.com/basket/go-arena/internal/judge"
	"github.com/basket/go-arena/internal/persistence"
	"github.com/basket/go-arena/internal/tracker"
)

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goarena.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedTask(t *testing.T, store *persistence.Store, statuses ...persistence.RunStatus) (string, []string) {
	t.Helper()
	ctx := context.Background()
	taskID, err := store.InsertTask(ctx, "refactor the parser")
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	base := time.Date(2026, 8, 21, 9, 0, 0, 0, time.UTC)
	runIDs := make([]string, 0, len(statuses))
	for i, status := range statuses {
		completedAt := base.Add(time.Duration(i+5) * time.Minute)
		run := persistence.TaskRun{
			TaskID:    taskID,
			AgentName: []string{"claude-code", "codex", "gemini-cli", "amp"}[i%4],
			Status:    status,
			Artifact:  "patch",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if status.Terminal() {
			run.CompletedAt = &completedAt
		}
		id, err := store.InsertRun(ctx, run)
		if err != nil {
			t.Fatalf("insert run: %v", err)
		}
		runIDs = append(runIDs, id)
	}
	return taskID, runIDs
}

func newTracker(store *persistence.Store, j judge.Judge) *tracker.Tracker {
	return tracker.New(store, crown.New(crown.Config{Store: store, Judge: j}), nil)
}

func TestResolve_NotReadyLeavesTaskUntouched(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, _ := seedTask(t, store, persistence.RunStatusCompleted, persistence.RunStatusRunning)

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != "" {
		t.Fatalf("winner = %q, want none while a run is in flight", winner)
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.IsCompleted {
		t.Fatal("task must stay open while runs are in flight")
	}
	crowned, err := store.CrownedRun(ctx, taskID)
	if err != nil {
		t.Fatalf("crowned run: %v", err)
	}
	if crowned != nil {
		t.Fatal("no crown before all runs settle")
	}
}

func TestResolve_NoRunsIsNoOp(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, err := store.InsertTask(ctx, "empty task")
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != "" {
		t.Fatalf("winner = %q", winner)
	}
}

func TestResolve_SingleCompletedRunIsCrownedWithoutJudge(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, runIDs := seedTask(t, store, persistence.RunStatusCompleted)

	// The judge must never be consulted for a lone survivor.
	tr := newTracker(store, &judge.StaticJudge{Err: contextErr("judge must not be called")})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != runIDs[0] {
		t.Fatalf("winner = %s, want %s", winner, runIDs[0])
	}

	crowned, err := store.CrownedRun(ctx, taskID)
	if err != nil {
		t.Fatalf("crowned run: %v", err)
	}
	if crowned == nil || crowned.ID != runIDs[0] {
		t.Fatalf("crowned = %+v", crowned)
	}
	if crowned.CrownReason != "Only one model completed the task" {
		t.Fatalf("crown reason = %q", crowned.CrownReason)
	}

	eval, err := store.GetCrownEvaluation(ctx, taskID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	if eval != nil {
		t.Fatal("single-run crown records no evaluation")
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.IsCompleted {
		t.Fatal("task must be completed")
	}

	// Resolving again after the crown is a stable no-op.
	again, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again != runIDs[0] {
		t.Fatalf("second resolve winner = %s", again)
	}
}

func TestResolve_SingleFailedRunCompletesWithoutCrown(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, _ := seedTask(t, store, persistence.RunStatusFailed)

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != "" {
		t.Fatalf("winner = %q", winner)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.IsCompleted {
		t.Fatal("task must complete even when its only run failed")
	}
	crowned, err := store.CrownedRun(ctx, taskID)
	if err != nil {
		t.Fatalf("crowned run: %v", err)
	}
	if crowned != nil {
		t.Fatal("failed run must not be crowned")
	}
}

func TestResolve_AllFailedCompletesWithoutCrown(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, _ := seedTask(t, store,
		persistence.RunStatusFailed, persistence.RunStatusFailed, persistence.RunStatusFailed)

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != "" {
		t.Fatalf("winner = %q", winner)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.IsCompleted {
		t.Fatal("task must complete")
	}
	eval, err := store.GetCrownEvaluation(ctx, taskID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	if eval != nil {
		t.Fatal("no evaluation without completed runs")
	}
}

func TestResolve_OneCompletedTwoFailedGetsNoCrown(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, _ := seedTask(t, store,
		persistence.RunStatusCompleted, persistence.RunStatusFailed, persistence.RunStatusFailed)

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != "" {
		t.Fatalf("winner = %q, a lone survivor among several runs is not crowned", winner)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.IsCompleted {
		t.Fatal("task must complete")
	}
	crowned, err := store.CrownedRun(ctx, taskID)
	if err != nil {
		t.Fatalf("crowned run: %v", err)
	}
	if crowned != nil {
		t.Fatalf("crowned = %q", crowned.ID)
	}
	eval, err := store.GetCrownEvaluation(ctx, taskID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	if eval != nil {
		t.Fatal("no evaluation below two completed runs")
	}
}

func TestResolve_MultiCompletedInvokesJudgeOnce(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, runIDs := seedTask(t, store,
		persistence.RunStatusCompleted, persistence.RunStatusCompleted, persistence.RunStatusFailed)

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 1, Reason: "better tests"})
	for i := 0; i < 5; i++ {
		winner, err := tr.Resolve(ctx, taskID)
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if winner != runIDs[1] {
			t.Fatalf("resolve %d winner = %s, want %s", i, winner, runIDs[1])
		}
	}

	eval, err := store.GetCrownEvaluation(ctx, taskID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	if eval == nil {
		t.Fatal("expected exactly one evaluation record")
	}
	if len(eval.CandidateRunIDs) != 2 {
		t.Fatalf("candidates = %v, failed runs must not be judged", eval.CandidateRunIDs)
	}
	crowned, err := store.CrownedRun(ctx, taskID)
	if err != nil {
		t.Fatalf("crowned run: %v", err)
	}
	if crowned == nil || crowned.ID != runIDs[1] {
		t.Fatalf("crowned = %+v", crowned)
	}
}

func TestResolve_ReportsPendingWhenEvaluationClaimedElsewhere(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	taskID, _ := seedTask(t, store, persistence.RunStatusCompleted, persistence.RunStatusCompleted)

	claimed, err := store.TryClaimEvaluation(ctx, taskID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Fatal("setup claim failed")
	}

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	winner, err := tr.Resolve(ctx, taskID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if winner != tracker.Pending {
		t.Fatalf("winner = %q, want %q while another evaluation holds the claim", winner, tracker.Pending)
	}
	eval, err := store.GetCrownEvaluation(ctx, taskID)
	if err != nil {
		t.Fatalf("get evaluation: %v", err)
	}
	if eval != nil {
		t.Fatal("no evaluation record while claim is held elsewhere")
	}
}

func TestListener_CrownsOnRunCompletionEvent(t *testing.T) {
	eventBus := bus.New()
	store := openTestStore(t, eventBus)
	ctx := context.Background()
	taskID, err := store.InsertTask(ctx, "wire up the listener")
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	runID, err := store.InsertRun(ctx, persistence.TaskRun{TaskID: taskID, AgentName: "claude-code"})
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	tr := newTracker(store, &judge.StaticJudge{WinnerIndex: 0})
	listener := tracker.NewListener(tr, eventBus)
	listener.Start(ctx)
	defer listener.Stop()

	if err := store.UpdateRunStatus(ctx, runID, persistence.RunStatusRunning); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := store.UpdateRunStatus(ctx, runID, persistence.RunStatusCompleted); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		crowned, err := store.CrownedRun(ctx, taskID)
		if err != nil {
			t.Fatalf("crowned run: %v", err)
		}
		if crowned != nil {
			if crowned.ID != runID {
				t.Fatalf("crowned = %s, want %s", crowned.ID, runID)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the listener to crown the run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type contextErr string

func (e contextErr) Error() string { return string(e) }
