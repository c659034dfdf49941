package sandbox

import (
	"context"
	"testing"
)

func TestFakeProvider_StartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	provider := NewFakeProvider()
	inst := provider.NewInstance("run-1")

	info, err := inst.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.SandboxID == "" || info.Provider != "fake" {
		t.Fatalf("start info = %+v", info)
	}
	if info.VSCodeURL == "" || info.WorkerURL == "" || info.WorkspaceURL == "" {
		t.Fatalf("start info missing URLs: %+v", info)
	}

	st, err := inst.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running {
		t.Fatal("sandbox should be running after start")
	}

	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
	if err := provider.StopSandbox(ctx, "never-existed"); err != nil {
		t.Fatalf("stopping an unknown sandbox must be a no-op, got %v", err)
	}

	st, err = inst.Status(ctx)
	if err != nil {
		t.Fatalf("status after stop: %v", err)
	}
	if st.Running {
		t.Fatal("sandbox should not be running after stop")
	}
}

func TestFakeProvider_RepoOperations(t *testing.T) {
	ctx := context.Background()
	provider := NewFakeProvider()
	inst := provider.NewInstance("run-1")
	if _, err := inst.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := inst.CloneRepo(ctx, "https://example.com/a.git", "alpha", ""); err != nil {
		t.Fatalf("clone alpha: %v", err)
	}
	if err := inst.CloneRepo(ctx, "https://example.com/b.git", "beta", "dev"); err != nil {
		t.Fatalf("clone beta: %v", err)
	}
	if err := inst.CloneRepo(ctx, "https://example.com/a.git", "alpha", ""); err == nil {
		t.Fatal("duplicate clone must fail")
	}

	repos, err := inst.ListRepos(ctx)
	if err != nil {
		t.Fatalf("list repos: %v", err)
	}
	if len(repos) != 2 || repos[0] != "alpha" || repos[1] != "beta" {
		t.Fatalf("repos = %v", repos)
	}

	st, err := inst.RepoStatus(ctx, "beta")
	if err != nil {
		t.Fatalf("repo status: %v", err)
	}
	if st.Branch != "dev" || st.IsDirty {
		t.Fatalf("status = %+v", st)
	}

	inst.(*fakeInstance).MarkDirty("beta", 3)
	st, err = inst.RepoStatus(ctx, "beta")
	if err != nil {
		t.Fatalf("repo status: %v", err)
	}
	if !st.IsDirty || st.UncommittedFileCount != 3 {
		t.Fatalf("status = %+v", st)
	}

	if err := inst.SwitchRepo(ctx, "beta"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := inst.SwitchRepo(ctx, "missing"); err == nil {
		t.Fatal("switching to an unknown repo must fail")
	}
	if err := inst.FetchRepo(ctx, "alpha"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := inst.RemoveRepo(ctx, "alpha"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := inst.RepoStatus(ctx, "alpha"); err == nil {
		t.Fatal("removed repo must be gone")
	}
}

func TestParseRepoStatus(t *testing.T) {
	st := parseRepoStatus("main\n", "")
	if st.Branch != "main" || st.IsDirty || st.UncommittedFileCount != 0 {
		t.Fatalf("clean tree = %+v", st)
	}

	st = parseRepoStatus("feature/x\n", " M go.mod\n?? notes.txt\n")
	if st.Branch != "feature/x" || !st.IsDirty || st.UncommittedFileCount != 2 {
		t.Fatalf("dirty tree = %+v", st)
	}
}

func TestDockerProvider_ConfigDefaults(t *testing.T) {
	provider, err := NewDockerProvider(DockerConfig{})
	if err != nil {
		// No docker socket in CI; the client itself should still construct,
		// but skip rather than fail if the environment forbids it.
		t.Skip("docker client init failed:", err)
	}
	defer provider.Close()

	if provider.image != "goarena/sandbox:latest" {
		t.Errorf("image = %s", provider.image)
	}
	if provider.memoryBytes != 2048*1024*1024 {
		t.Errorf("memory = %d", provider.memoryBytes)
	}
	if provider.networkMode != "bridge" {
		t.Errorf("network mode = %s", provider.networkMode)
	}
}
