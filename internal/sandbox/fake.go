package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FakeProvider is an in-memory sandbox backend for tests and for running
// the orchestrator without a container engine.
type FakeProvider struct {
	mu      sync.Mutex
	nextID  int
	running map[string]*fakeInstance

	// StartErr, when set, makes every Start fail with it.
	StartErr error
}

// NewFakeProvider creates an empty in-memory provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{running: make(map[string]*fakeInstance)}
}

func (p *FakeProvider) NewInstance(runID string) Instance {
	return &fakeInstance{provider: p, runID: runID, repos: make(map[string]*RepoStatus)}
}

func (p *FakeProvider) StopSandbox(_ context.Context, sandboxID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Unknown or already-stopped sandboxes are fine.
	delete(p.running, sandboxID)
	return nil
}

// RunningSandboxes returns the IDs of sandboxes that are currently up.
func (p *FakeProvider) RunningSandboxes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *FakeProvider) Close() error { return nil }

type fakeInstance struct {
	provider  *FakeProvider
	runID     string
	sandboxID string

	mu          sync.Mutex
	repos       map[string]*RepoStatus
	currentRepo string
}

func (f *fakeInstance) Start(_ context.Context) (*StartInfo, error) {
	p := f.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	p.nextID++
	f.sandboxID = fmt.Sprintf("fake-%d", p.nextID)
	p.running[f.sandboxID] = f
	return &StartInfo{
		SandboxID:    f.sandboxID,
		Provider:     "fake",
		VSCodeURL:    fmt.Sprintf("http://localhost:8080/%s", f.sandboxID),
		WorkerURL:    fmt.Sprintf("http://localhost:39377/%s", f.sandboxID),
		WorkspaceURL: fmt.Sprintf("http://localhost:8080/%s/?folder=/workspace", f.sandboxID),
	}, nil
}

func (f *fakeInstance) Stop(ctx context.Context) error {
	return f.provider.StopSandbox(ctx, f.sandboxID)
}

func (f *fakeInstance) Status(_ context.Context) (Status, error) {
	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if _, ok := f.provider.running[f.sandboxID]; ok {
		return Status{Running: true, Info: "running"}, nil
	}
	return Status{}, nil
}

func (f *fakeInstance) CloneRepo(_ context.Context, url, name, branch string) error {
	if url == "" || name == "" {
		return fmt.Errorf("clone repo: url and name required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.repos[name]; exists {
		return fmt.Errorf("clone repo %s: already exists", name)
	}
	if branch == "" {
		branch = "main"
	}
	f.repos[name] = &RepoStatus{Branch: branch}
	if f.currentRepo == "" {
		f.currentRepo = name
	}
	return nil
}

func (f *fakeInstance) SwitchRepo(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.repos[name]; !ok {
		return fmt.Errorf("switch repo %s: not found", name)
	}
	f.currentRepo = name
	return nil
}

func (f *fakeInstance) FetchRepo(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.repos[name]; !ok {
		return fmt.Errorf("fetch repo %s: not found", name)
	}
	return nil
}

func (f *fakeInstance) RepoStatus(_ context.Context, name string) (*RepoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.repos[name]
	if !ok {
		return nil, fmt.Errorf("repo status %s: not found", name)
	}
	copied := *st
	return &copied, nil
}

func (f *fakeInstance) ListRepos(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.repos))
	for name := range f.repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeInstance) RemoveRepo(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.repos[name]; !ok {
		return fmt.Errorf("remove repo %s: not found", name)
	}
	delete(f.repos, name)
	if f.currentRepo == name {
		f.currentRepo = ""
	}
	return nil
}

// MarkDirty flags a repo as having uncommitted changes, for tests.
func (f *fakeInstance) MarkDirty(name string, files int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.repos[name]; ok {
		st.UncommittedFileCount = files
		st.IsDirty = files > 0
	}
}
