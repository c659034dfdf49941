// Package sandbox defines the provider-agnostic lifecycle contract for
// the isolated environments that agent runs execute in, plus the Docker
// backend and an in-memory fake for tests.
package sandbox

import "context"

// StartInfo describes a freshly started sandbox.
type StartInfo struct {
	SandboxID    string `json:"sandbox_id"`
	VSCodeURL    string `json:"vscode_url,omitempty"`
	WorkerURL    string `json:"worker_url,omitempty"`
	WorkspaceURL string `json:"workspace_url,omitempty"`
	Provider     string `json:"provider"`
}

// Status reports whether a sandbox is up.
type Status struct {
	Running bool   `json:"running"`
	Info    string `json:"info,omitempty"`
}

// RepoStatus describes the working tree of a repository inside a sandbox.
type RepoStatus struct {
	Branch               string `json:"branch"`
	IsDirty              bool   `json:"is_dirty"`
	UncommittedFileCount int    `json:"uncommitted_file_count"`
}

// Instance is one sandbox. Stop must be idempotent: stopping an
// already-stopped or already-gone sandbox returns nil.
type Instance interface {
	Start(ctx context.Context) (*StartInfo, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (Status, error)

	CloneRepo(ctx context.Context, url, name, branch string) error
	SwitchRepo(ctx context.Context, name string) error
	FetchRepo(ctx context.Context, name string) error
	RepoStatus(ctx context.Context, name string) (*RepoStatus, error)
	ListRepos(ctx context.Context) ([]string, error)
	RemoveRepo(ctx context.Context, name string) error
}

// Provider creates instances and can tear down a sandbox by its external
// ID without holding the Instance that started it.
type Provider interface {
	NewInstance(runID string) Instance
	StopSandbox(ctx context.Context, sandboxID string) error
	Close() error
}
