package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	dockerProviderName = "docker"
	workspaceDir       = "/workspace"
	runLabel           = "goarena.run_id"

	vscodePort = nat.Port("8080/tcp")
	workerPort = nat.Port("39377/tcp")
)

// DockerProvider runs sandboxes as long-lived Docker containers with a
// code-server and a worker port published to the host.
type DockerProvider struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	logger      *slog.Logger
}

// DockerConfig configures the Docker sandbox backend.
type DockerConfig struct {
	Image       string // defaults to goarena/sandbox:latest
	MemoryMB    int64  // defaults to 2048
	NetworkMode string // defaults to bridge
	Logger      *slog.Logger
}

// NewDockerProvider creates a Docker-backed sandbox provider.
func NewDockerProvider(cfg DockerConfig) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if cfg.Image == "" {
		cfg.Image = "goarena/sandbox:latest"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 2048
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DockerProvider{
		client:      cli,
		image:       cfg.Image,
		memoryBytes: cfg.MemoryMB * 1024 * 1024,
		networkMode: cfg.NetworkMode,
		logger:      logger,
	}, nil
}

// NewInstance returns a sandbox bound to the given run. The container is
// not created until Start is called.
func (p *DockerProvider) NewInstance(runID string) Instance {
	return &dockerInstance{provider: p, runID: runID}
}

// StopSandbox stops and removes the container by ID. Already-gone
// containers are not an error.
func (p *DockerProvider) StopSandbox(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return nil
	}
	if err := p.client.ContainerStop(ctx, sandboxID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", sandboxID, err)
	}
	if err := p.client.ContainerRemove(ctx, sandboxID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", sandboxID, err)
	}
	return nil
}

// ListSandboxes returns the container IDs of all sandboxes this provider
// created, including stopped ones.
func (p *DockerProvider) ListSandboxes(ctx context.Context) ([]string, error) {
	args := filters.NewArgs(filters.Arg("label", runLabel))
	list, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Close closes the docker client.
func (p *DockerProvider) Close() error {
	return p.client.Close()
}

type dockerInstance struct {
	provider    *DockerProvider
	runID       string
	containerID string
}

func (d *dockerInstance) Start(ctx context.Context) (*StartInfo, error) {
	p := d.provider
	resp, err := p.client.ContainerCreate(ctx, &container.Config{
		Image:      p.image,
		WorkingDir: workspaceDir,
		Labels:     map[string]string{runLabel: d.runID},
		ExposedPorts: nat.PortSet{
			vscodePort: struct{}{},
			workerPort: struct{}{},
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: p.memoryBytes,
		},
		NetworkMode:     container.NetworkMode(p.networkMode),
		PublishAllPorts: true,
	}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	d.containerID = resp.ID

	if err := p.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	inspect, err := p.client.ContainerInspect(ctx, d.containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	info := &StartInfo{
		SandboxID:    d.containerID,
		Provider:     dockerProviderName,
		VSCodeURL:    hostURL(inspect, vscodePort),
		WorkerURL:    hostURL(inspect, workerPort),
		WorkspaceURL: hostURL(inspect, vscodePort) + "/?folder=" + workspaceDir,
	}
	p.logger.Info("sandbox started",
		"run_id", d.runID,
		"sandbox_id", d.containerID,
		"vscode_url", info.VSCodeURL,
	)
	return info, nil
}

// hostURL resolves the published host address for a container port.
func hostURL(inspect container.InspectResponse, port nat.Port) string {
	if inspect.NetworkSettings == nil {
		return ""
	}
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return ""
	}
	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort)
}

func (d *dockerInstance) Stop(ctx context.Context) error {
	return d.provider.StopSandbox(ctx, d.containerID)
}

func (d *dockerInstance) Status(ctx context.Context) (Status, error) {
	if d.containerID == "" {
		return Status{}, nil
	}
	inspect, err := d.provider.client.ContainerInspect(ctx, d.containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("inspect container: %w", err)
	}
	st := Status{}
	if inspect.State != nil {
		st.Running = inspect.State.Running
		st.Info = inspect.State.Status
	}
	return st, nil
}

// exec runs a command inside the container and returns its stdout.
func (d *dockerInstance) exec(ctx context.Context, workDir string, cmd ...string) (string, error) {
	if d.containerID == "" {
		return "", fmt.Errorf("sandbox not started")
	}
	cli := d.provider.client
	created, err := cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("%s exited %d: %s", cmd[0], inspect.ExitCode, msg)
	}
	return stdout.String(), nil
}

func (d *dockerInstance) CloneRepo(ctx context.Context, url, name, branch string) error {
	args := []string{"git", "clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, name)
	if _, err := d.exec(ctx, workspaceDir, args...); err != nil {
		return fmt.Errorf("clone repo %s: %w", name, err)
	}
	return nil
}

func (d *dockerInstance) SwitchRepo(ctx context.Context, name string) error {
	// The active repo is exposed to tooling via a stable symlink.
	if _, err := d.exec(ctx, workspaceDir, "ln", "-sfn", name, "current"); err != nil {
		return fmt.Errorf("switch repo %s: %w", name, err)
	}
	return nil
}

func (d *dockerInstance) FetchRepo(ctx context.Context, name string) error {
	if _, err := d.exec(ctx, repoDir(name), "git", "fetch", "--all", "--prune"); err != nil {
		return fmt.Errorf("fetch repo %s: %w", name, err)
	}
	return nil
}

func (d *dockerInstance) RepoStatus(ctx context.Context, name string) (*RepoStatus, error) {
	branch, err := d.exec(ctx, repoDir(name), "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("repo status %s: %w", name, err)
	}
	porcelain, err := d.exec(ctx, repoDir(name), "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("repo status %s: %w", name, err)
	}
	return parseRepoStatus(branch, porcelain), nil
}

func (d *dockerInstance) ListRepos(ctx context.Context) ([]string, error) {
	out, err := d.exec(ctx, workspaceDir, "sh", "-c", "ls -d */.git 2>/dev/null || true")
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), "/.git")
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (d *dockerInstance) RemoveRepo(ctx context.Context, name string) error {
	if strings.Contains(name, "/") || strings.Contains(name, "..") || name == "" {
		return fmt.Errorf("invalid repo name %q", name)
	}
	if _, err := d.exec(ctx, workspaceDir, "rm", "-rf", name); err != nil {
		return fmt.Errorf("remove repo %s: %w", name, err)
	}
	return nil
}

func repoDir(name string) string {
	return workspaceDir + "/" + name
}

// parseRepoStatus builds a RepoStatus from `git rev-parse --abbrev-ref HEAD`
// and `git status --porcelain` output.
func parseRepoStatus(branch, porcelain string) *RepoStatus {
	st := &RepoStatus{Branch: strings.TrimSpace(branch)}
	for _, line := range strings.Split(porcelain, "\n") {
		if strings.TrimSpace(line) != "" {
			st.UncommittedFileCount++
		}
	}
	st.IsDirty = st.UncommittedFileCount > 0
	return st
}
