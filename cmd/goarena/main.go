package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/basket/go-arena/internal/audit"
	"github.com/basket/go-arena/internal/bus"
	"github.com/basket/go-arena/internal/config"
	"github.com/basket/go-arena/internal/crown"
	"github.com/basket/go-arena/internal/judge"
	"github.com/basket/go-arena/internal/lifecycle"
	otelPkg "github.com/basket/go-arena/internal/otel"
	"github.com/basket/go-arena/internal/persistence"
	"github.com/basket/go-arena/internal/runtree"
	"github.com/basket/go-arena/internal/sandbox"
	"github.com/basket/go-arena/internal/telemetry"
	"github.com/basket/go-arena/internal/tracker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the orchestrator: completion tracking,
                              crown evaluation and the sandbox sweeper.

SUBCOMMANDS:
  %s crown <task-id> <run-id> [reason...]
                              Manually crown a run (e.g. after a judge failure)
  %s tree <task-id>           Print the run tree for a task
  %s cleanup                  Print the sandbox cleanup ranking as JSON
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOARENA_HOME            Data directory (default: ~/.goarena)
  GOARENA_JUDGE_PROVIDER  Judge backend: google, anthropic, openai, openai_compatible
  GOOGLE_API_KEY          Judge key for the google provider
  ANTHROPIC_API_KEY       Judge key for the anthropic provider
  OPENAI_API_KEY          Judge key for the openai providers
`)
}

func main() {
	_ = godotenv.Load()

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "crown":
			os.Exit(runCrownCommand(ctx, args[1:]))
		case "tree":
			os.Exit(runTreeCommand(ctx, args[1:]))
		case "cleanup":
			os.Exit(runCleanupCommand(ctx))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet || cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "goarena.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Config is the source of truth for the cleanup policy; persist it so
	// readers that only see the store get the effective values.
	if err := store.PutContainerSettings(ctx, cfg.ContainerSettings()); err != nil {
		fatalStartup(logger, "E_SETTINGS_SEED", err)
	}

	judgeOracle := judge.NewGenkitJudge(ctx, cfg.ResolveJudge(), logger)

	evaluator := crown.New(crown.Config{
		Store:   store,
		Judge:   judgeOracle,
		Logger:  logger,
		Bus:     eventBus,
		Tracer:  otelProvider.Tracer,
		Metrics: metrics,
	})

	completionTracker := tracker.New(store, evaluator, logger)
	listener := tracker.NewListener(completionTracker, eventBus)
	listener.Start(ctx)
	defer listener.Stop()

	provider, err := newSandboxProvider(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	defer provider.Close()

	sweeper, err := lifecycle.NewSweeper(lifecycle.Config{
		Store:     store,
		Sandboxes: provider,
		Logger:    logger,
		Bus:       eventBus,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		Interval:  time.Duration(cfg.Containers.SweepIntervalSeconds) * time.Second,
		CronExpr:  cfg.Containers.SweepCron,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable, hot reload disabled", "error", err)
	} else {
		go reloadLoop(ctx, watcher, store, logger)
	}

	logger.Info("goarena started",
		"version", Version,
		"judge_provider", cfg.Judge.Provider,
		"sandbox_provider", cfg.Containers.Provider,
	)

	<-ctx.Done()
	logger.Info("shutting down")
}

// reloadLoop re-reads config.yaml on change and re-persists the cleanup
// policy so the next sweep picks it up.
func reloadLoop(ctx context.Context, watcher *config.Watcher, store *persistence.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed, keeping previous settings", "error", err)
				continue
			}
			if err := store.PutContainerSettings(ctx, cfg.ContainerSettings()); err != nil {
				logger.Error("failed to apply reloaded container settings", "error", err)
				continue
			}
			audit.Record(ctx, audit.ActionSettingsWrite, "reloaded", "container_settings", cfg.Fingerprint())
			logger.Info("config reloaded", "fingerprint", cfg.Fingerprint())
		}
	}
}

func newSandboxProvider(cfg config.Config, logger *slog.Logger) (sandbox.Provider, error) {
	switch cfg.Containers.Provider {
	case "fake":
		return sandbox.NewFakeProvider(), nil
	default:
		return sandbox.NewDockerProvider(sandbox.DockerConfig{
			Image:       cfg.Containers.Image,
			MemoryMB:    cfg.Containers.MemoryMB,
			NetworkMode: cfg.Containers.Network,
			Logger:      logger,
		})
	}
}

// runCrownCommand manually assigns the crown for a task, for operator
// recovery after a judge failure.
func runCrownCommand(ctx context.Context, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: goarena crown <task-id> <run-id> [reason...]")
		return 2
	}
	taskID, runID := args[0], args[1]
	reason := "Manually assigned"
	if len(args) > 2 {
		reason = strings.Join(args[2:], " ")
	}

	store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	if err := store.AssignCrownManually(ctx, taskID, runID, reason); err != nil {
		fmt.Fprintf(os.Stderr, "assign crown: %v\n", err)
		return 1
	}
	fmt.Printf("crowned run %s for task %s\n", runID, taskID)
	return 0
}

// runTreeCommand prints the run tree for a task, crowned runs marked.
func runTreeCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: goarena tree <task-id>")
		return 2
	}
	taskID := args[0]

	store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get task: %v\n", err)
		return 1
	}
	runs, err := store.ListRuns(ctx, taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list runs: %v\n", err)
		return 1
	}

	roots := runtree.Build(runs)
	fmt.Printf("task %s (completed=%v, runs=%d)\n", task.ID, task.IsCompleted, runtree.Count(roots))
	printTree(roots, "")
	return 0
}

func printTree(nodes []*runtree.Node, indent string) {
	for _, node := range nodes {
		mark := ""
		if node.Run.IsCrowned {
			mark = " [crowned]"
		}
		fmt.Printf("%s- %s %s (%s)%s\n", indent, node.Run.ID, node.Run.AgentName, node.Run.Status, mark)
		printTree(node.Children, indent+"  ")
	}
}

// runCleanupCommand prints the advisory cleanup ranking.
func runCleanupCommand(ctx context.Context) int {
	store, err := openStore()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	settings, err := store.GetContainerSettings(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load settings: %v\n", err)
		return 1
	}
	runs, err := store.ListRunningSandboxRuns(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sandboxes: %v\n", err)
		return 1
	}

	plan := lifecycle.PrioritizeForCleanup(settings, runs, time.Now().UTC())
	out := struct {
		Total          int      `json:"total"`
		ProtectedCount int      `json:"protected_count"`
		Review         []string `json:"review_containers"`
		Active         []string `json:"active_containers"`
		Prioritized    []string `json:"prioritized"`
	}{
		Total:          plan.Total,
		ProtectedCount: plan.ProtectedCount,
		Review:         sandboxIDs(plan.ReviewContainers),
		Active:         sandboxIDs(plan.ActiveContainers),
		Prioritized:    sandboxIDs(plan.Prioritized),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode report: %v\n", err)
		return 1
	}
	return 0
}

func sandboxIDs(runs []persistence.TaskRun) []string {
	ids := make([]string, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.Sandbox.ID)
	}
	return ids
}

func openStore() (*persistence.Store, error) {
	home := config.HomeDir()
	store, err := persistence.Open(filepath.Join(home, "goarena.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", "fatal", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
