package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	t.Setenv("GOARENA_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.Judge.Provider != "google" {
		t.Fatalf("judge provider = %s", cfg.Judge.Provider)
	}
	if cfg.Containers.Provider != "docker" {
		t.Fatalf("sandbox provider = %s", cfg.Containers.Provider)
	}
	if !cfg.Containers.AutoCleanupEnabled || cfg.Containers.MinContainersToKeep != 1 || cfg.Containers.ReviewPeriodMinutes != 60 {
		t.Fatalf("container defaults = %+v", cfg.Containers)
	}
	if cfg.Containers.SweepIntervalSeconds != 60 {
		t.Fatalf("sweep interval = %d", cfg.Containers.SweepIntervalSeconds)
	}
	if cfg.OTel.Exporter != "none" {
		t.Fatalf("otel exporter = %s", cfg.OTel.Exporter)
	}
}

func TestLoad_ReadsYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOARENA_HOME", home)
	yaml := `
log_level: debug
judge:
  provider: anthropic
  anthropic_model: claude-sonnet-4-5
containers:
  provider: fake
  min_containers_to_keep: 3
  review_period_minutes: 15
  auto_cleanup_enabled: true
  sweep_cron: "*/5 * * * *"
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %s", cfg.LogLevel)
	}
	if cfg.Judge.Provider != "anthropic" {
		t.Fatalf("judge provider = %s", cfg.Judge.Provider)
	}
	jc := cfg.ResolveJudge()
	if jc.Model != "claude-sonnet-4-5" {
		t.Fatalf("judge model = %s", jc.Model)
	}
	settings := cfg.ContainerSettings()
	if settings.MinContainersToKeep != 3 || settings.ReviewPeriodMinutes != 15 || !settings.AutoCleanupEnabled {
		t.Fatalf("settings = %+v", settings)
	}
	if cfg.Containers.SweepCron != "*/5 * * * *" {
		t.Fatalf("sweep cron = %s", cfg.Containers.SweepCron)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GOARENA_HOME", t.TempDir())
	t.Setenv("GOARENA_JUDGE_PROVIDER", "openai")
	t.Setenv("GOARENA_SANDBOX_PROVIDER", "fake")
	t.Setenv("GOARENA_SWEEP_INTERVAL_SECONDS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Judge.Provider != "openai" {
		t.Fatalf("judge provider = %s", cfg.Judge.Provider)
	}
	if cfg.Containers.Provider != "fake" {
		t.Fatalf("sandbox provider = %s", cfg.Containers.Provider)
	}
	if cfg.Containers.SweepIntervalSeconds != 5 {
		t.Fatalf("sweep interval = %d", cfg.Containers.SweepIntervalSeconds)
	}
}

func TestLoad_LegacyGeminiProviderName(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOARENA_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"),
		[]byte("judge:\n  provider: gemini\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Judge.Provider != "google" {
		t.Fatalf("judge provider = %s, want legacy name normalized", cfg.Judge.Provider)
	}
}

func TestLoad_RejectsUnknownProviders(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOARENA_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"),
		[]byte("judge:\n  provider: mystery\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unknown judge provider")
	}
}

func TestJudgeAPIKey_EnvTakesPrecedence(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	cfg := Config{APIKeys: map[string]string{"anthropic": "file-key"}}
	if got := cfg.JudgeAPIKey("anthropic"); got != "env-key" {
		t.Fatalf("key = %s", got)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	if got := cfg.JudgeAPIKey("anthropic"); got != "file-key" {
		t.Fatalf("key = %s", got)
	}
}

func TestFingerprint_TracksPolicyChanges(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Containers.MinContainersToKeep = 7
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("policy change must change the fingerprint")
	}
}

func TestWatcher_ReportsConfigWrites(t *testing.T) {
	home := t.TempDir()
	watcher := NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	path := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case ev := <-watcher.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("event path = %s", ev.Path)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a reload event")
	}

	// Unrelated files in the home directory are ignored.
	if err := os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated file: %v", err)
	}
	select {
	case ev := <-watcher.Events():
		if filepath.Base(ev.Path) != "config.yaml" {
			t.Fatalf("unexpected event for %s", ev.Path)
		}
	case <-time.After(300 * time.Millisecond):
	}
}
