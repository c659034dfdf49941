// Package config loads and watches the orchestrator configuration from
// ~/.goarena/config.yaml, with environment variable overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-arena/internal/judge"
	"github.com/basket/go-arena/internal/otel"
	"github.com/basket/go-arena/internal/persistence"
)

// JudgeConfig selects and configures the crown judge model.
type JudgeConfig struct {
	// Provider names the active judge backend: "google", "anthropic",
	// "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// ContainersConfig holds sandbox backend settings and the startup
// defaults for the persisted container cleanup policy.
type ContainersConfig struct {
	// Provider names the sandbox backend: "docker" or "fake".
	Provider string `yaml:"provider"`

	Image    string `yaml:"image"`
	MemoryMB int64  `yaml:"memory_mb"`
	Network  string `yaml:"network"`

	AutoCleanupEnabled  bool `yaml:"auto_cleanup_enabled"`
	MinContainersToKeep int  `yaml:"min_containers_to_keep"`
	ReviewPeriodMinutes int  `yaml:"review_period_minutes"`

	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
	SweepCron            string `yaml:"sweep_cron"` // optional cron gate for sweeps
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Judge      JudgeConfig      `yaml:"judge"`
	Containers ContainersConfig `yaml:"containers"`
	OTel       otel.Config      `yaml:"otel"`

	// APIKeys holds judge provider keys by provider name. Env vars
	// override: GOOGLE_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
	APIKeys map[string]string `yaml:"api_keys"`
}

func defaultConfig() Config {
	settings := persistence.DefaultContainerSettings()
	return Config{
		LogLevel: "info",
		Judge: JudgeConfig{
			Provider: "google",
		},
		Containers: ContainersConfig{
			Provider:             "docker",
			AutoCleanupEnabled:   settings.AutoCleanupEnabled,
			MinContainersToKeep:  settings.MinContainersToKeep,
			ReviewPeriodMinutes:  settings.ReviewPeriodMinutes,
			SweepIntervalSeconds: 60,
		},
		OTel: otel.Config{
			Exporter: "none",
		},
	}
}

// HomeDir returns the orchestrator home directory, honoring GOARENA_HOME.
func HomeDir() string {
	if override := os.Getenv("GOARENA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goarena")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, creating the directory
// if needed. A missing file yields defaults, not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goarena home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOARENA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOARENA_JUDGE_PROVIDER"); v != "" {
		cfg.Judge.Provider = v
	}
	if v := os.Getenv("GOARENA_SANDBOX_PROVIDER"); v != "" {
		cfg.Containers.Provider = v
	}
	if v := os.Getenv("GOARENA_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Containers.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("GOARENA_OTEL_EXPORTER"); v != "" {
		cfg.OTel.Exporter = v
		cfg.OTel.Enabled = v != "none"
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Judge.Provider == "" {
		cfg.Judge.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.Judge.Provider == "gemini" {
		cfg.Judge.Provider = "google"
	}
	if cfg.Containers.Provider == "" {
		cfg.Containers.Provider = "docker"
	}
	if cfg.Containers.SweepIntervalSeconds <= 0 {
		cfg.Containers.SweepIntervalSeconds = 60
	}
	if cfg.Containers.MinContainersToKeep < 0 {
		cfg.Containers.MinContainersToKeep = 0
	}
	if cfg.Containers.ReviewPeriodMinutes < 0 {
		cfg.Containers.ReviewPeriodMinutes = 0
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
}

func validate(cfg Config) error {
	switch cfg.Judge.Provider {
	case "google", "anthropic", "openai", "openai_compatible":
	default:
		return fmt.Errorf("unknown judge provider %q", cfg.Judge.Provider)
	}
	switch cfg.Containers.Provider {
	case "docker", "fake":
	default:
		return fmt.Errorf("unknown sandbox provider %q", cfg.Containers.Provider)
	}
	if cfg.Judge.Provider == "openai_compatible" && cfg.Judge.OpenAICompatibleBaseURL == "" {
		return fmt.Errorf("judge provider openai_compatible requires openai_compatible_base_url")
	}
	return nil
}

// JudgeAPIKey returns the API key for the given judge provider, with
// environment variables taking precedence over config.yaml.
func (c Config) JudgeAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GOOGLE_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[provider]
	}
	return ""
}

// ResolveJudge returns the effective judge configuration.
func (c Config) ResolveJudge() judge.Config {
	model := ""
	switch c.Judge.Provider {
	case "anthropic":
		model = c.Judge.AnthropicModel
	case "openai", "openai_compatible":
		model = c.Judge.OpenAIModel
	case "google":
		model = c.Judge.GeminiModel
	}
	return judge.Config{
		Provider:                 c.Judge.Provider,
		Model:                    model,
		APIKey:                   c.JudgeAPIKey(c.Judge.Provider),
		OpenAICompatibleProvider: c.Judge.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  c.Judge.OpenAICompatibleBaseURL,
	}
}

// ContainerSettings converts the configured cleanup policy into the
// persisted settings record seeded on first startup.
func (c Config) ContainerSettings() persistence.ContainerSettings {
	return persistence.ContainerSettings{
		AutoCleanupEnabled:  c.Containers.AutoCleanupEnabled,
		MinContainersToKeep: c.Containers.MinContainersToKeep,
		ReviewPeriodMinutes: c.Containers.ReviewPeriodMinutes,
	}
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|judge=%s|sandbox=%s|keep=%d|review=%d|sweep=%d|cron=%s",
		c.LogLevel, c.Judge.Provider, c.Containers.Provider,
		c.Containers.MinContainersToKeep, c.Containers.ReviewPeriodMinutes,
		c.Containers.SweepIntervalSeconds, strings.TrimSpace(c.Containers.SweepCron))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
