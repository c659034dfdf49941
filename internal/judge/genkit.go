package judge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

const judgeSystemPrompt = "You are a strict evaluator of AI coding agent output. " +
	"You compare candidate diffs for the same task and answer only with the requested JSON object."

// Config selects the LLM provider backing the judge.
type Config struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitJudge scores comparison requests through a Genkit model call.
type GenkitJudge struct {
	g        *genkit.Genkit
	provider string
	model    string
	ready    bool
	logger   *slog.Logger
}

// NewGenkitJudge initializes the provider plugin for the configured judge
// model. Without an API key the judge is not ready and every Score call
// fails, which callers record as a judge failure on the task.
func NewGenkitJudge(ctx context.Context, cfg Config, logger *slog.Logger) *GenkitJudge {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	j := &GenkitJudge{provider: provider, model: modelID, logger: logger}

	switch provider {
	case "anthropic":
		if apiKey != "" {
			j.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			j.ready = true
		}
	case "openai":
		if apiKey != "" {
			j.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			j.ready = true
		}
	case "openai_compatible":
		if apiKey != "" {
			j.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			j.ready = true
		}
	default: // google
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			j.g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+modelID),
			)
			j.ready = true
		}
	}

	if j.ready {
		logger.Info("crown judge initialized", "provider", provider, "model", modelID)
	} else {
		j.g = genkit.Init(ctx)
		logger.Warn("no API key for crown judge; evaluations will fail until configured", "provider", provider)
	}
	return j
}

// Ready reports whether the judge has a configured provider.
func (j *GenkitJudge) Ready() bool {
	return j.ready
}

func (j *GenkitJudge) Score(ctx context.Context, req Request) (*Verdict, error) {
	if len(req.Candidates) < 2 {
		return nil, fmt.Errorf("judge needs at least 2 candidates, got %d", len(req.Candidates))
	}
	if !j.ready {
		return nil, fmt.Errorf("judge provider %q has no API key configured", j.provider)
	}

	prompt := BuildPrompt(req)
	resp, err := genkit.Generate(ctx, j.g,
		ai.WithModelName(modelNameForProvider(j.provider, j.model)),
		ai.WithSystem(judgeSystemPrompt),
		ai.WithPrompt("%s", prompt),
	)
	if err != nil {
		return nil, fmt.Errorf("judge model call: %w", err)
	}

	verdict, err := ParseVerdict(resp.Text(), len(req.Candidates))
	if err != nil {
		return nil, fmt.Errorf("parse judge response: %w", err)
	}
	return verdict, nil
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}
