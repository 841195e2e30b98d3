package engine

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

// ProviderSettings configures the genkit-backed generator.
type ProviderSettings struct {
	Provider string // "google", "anthropic", "openai"
	Model    string
	APIKey   string
}

// GenkitEngine is the production Generator, backed by a genkit instance with
// the configured provider plugin.
type GenkitEngine struct {
	g         *genkit.Genkit
	modelName string
	llmOn     bool
	logger    *slog.Logger
}

// NewGenkitEngine initializes genkit for the configured provider. A missing
// API key leaves the engine in a disabled state where every call errors;
// the daemon still starts so operators can inspect it.
func NewGenkitEngine(ctx context.Context, cfg ProviderSettings, logger *slog.Logger) *GenkitEngine {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false
	modelName := ""

	switch provider {
	case "anthropic":
		if cfg.APIKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  cfg.APIKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			modelName = "anthropic/" + model
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; LLM calls disabled")
		}

	case "openai":
		if cfg.APIKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   cfg.APIKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			modelName = "openai/" + model
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; LLM calls disabled")
		}

	case "google":
		if cfg.APIKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", cfg.APIKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+model),
			)
			modelName = "googleai/" + model
			llmOn = true
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Gemini API key missing; LLM calls disabled")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider; LLM calls disabled", "provider", provider)
	}

	if llmOn {
		logger.Info("LLM engine initialized", "provider", provider, "model", modelName)
	}
	return &GenkitEngine{g: g, modelName: modelName, llmOn: llmOn, logger: logger}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai":
		return "gpt-4o-mini"
	default:
		return "gemini-2.5-flash"
	}
}

// Genkit returns the underlying genkit instance for tool registration.
func (e *GenkitEngine) Genkit() *genkit.Genkit {
	return e.g
}

// Enabled reports whether a provider with an API key is configured.
func (e *GenkitEngine) Enabled() bool {
	return e.llmOn
}

// ErrLLMDisabled is returned by all calls when no provider API key is set.
var ErrLLMDisabled = fmt.Errorf("llm disabled: no provider API key configured")

func (e *GenkitEngine) GenerateStructured(ctx context.Context, req StructuredRequest) (string, error) {
	if !e.llmOn {
		return "", ErrLLMDisabled
	}
	validator, err := NewStructuredValidator(req.SchemaJSON, req.MaxRetries)
	if err != nil {
		return "", err
	}

	prompt := req.Prompt + "\n\nRespond with JSON matching this schema:\n```json\n" +
		string(req.SchemaJSON) + "\n```"

	var lastErr error
	for attempt := 0; attempt <= validator.MaxRetries(); attempt++ {
		resp, err := genkit.Generate(ctx, e.g,
			ai.WithModelName(e.modelName),
			ai.WithSystem(escapePercent(req.SystemPrompt)),
			ai.WithPrompt(prompt),
		)
		if err != nil {
			return "", fmt.Errorf("generate: %w", err)
		}
		jsonStr, valErr := validator.Validate(resp.Text())
		if valErr == nil {
			return jsonStr, nil
		}
		lastErr = valErr
		e.logger.Warn("structured output failed validation, retrying",
			"attempt", attempt+1, "error", valErr)
		prompt = fmt.Sprintf(
			"Your previous response did not match the required JSON schema. Error: %s\n\n"+
				"Try again. Respond only with valid JSON matching this schema:\n```json\n%s\n```",
			valErr, string(req.SchemaJSON))
	}
	return "", fmt.Errorf("structured output invalid after retries: %w", lastErr)
}

func (e *GenkitEngine) RunWithTools(ctx context.Context, req ToolRunRequest) (string, error) {
	if !e.llmOn {
		return "", ErrLLMDisabled
	}
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 8
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(e.modelName),
		ai.WithSystem(escapePercent(req.SystemPrompt)),
		ai.WithPrompt(req.Prompt),
		ai.WithMaxTurns(maxTurns),
	}
	if len(req.Tools) > 0 {
		opts = append(opts, ai.WithTools(req.Tools...))
	}
	resp, err := genkit.Generate(ctx, e.g, opts...)
	if err != nil {
		return "", fmt.Errorf("tool run: %w", err)
	}
	return resp.Text(), nil
}

// escapePercent guards against fmt verb expansion inside ai.WithSystem.
func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
