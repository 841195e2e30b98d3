package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMProviderConfig holds configuration for all LLM providers.
type LLMProviderConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	// MaxToolSteps bounds multi-step tool calling per phase. Default 12.
	MaxToolSteps int `yaml:"max_tool_steps"`
}

// TelemetryConfig controls the OpenTelemetry pipeline.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint, e.g. localhost:4318
}

// AgentConfigEntry defines a named agent to seed on startup. Exactly one of
// TeamID/AideID must be set. Prompts maps phase prompt names to file paths
// relative to the prompts dir.
type AgentConfigEntry struct {
	AgentID             string            `yaml:"agent_id"`
	DisplayName         string            `yaml:"display_name"`
	TeamID              string            `yaml:"team_id"`
	AideID              string            `yaml:"aide_id"`
	Role                string            `yaml:"role"` // "lead" or "subordinate"
	ParentAgentID       string            `yaml:"parent_agent_id"`
	IterationIntervalMs int               `yaml:"iteration_interval_ms"`
	Cadence             string            `yaml:"cadence"` // cron expr for lead scheduling
	Prompts             map[string]string `yaml:"prompts"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// PollIntervalMs is the runner's wake-up cadence. Default 5000.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// IterationIntervalMs is the default gap between background iterations
	// for agents that do not set their own. Default 1h.
	IterationIntervalMs int `yaml:"iteration_interval_ms"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (30s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// PromptsDir holds per-phase prompt override files. Default <home>/prompts.
	PromptsDir string `yaml:"prompts_dir"`

	LLM       LLMProviderConfig `yaml:"llm"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`

	// APIKeys holds centralized API keys for tools and integrations.
	// Keys: "brave_search". Env vars override: BRAVE_API_KEY → api_keys["brave_search"].
	APIKeys map[string]string `yaml:"api_keys"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// gateway connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Agents []AgentConfigEntry `yaml:"agents"`
}

// APIKey returns the value for the named API key, checking env overrides first.
// Env mapping: "brave_search" → BRAVE_API_KEY.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"brave_search": "BRAVE_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}
	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
		if model == "" {
			model = "gemini-2.5-flash"
		}
	}
	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// Fingerprint returns a stable hash of the active config, logged at startup
// and after reloads so operators can tell which settings are live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	provider, model, _ := c.ResolveLLMConfig()
	fmt.Fprintf(h, "bind=%s|log=%s|poll=%d|interval=%d|provider=%s|model=%s|agents=%d",
		c.BindAddr, c.LogLevel, c.PollIntervalMs, c.IterationIntervalMs, provider, model, len(c.Agents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:18996",
		LogLevel:            "info",
		PollIntervalMs:      5000,
		IterationIntervalMs: int(time.Hour / time.Millisecond),
		DrainTimeoutSeconds: 30,
		LLM: LLMProviderConfig{
			Provider:     "google",
			GeminiModel:  "gemini-2.5-flash",
			MaxToolSteps: 12,
		},
	}
}

// HomeDir resolves the mindloom home directory (MINDLOOM_HOME override,
// else ~/.mindloom).
func HomeDir() string {
	if override := os.Getenv("MINDLOOM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".mindloom")
}

// Load reads config.yaml from the mindloom home, applies env overrides, and
// normalizes defaults. A missing config file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create mindloom home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateAgents(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18996"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PollIntervalMs <= 0 {
		cfg.PollIntervalMs = 5000
	}
	if cfg.IterationIntervalMs <= 0 {
		cfg.IterationIntervalMs = int(time.Hour / time.Millisecond)
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 30
	}
	if cfg.PromptsDir == "" {
		cfg.PromptsDir = filepath.Join(cfg.HomeDir, "prompts")
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.MaxToolSteps <= 0 {
		cfg.LLM.MaxToolSteps = 12
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "stdout"
	}
}

func validateAgents(cfg *Config) error {
	for i, a := range cfg.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agents[%d]: agent_id required", i)
		}
		if (a.TeamID == "") == (a.AideID == "") {
			return fmt.Errorf("agent %s: exactly one of team_id or aide_id must be set", a.AgentID)
		}
		switch a.Role {
		case "", "lead":
			if a.ParentAgentID != "" {
				return fmt.Errorf("agent %s: lead agents cannot have a parent", a.AgentID)
			}
		case "subordinate":
			if a.ParentAgentID == "" {
				return fmt.Errorf("agent %s: subordinate agents require parent_agent_id", a.AgentID)
			}
		default:
			return fmt.Errorf("agent %s: unknown role %q", a.AgentID, a.Role)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MINDLOOM_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("MINDLOOM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MINDLOOM_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalMs = v
		}
	}
	if raw := os.Getenv("MINDLOOM_ITERATION_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.IterationIntervalMs = v
		}
	}
	if raw := os.Getenv("MINDLOOM_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("BRAVE_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["brave_search"] = raw
	}
}
