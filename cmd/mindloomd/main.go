package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mindloom/mindloom/internal/bus"
	"github.com/mindloom/mindloom/internal/config"
	"github.com/mindloom/mindloom/internal/engine"
	"github.com/mindloom/mindloom/internal/gateway"
	"github.com/mindloom/mindloom/internal/graph"
	otelPkg "github.com/mindloom/mindloom/internal/otel"
	"github.com/mindloom/mindloom/internal/persistence"
	"github.com/mindloom/mindloom/internal/queue"
	"github.com/mindloom/mindloom/internal/runner"
	"github.com/mindloom/mindloom/internal/telemetry"
	"github.com/mindloom/mindloom/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the mindloom daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  MINDLOOM_HOME           Data directory (default: ~/.mindloom)
  MINDLOOM_BIND_ADDR      Gateway bind address (default: 127.0.0.1:18996)
  GEMINI_API_KEY          API key for the Google provider
  ANTHROPIC_API_KEY       API key for the Anthropic provider
  OPENAI_API_KEY          API key for the OpenAI provider
  BRAVE_API_KEY           API key for Brave web search
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("mindloomd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "mindloom.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := store.RecoverRunningIterations(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "iterations_recovered", recovered)

	if err := syncAgents(ctx, store, cfg, logger); err != nil {
		fatalStartup(logger, "E_AGENT_SYNC", err)
	}

	eventBus := bus.New()
	graphSvc := graph.NewService(store, logger)
	taskQueue := queue.New(store, eventBus, logger)

	provider, model, apiKey := cfg.ResolveLLMConfig()
	eng := engine.NewGenkitEngine(ctx, engine.ProviderSettings{
		Provider: provider,
		Model:    model,
		APIKey:   apiKey,
	}, logger)
	if !eng.Enabled() {
		logger.Warn("no LLM API key configured; background iterations and replies are disabled",
			"provider", provider)
	}

	registry := tools.NewRegistry(graphSvc, map[string]string{
		"brave_search": cfg.APIKey("brave_search"),
	})
	registry.RegisterAll(eng.Genkit())

	run := runner.New(runner.Config{
		Store:        store,
		Queue:        taskQueue,
		Graph:        graphSvc,
		Engine:       eng,
		Tools:        registry,
		Bus:          eventBus,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		DrainGrace:   time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
		MaxToolTurns: cfg.LLM.MaxToolSteps,
	})
	run.Start(ctx)

	gw := gateway.New(gateway.Config{
		Addr:         cfg.BindAddr,
		Store:        store,
		Queue:        taskQueue,
		Engine:       eng,
		Tools:        registry,
		Logger:       logger,
		AllowOrigins: cfg.AllowOrigins,
		MaxToolTurns: cfg.LLM.MaxToolSteps,
	})
	if err := gw.Start(); err != nil {
		fatalStartup(logger, "E_GATEWAY_LISTEN", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, cfg.PromptsDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
	} else {
		go watchReloads(ctx, watcher, store, logger)
	}

	logger.Info("startup phase", "phase", "ready", "bind_addr", cfg.BindAddr)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown", "error", err)
	}
	run.Stop()
	logger.Info("shutdown complete")
}

// syncAgents reconciles the agents table with the config's agents section:
// new entries are created, existing ones get their prompts refreshed from
// the entry's prompt files and the prompts dir overrides.
func syncAgents(ctx context.Context, store *persistence.Store, cfg config.Config, logger *slog.Logger) error {
	overrides, err := config.LoadPromptOverrides(cfg.PromptsDir)
	if err != nil {
		return err
	}

	for _, entry := range cfg.Agents {
		prompts, err := resolvePrompts(entry, cfg.PromptsDir, overrides)
		if err != nil {
			return fmt.Errorf("agent %s: %w", entry.AgentID, err)
		}

		existing, err := store.GetAgent(ctx, entry.AgentID)
		if err != nil {
			if !persistence.IsNotFound(err) {
				return err
			}
			interval := int64(entry.IterationIntervalMs)
			if interval <= 0 {
				interval = int64(cfg.IterationIntervalMs)
			}
			role := persistence.AgentRole(entry.Role)
			if role == "" {
				role = persistence.AgentRoleLead
			}
			a := persistence.Agent{
				ID:                  entry.AgentID,
				DisplayName:         entry.DisplayName,
				TeamID:              entry.TeamID,
				AideID:              entry.AideID,
				Role:                role,
				ParentAgentID:       entry.ParentAgentID,
				Active:              true,
				IterationIntervalMs: interval,
				CadenceExpr:         entry.Cadence,
				Prompts:             prompts,
			}
			if err := store.CreateAgent(ctx, a); err != nil {
				return err
			}
			logger.Info("agent seeded", "agent_id", a.ID, "role", a.Role)
			continue
		}

		if err := store.UpdateAgentPrompts(ctx, existing.ID, prompts); err != nil {
			return err
		}
	}
	return nil
}

// resolvePrompts merges the prompts-dir overrides (keyed by phase) with the
// agent's own prompt files, which win on conflict.
func resolvePrompts(entry config.AgentConfigEntry, promptsDir string, overrides map[string]string) (map[string]string, error) {
	prompts := make(map[string]string, len(overrides)+len(entry.Prompts))
	for phase, text := range overrides {
		prompts[phase] = text
	}
	for phase, relPath := range entry.Prompts {
		b, err := os.ReadFile(filepath.Join(promptsDir, relPath))
		if err != nil {
			return nil, fmt.Errorf("read prompt %s: %w", relPath, err)
		}
		prompts[phase] = strings.TrimSpace(string(b))
	}
	return prompts, nil
}

// watchReloads re-applies agent prompt overrides when config.yaml or a
// prompt file changes. Structural settings (bind address, provider, poll
// cadence) still require a restart.
func watchReloads(ctx context.Context, watcher *config.Watcher, store *persistence.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			cfg, err := config.Load()
			if err != nil {
				logger.Error("config reload failed; keeping previous settings",
					"path", ev.Path, "error", err)
				continue
			}
			if err := syncAgents(ctx, store, cfg, logger); err != nil {
				logger.Error("agent re-sync failed", "error", err)
				continue
			}
			logger.Info("config reloaded", "path", ev.Path, "fingerprint", cfg.Fingerprint())
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
