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

	"golang.org/x/term"

	"github.com/crescentlab/crescent-agent/internal/actions"
	"github.com/crescentlab/crescent-agent/internal/agent"
	"github.com/crescentlab/crescent-agent/internal/config"
	"github.com/crescentlab/crescent-agent/internal/engine"
	"github.com/crescentlab/crescent-agent/internal/model"
	"github.com/crescentlab/crescent-agent/internal/procmon"
	"github.com/crescentlab/crescent-agent/internal/sessionstore"
	"github.com/crescentlab/crescent-agent/internal/tools"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

const defaultSystemPrompt = `You are a coding agent working inside a sandboxed workspace.
Use the available actions to inspect and modify files and to run shell commands.
Long-lived commands (servers, watchers) must be started with background=true.
When the task is fully done, signal completion instead of requesting more actions.`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("crescent-agent %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `crescent-agent

Usage:
  crescent-agent run [flags]
  crescent-agent version

Commands:
  run       Run the agent: one instruction via -prompt, or interactive when stdin is a terminal.
  version   Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "crescent-agent.yaml", "Config file path")
	modelID := fs.String("model", "", "Model to use as <provider_id>/<model_name> (default: config default)")
	prompt := fs.String("prompt", "", "One-shot instruction; omit for interactive mode")
	sessionID := fs.String("session", "", "Session id to persist under (default: generated)")
	logFormat := fs.String("log-format", "text", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	_ = fs.Parse(args)

	log := newLogger(*logFormat, *logLevel)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	provider, modelName, err := cfg.ResolveModel(*modelID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to resolve model: %v\n", err)
		os.Exit(1)
	}
	client, err := buildModelClient(provider, modelName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init model client: %v\n", err)
		os.Exit(1)
	}

	store, err := sessionstore.Open(cfg.EffectiveDBPath())
	if err != nil {
		log.Warn("session store unavailable, continuing without persistence", "error", err)
		store = nil
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	supervisor := procmon.NewSupervisor(log)
	toolbox := tools.New(tools.Options{
		Log:           log,
		WorkspaceRoot: cfg.EffectiveWorkspaceRoot(),
		Shell:         strings.TrimSpace(os.Getenv("SHELL")),
		Supervisor:    supervisor,
	})
	registry := actions.NewInMemoryRegistry()
	if err := toolbox.RegisterAll(registry); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register actions: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Options{
		Log:         log,
		PoolSize:    cfg.EffectivePoolSize(),
		GracePeriod: cfg.EffectiveGracePeriod(),
		Supervisor:  supervisor,
	}, registry)

	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	loop, err := agent.New(agent.Options{
		Log:           log,
		Model:         client,
		Engine:        eng,
		Catalog:       registry,
		Schemas:       toolbox.Schemas(),
		SystemPrompt:  systemPrompt,
		HistoryBudget: cfg.EffectiveHistoryBudget(),
		ResultWait:    cfg.EffectiveResultWait(),
		Store:         store,
		SessionID:     *sessionID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init loop: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	defer func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cleanupCancel()
		for _, report := range supervisor.Cleanup(cleanupCtx) {
			if report.Error != "" {
				log.Warn("background process cleanup", "process_id", report.ProcessID, "error", report.Error)
			}
		}
	}()

	log.Info("agent ready",
		"session_id", loop.SessionID(), "provider", provider.ID, "model", modelName)

	if strings.TrimSpace(*prompt) != "" {
		final, err := loop.Run(ctx, *prompt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(final)
		return
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "no -prompt given and stdin is not a terminal")
		os.Exit(2)
	}
	runInteractive(ctx, loop)
}

func runInteractive(ctx context.Context, loop *agent.Loop) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		final, err := loop.Run(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
			continue
		}
		fmt.Println(final)
	}
}

func buildModelClient(provider config.Provider, modelName string) (model.Client, error) {
	apiKey := provider.APIKey()
	switch strings.TrimSpace(provider.Type) {
	case "anthropic":
		return model.NewAnthropicClient(model.AnthropicOptions{
			APIKey:  apiKey,
			BaseURL: provider.BaseURL,
			Model:   modelName,
		})
	default:
		return model.NewOpenAIClient(model.OpenAIOptions{
			APIKey:  apiKey,
			BaseURL: provider.BaseURL,
			Model:   modelName,
		})
	}
}

func newLogger(format string, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
