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

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/storyloom/storyloom-core/internal/config"
	"github.com/storyloom/storyloom-core/internal/generate"
	"github.com/storyloom/storyloom-core/internal/ledger"
	"github.com/storyloom/storyloom-core/internal/orchestrator"
	"github.com/storyloom/storyloom-core/internal/state"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("storyloom %s (%s)\n", Version, Commit)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `storyloom

Usage:
  storyloom init [flags]
  storyloom run [flags]
  storyloom version

Commands:
  init        Write a starter config file.
  run         Run the orchestration core as an interactive session.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	path := filepath.Clean(*cfgPath)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", path)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create config dir: %v\n", err)
		os.Exit(1)
	}

	starter := config.Config{
		LogFormat: "text",
		LogLevel:  "info",
		Models: config.ModelsConfig{
			Mode: config.ModelModeAutomatic,
			Providers: []config.Provider{{
				ID:        "anthropic",
				Type:      config.ProviderAnthropic,
				APIKeyEnv: "ANTHROPIC_API_KEY",
				Models: []config.Model{
					{Name: "claude-3-5-haiku-latest", Role: "orchestrator", Tier: config.TierSimple, IsDefault: true},
					{Name: "claude-sonnet-4-20250514", Role: "writer", Tier: config.TierStandard, MaxTokens: 8192},
					{Name: "claude-sonnet-4-20250514", Role: "editor", Tier: config.TierStandard, MaxTokens: 8192},
				},
			}},
		},
		Ledger: config.LedgerConfig{
			Path: filepath.Join(filepath.Dir(path), "ledger.db"),
		},
	}
	b, err := yaml.Marshal(&starter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode config: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", path)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "storyloom exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	sessionID := uuid.NewString()

	ledgerStore, err := ledger.Open(cfg.Ledger, ledger.Options{Log: log})
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = ledgerStore.Close() }()

	driver, err := generate.NewDriver(cfg, generate.Options{
		Log: log,
		OnUsage: func(model string, usage generate.Usage) {
			_, err := ledgerStore.Append(ctx, ledger.Event{
				SessionID: sessionID,
				Verb:      ledger.VerbTokensConsumed,
				Object:    model,
				Tokens:    usage.InputTokens + usage.OutputTokens,
			})
			if err != nil {
				log.Warn("record token usage", "error", err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("init generation driver: %w", err)
	}

	store := state.NewStore(state.Options{Log: log})
	printed := 0
	unsub := store.Subscribe(func(snap state.Snapshot) {
		for ; printed < len(snap.Messages); printed++ {
			m := snap.Messages[printed]
			if m.Role == state.RoleUser {
				continue
			}
			tag := string(m.Kind)
			if tag == "" {
				tag = "message"
			}
			fmt.Printf("[%s] %s\n", tag, m.Content)
		}
	})
	defer unsub()

	engine, err := orchestrator.NewEngine(cfg, store, driver, ledgerStore, orchestrator.Options{
		Log:       log,
		SessionID: sessionID,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	fmt.Println("storyloom ready. Type a message, or ctrl-d to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := engine.HandleMessage(ctx, line); err != nil {
			log.Error("message failed", "error", err)
		}
	}
	return scanner.Err()
}

func newLogger(format, level string) *slog.Logger {
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
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
