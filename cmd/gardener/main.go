// Command gardener runs the backlog worker pool: it loads config, opens
// the backlog store, wires a worker.Dependencies against the configured
// agent CLIs, and drives the scheduler pool until stopped by SIGINT/
// SIGTERM. Verb dispatch style reduced from cmd/kilroy's multi-verb CLI
// to the one verb this module implements.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carterbs/gardener/internal/agent"
	"github.com/carterbs/gardener/internal/backlog"
	"github.com/carterbs/gardener/internal/config"
	"github.com/carterbs/gardener/internal/gardenerlog"
	"github.com/carterbs/gardener/internal/prompt"
	"github.com/carterbs/gardener/internal/runtime"
	"github.com/carterbs/gardener/internal/scheduler"
	"github.com/carterbs/gardener/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		run(os.Args[2:])
	case "--version", "-v", "version":
		fmt.Println("gardener dev")
		os.Exit(0)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  gardener run [--config <file.yaml>] [--working-dir <dir>] [--backlog-db <file.db>] [--parallelism <n>]")
	fmt.Fprintln(os.Stderr, "  gardener --version")
}

func run(args []string) {
	var configPath string
	var workingDir string
	var backlogDBPath string
	var parallelism uint32
	var hasParallelism bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--working-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--working-dir requires a value")
				os.Exit(1)
			}
			workingDir = args[i]
		case "--backlog-db":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--backlog-db requires a value")
				os.Exit(1)
			}
			backlogDBPath = args[i]
		case "--parallelism":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--parallelism requires a value")
				os.Exit(1)
			}
			var n uint32
			if _, err := fmt.Sscanf(args[i], "%d", &n); err != nil || n == 0 {
				fmt.Fprintf(os.Stderr, "--parallelism %q is not a positive integer\n", args[i])
				os.Exit(1)
			}
			parallelism = n
			hasParallelism = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	gardenerlog.Init(gardenerlog.Config{Level: gardenerlog.InfoLevel, JSONOutput: false})
	logger := gardenerlog.WithComponent("main")

	overrides := config.CliOverrides{ConfigPath: configPath, WorkingDir: workingDir}
	if hasParallelism {
		overrides.Parallelism = &parallelism
	}
	cfg, err := config.Load(overrides)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	if backlogDBPath == "" {
		backlogDBPath = filepath.Join(cfg.Scope.WorkingDir, "gardener-backlog.db")
		if cfg.Scope.WorkingDir == "" {
			backlogDBPath = "gardener-backlog.db"
		}
	}
	store, err := backlog.Open(backlogDBPath)
	if err != nil {
		logger.Error().Err(err).Str("path", backlogDBPath).Msg("failed to open backlog store")
		os.Exit(1)
	}
	defer store.Close()

	deps := worker.Dependencies{
		Config:    cfg,
		Registry:  prompt.NewRegistry(),
		Knowledge: prompt.NewKnowledgeStore(cfg.Learning.ConfidenceDecayPerDay, cfg.Learning.DeactivateBelowConfidence),
		Adapters: map[agent.AgentKind]agent.AgentAdapter{
			agent.AgentCodex:  agent.CodexAdapter{},
			agent.AgentClaude: agent.ClaudeAdapter{},
		},
		Runner: runtime.NewProductionProcessRunner(),
		Clock:  runtime.ProductionClock{},
	}

	pool := scheduler.NewPool(store, scheduler.FSMTaskDriver{Deps: deps}, runtime.ProductionClock{}, cfg, nil)
	pool.Start()
	logger.Info().
		Uint32("parallelism", cfg.Orchestrator.Parallelism).
		Str("backlog_db", backlogDBPath).
		Msg("gardener pool started")

	ctx, cancel := signalCancelContext()
	defer cancel()
	<-ctx.Done()

	logger.Info().Msg("shutdown signal received, draining pool")
	pool.Stop()
	logger.Info().
		Int64("completed", pool.Completed()).
		Msg("gardener pool stopped")
}

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-stopCh:
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel()
	}
	return ctx, cleanup
}
