package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/namastexlabs/automagik/internal/api"
	"github.com/namastexlabs/automagik/internal/git"
	"github.com/namastexlabs/automagik/internal/log"
	"github.com/namastexlabs/automagik/internal/orchestrator"
	"github.com/namastexlabs/automagik/internal/registry"
	"github.com/namastexlabs/automagik/internal/registry/sqlite"
	"github.com/namastexlabs/automagik/internal/tracing"
	"github.com/namastexlabs/automagik/internal/workflow"
	"github.com/namastexlabs/automagik/internal/workspace"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long: `Run the orchestrator as a foreground daemon. The daemon binds the HTTP
API, opens the run database, prunes stale workspaces, and supervises child
processes until it receives SIGINT or SIGTERM.

Example:
  automagik serve
  automagik serve --addr :9000
  automagik serve --base-repo /srv/product`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveBaseRepo, "base-repo", "", "base git repository for workspaces (overrides config)")
}

var (
	serveAddr     string
	serveBaseRepo string
)

func runServe(_ *cobra.Command, _ []string) error {
	if serveAddr != "" {
		cfg.ListenAddr = serveAddr
	}
	if serveBaseRepo != "" {
		cfg.BaseRepoPath = serveBaseRepo
	}
	if cfg.BaseRepoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.BaseRepoPath = wd
	}

	cleanup, err := log.Init(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
	log.Info(log.CatConfig, "daemon starting", "version", version, "addr", cfg.ListenAddr)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening run database: %w", err)
	}
	defer db.Close()

	reg := registry.NewRegistry(sqlite.NewRunRepository(db))

	// Runs left active by a previous daemon have no live child anymore.
	swept, err := reg.SweepOrphans(context.Background(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweeping orphaned runs: %w", err)
	}
	if swept > 0 {
		log.Info(log.CatDB, "marked orphaned runs failed", "count", swept)
	}

	workspaces, err := workspace.NewManager(workspace.Options{
		Root:             cfg.WorkspaceRoot,
		BaseRepoPath:     cfg.BaseRepoPath,
		AutoCommit:       cfg.AutoCommitEnabled,
		AutoCommitOnKill: cfg.AutoCommitOnKill,
		GitFactory:       git.NewExecutor,
	})
	if err != nil {
		return fmt.Errorf("initializing workspace manager: %w", err)
	}
	workspaces.Prune()

	workflows, err := workflow.NewRegistry(cfg.WorkflowsDir)
	if err != nil {
		return fmt.Errorf("loading workflow templates: %w", err)
	}
	watcher, err := workflow.NewWatcher(workflows, cfg.WorkflowsDir)
	if err != nil {
		log.Warn(log.CatWF, "template hot reload unavailable", "error", err)
	} else if err := watcher.Start(); err != nil {
		log.Warn(log.CatWF, "template hot reload unavailable", "error", err)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	orch := orchestrator.New(orchestrator.Options{
		Config:     cfg,
		Registry:   reg,
		Workflows:  workflows,
		Workspaces: workspaces,
		Tracer:     provider.Tracer(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := orchestrator.NewReaper(orch, time.Duration(cfg.StuckThresholdSec)*time.Second)
	go reaper.Run(ctx)

	server, err := api.NewServer(api.NewHandler(orch), cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.ListenAddr, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	select {
	case <-ctx.Done():
		log.Info(log.CatConfig, "shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatAPI, "http shutdown incomplete", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatRun, "orchestrator shutdown incomplete", "error", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Warn(log.CatConfig, "tracing shutdown incomplete", "error", err)
	}

	log.Info(log.CatConfig, "daemon stopped")
	return nil
}
