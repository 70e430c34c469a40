// Copyright 2025 Baton Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// batond is the Baton workflow daemon: it loads configuration, wires the
// execution engine to its triggers and storage, and runs until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hfield/baton/internal/backend"
	memorybackend "github.com/hfield/baton/internal/backend/memory"
	sqlitebackend "github.com/hfield/baton/internal/backend/sqlite"
	"github.com/hfield/baton/internal/builtin"
	"github.com/hfield/baton/internal/checkpoint"
	"github.com/hfield/baton/internal/config"
	"github.com/hfield/baton/internal/engine"
	"github.com/hfield/baton/internal/engine/orchestrator"
	"github.com/hfield/baton/internal/eventbus"
	"github.com/hfield/baton/internal/log"
	"github.com/hfield/baton/internal/metrics"
	"github.com/hfield/baton/internal/procpool"
	"github.com/hfield/baton/internal/semaphore"
	"github.com/hfield/baton/internal/trigger"
	"github.com/hfield/baton/pkg/workflow"
)

// Version information (injected via ldflags at build time).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configPath  string
		backendType string
		dataDir     string
		metricsAddr string
		showVersion bool
	)

	root := &cobra.Command{
		Use:          "batond",
		Short:        "Baton workflow execution daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("batond %s (commit: %s)\n", version, commit)
				return nil
			}

			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if backendType != "" {
				cfg.Storage.Backend = backendType
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return run(cmd.Context(), cfg, logger)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to config file")
	flags.StringVar(&backendType, "backend", "", "Storage backend (memory, sqlite)")
	flags.StringVar(&dataDir, "data-dir", "", "Data directory")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address")
	flags.BoolVar(&showVersion, "version", false, "Show version information")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	store, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := metrics.NewProvider()
	if err != nil {
		return err
	}
	collector, err := metrics.NewCollector(provider.MeterProvider())
	if err != nil {
		return err
	}

	bus := eventbus.New(logger)
	defer bus.Close()

	registry := workflow.NewRegistry()
	pool := procpool.New(procpool.Config{
		MaxProcs:       cfg.Pool.MaxProcs,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Observer:       collector.PoolEvent,
	}, logger)
	shellGate := semaphore.New(max(cfg.Pool.MaxProcs, procpool.DefaultMaxProcs))

	if err := registry.Register(builtin.Echo()); err != nil {
		return err
	}
	if err := registry.Register(builtin.Shell(pool, shellGate)); err != nil {
		return err
	}

	checkpoints, err := checkpoint.New(filepath.Join(cfg.DataDir, "checkpoints"), logger,
		checkpoint.WithOnSave(collector.CheckpointSaved))
	if err != nil {
		return err
	}
	if purged := checkpoints.PurgeExpired(); purged > 0 {
		logger.Info("purged expired checkpoints", slog.Int("count", purged))
	}

	orch := orchestrator.New(registry, bus, logger, orchestrator.Config{
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	})
	eng, err := engine.New(engine.Config{
		RetentionAge: cfg.Engine.RetentionAge,
		RetentionCap: cfg.Engine.RetentionCap,
		DrainTimeout: cfg.Engine.DrainTimeout,
	}, registry, store, bus, orch, logger,
		engine.WithMetrics(collector),
		engine.WithCheckpoints(checkpoints))
	if err != nil {
		return err
	}

	triggers, err := buildTriggers(cfg, bus, eng, registry, collector, logger)
	if err != nil {
		return err
	}

	eng.Start()
	if triggers.Cron != nil {
		triggers.Cron.Start()
	}
	if triggers.Watcher != nil {
		triggers.Watcher.Start()
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: provider.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", log.Error(err))
		}
	}()

	logger.Info("batond started",
		slog.String("version", version),
		slog.String("backend", cfg.Storage.Backend),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Teardown order: stop triggers so nothing enqueues, drain the engine,
	// then reap workers and close storage.
	if err := triggers.Close(); err != nil {
		logger.Warn("trigger teardown", slog.String("error", err.Error()))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Warn("engine drain", slog.String("error", err.Error()))
	}

	pool.Cleanup()
	_ = metricsSrv.Shutdown(stopCtx)
	_ = provider.Shutdown(stopCtx)

	logger.Info("batond stopped")
	return nil
}

func openBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memorybackend.New(), nil
	default:
		return sqlitebackend.New(sqlitebackend.Config{
			Path: cfg.Storage.Path,
			WAL:  cfg.Storage.WAL,
		})
	}
}

func buildTriggers(cfg *config.Config, bus *eventbus.Bus, eng *engine.Engine, registry *workflow.Registry, collector *metrics.Collector, logger *slog.Logger) (*trigger.Manager, error) {
	events := trigger.NewRegistry(bus, eng, logger, trigger.WithMetrics(collector))
	events.AutoRegister(registry)

	cron := trigger.NewCronScheduler(eng, logger, trigger.WithMetrics(collector))
	cron.AutoRegisterCrons(registry)
	for _, s := range cfg.Schedules {
		if err := cron.Add(s.Name, s.Spec, s.Workflow, s.Params); err != nil {
			return nil, err
		}
	}

	m := &trigger.Manager{Events: events, Cron: cron}
	if len(cfg.Watch.Dirs) > 0 {
		watcher, err := trigger.NewWatcher(bus, logger, trigger.WatcherConfig{
			Dirs:           cfg.Watch.Dirs,
			DebounceWindow: cfg.Watch.DebounceWindow,
			EventsPerSec:   cfg.Watch.EventsPerSec,
		}, trigger.WithMetrics(collector))
		if err != nil {
			return nil, err
		}
		m.Watcher = watcher
	}
	return m, nil
}
