package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/internal/logging"
	"github.com/rendis/flowcanvas/internal/nodes"
	"github.com/rendis/flowcanvas/internal/panel"
	"github.com/rendis/flowcanvas/internal/projection"
	"github.com/rendis/flowcanvas/internal/scheduler"
	"github.com/rendis/flowcanvas/internal/secrets"
	"github.com/rendis/flowcanvas/internal/store"
	"github.com/rendis/flowcanvas/internal/streaming"
	"github.com/rendis/flowcanvas/pkg/mcp"
)

// app is the wired process: one orchestrator shared by every transport.
type app struct {
	cfg    Config
	logger *slog.Logger
	level  *slog.LevelVar

	hub        *streaming.MemoryHub
	vault      *secrets.AESVault
	orch       *engine.Orchestrator
	journal    *store.LibSQLJournal
	eventLog   *store.EventLog
	projection *projection.Projection
	scheduler  *scheduler.Scheduler
	panel      *panel.PanelServer
	mcp        *mcp.FlowServer
	handler    *handlerSwapper
}

// newLogger builds the process logger with an adjustable level. Logs go to
// stderr so stdout stays free for the MCP stdio transport.
func newLogger(cfg Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner)), level
}

// newRegistry registers the built-in node types configured by cfg.
func newRegistry(cfg Config) (*nodes.Registry, error) {
	reg := nodes.NewRegistry()
	err := nodes.RegisterBuiltins(reg, nodes.Config{
		HTTP:  nodes.HTTPConfig{DefaultTimeout: cfg.httpTimeout()},
		Files: nodes.FileConfig{Root: cfg.FileRoot, MaxFileSize: cfg.MaxFileSize},
	})
	if err != nil {
		return nil, fmt.Errorf("register node types: %w", err)
	}
	return reg, nil
}

// newVault creates the session secret vault and loads FLOWCANVAS_SECRET_*
// variables into it.
func newVault(ctx context.Context, logger *slog.Logger) (*secrets.AESVault, error) {
	vault, err := secrets.NewSessionVault()
	if err != nil {
		return nil, fmt.Errorf("secret vault: %w", err)
	}
	keys, err := secrets.LoadEnv(ctx, vault, os.Environ())
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		logger.Info("secrets loaded from environment", slog.Int("count", len(keys)))
	}
	return vault, nil
}

// newApp wires the engine, journal, projection, scheduler and transports.
// ctx bounds async panel runs and the scheduler.
func newApp(ctx context.Context, cfg Config, logger *slog.Logger, level *slog.LevelVar) (*app, error) {
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	vault, err := newVault(ctx, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, level: level, hub: streaming.NewMemoryHub(), vault: vault}
	a.orch = engine.NewOrchestrator(reg, a.hub, engine.ExecutorConfig{
		PoolSize:       cfg.PoolSize,
		DefaultTimeout: cfg.nodeTimeout(),
		Logger:         logger,
		Secrets:        vault,
	})
	a.orch.SetDataHook(func(nodeID string, data map[string]any) {
		logger.Debug("node data updated", slog.String("node_id", nodeID), slog.Int("keys", len(data)))
	})

	a.journal, err = store.NewLibSQLJournal(cfg.JournalDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := a.journal.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	a.eventLog = store.NewEventLog(a.journal, logger, cfg.JournalMaxRuns)
	a.eventLog.Attach(a.hub)

	a.projection = projection.New(a.hub)

	a.scheduler = scheduler.NewScheduler(a.orch, logger, cfg.schedulerTick())
	for _, spec := range cfg.Schedules {
		job, err := a.scheduler.Add(spec)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("schedule %q: %w", spec.Name, err)
		}
		logger.Info("schedule registered", slog.String("id", job.ID), slog.String("cron", job.CronExpression))
	}

	a.panel = panel.NewPanelServer(ctx, panel.PanelDeps{
		Engine:     a.orch,
		Hub:        a.hub,
		Projection: a.projection,
		Journal:    a.journal,
		EventLog:   a.eventLog,
		Scheduler:  a.scheduler,
		Secrets:    a.vault,
		Logger:     logger,
	})
	a.handler = newHandlerSwapper(a.httpHandler(cfg.Panel))

	if cfg.MCP {
		a.mcp = mcp.NewFlowServer(mcp.FlowServerDeps{Engine: a.orch, Journal: a.journal, Logger: logger})
	}
	return a, nil
}

// httpHandler returns the panel routes, or only the health check when the
// panel is disabled.
func (a *app) httpHandler(panelEnabled bool) http.Handler {
	if panelEnabled {
		return a.panel.Handler()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","panel":false}`))
	})
	return mux
}

// reload applies the settings that can change without a restart.
func (a *app) reload(next Config) {
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if d.PanelChanged {
		a.handler.Swap(a.httpHandler(next.Panel))
		a.logger.Info("panel toggled", slog.Bool("enabled", next.Panel))
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.Warn("settings changed that need a restart", slog.Any("fields", d.RestartNeeded))
	}
	a.cfg.LogLevel = next.LogLevel
	a.cfg.Panel = next.Panel
}

// Close releases everything newApp acquired, in reverse order.
func (a *app) Close() {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.projection != nil {
		a.projection.Close()
	}
	if a.eventLog != nil {
		a.eventLog.Detach()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn("close journal", slog.String("error", err.Error()))
		}
	}
	if a.orch != nil {
		a.orch.Close()
	}
}
