package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

const shutdownTimeout = 10 * time.Second

// runServe starts the HTTP server, the scheduler and, when enabled, the MCP
// stdio server. SIGINT/SIGTERM shut down; SIGHUP reloads settings.json.
func runServe() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger, level := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, level)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		return 1
	}
	defer a.Close()

	if err := writePIDFile(); err != nil {
		logger.Warn("pid file not written", slog.String("error", err.Error()))
	} else {
		defer os.Remove(pidPath())
	}

	if err := a.scheduler.Start(ctx); err != nil {
		logger.Error("scheduler start failed", slog.String("error", err.Error()))
		return 1
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("listen failed", slog.String("addr", cfg.ListenAddr), slog.String("error", err.Error()))
		return 1
	}
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", slog.String("addr", ln.Addr().String()), slog.Bool("panel", cfg.Panel))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.mcp != nil {
		go func() {
			logger.Info("mcp stdio server started")
			if err := a.mcp.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp server: %w", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	code := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			logger.Error("server failed", slog.String("error", err.Error()))
			code = 1
			break loop
		case <-hup:
			next, err := loadConfig()
			if err != nil {
				logger.Warn("reload rejected", slog.String("error", err.Error()))
				continue
			}
			a.reload(next)
		}
	}

	logger.Info("shutting down")
	if a.orch.Stop() {
		logger.Info("stop requested for the running workflow")
	}
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return code
}

func writePIDFile() error {
	if err := os.MkdirAll(flowcanvasDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644)
}
