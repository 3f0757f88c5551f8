package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

func runInstall(args []string) {
	current, err := loadConfigFrom(settingsPath(), noEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring existing settings: %v\n", err)
		current = defaultConfig()
	}

	fs := flag.NewFlagSet("install", flag.ExitOnError)
	listenAddr := fs.String("listen-addr", current.ListenAddr, "TCP listen address")
	logLevel := fs.String("log-level", current.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", current.LogFormat, "log format: text or json")
	poolSize := fs.Int("pool-size", current.PoolSize, "worker pool size")
	journalDSN := fs.String("journal-dsn", current.JournalDSN, "libSQL DSN of the run journal")
	maxRuns := fs.Int("journal-max-runs", current.JournalMaxRuns, "runs kept in the journal (0 = all)")
	panelFlag := fs.Bool("panel", current.Panel, "serve the panel API")
	mcpFlag := fs.Bool("mcp", current.MCP, "serve MCP over stdio")
	fileRoot := fs.String("file-root", current.FileRoot, "directory fileUpload paths resolve against")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := flowcanvasDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := current
	cfg.ListenAddr = *listenAddr
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.PoolSize = *poolSize
	cfg.JournalDSN = *journalDSN
	cfg.JournalMaxRuns = *maxRuns
	cfg.Panel = *panelFlag
	cfg.MCP = *mcpFlag
	cfg.FileRoot = *fileRoot
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	if !signalRunningServer() {
		fmt.Println("Run `flowcanvas serve` to start the server")
	}
}

func noEnv(string) (string, bool) { return "", false }

// signalRunningServer sends SIGHUP to a running flowcanvas server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
