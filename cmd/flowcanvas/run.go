package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/flowcanvas/internal/diagram"
	"github.com/rendis/flowcanvas/internal/engine"
	"github.com/rendis/flowcanvas/pkg/schema"
)

// runOptions are the flags of the run command.
type runOptions struct {
	StartNodeID string
	Trigger     map[string]any
	Format      string // json, ascii or mermaid
}

// runRun executes a workflow file once. Exit codes: 0 success, 1 the run or
// the graph failed, 2 bad usage.
func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	start := fs.String("start", "", "run only the nodes reachable from this node")
	trigger := fs.String("trigger", "", "trigger payload as a JSON object")
	format := fs.String("format", "json", "output: json, ascii or mermaid")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: flowcanvas run [flags] <workflow.json>")
		return 2
	}

	opts := runOptions{StartNodeID: *start, Format: *format}
	if *trigger != "" {
		if err := json.Unmarshal([]byte(*trigger), &opts.Trigger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: -trigger: %v\n", err)
			return 2
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger, _ := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := executeFile(ctx, cfg, logger, fs.Arg(0), opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if st.Status != schema.WorkflowStatusSuccess {
		return 1
	}
	return 0
}

// executeFile loads a workflow document, runs it on a fresh orchestrator and
// writes the result to out. Graph errors are returned after the state is
// written.
func executeFile(ctx context.Context, cfg Config, logger *slog.Logger, path string, opts runOptions, out io.Writer) (*schema.WorkflowExecutionState, error) {
	wf, err := loadWorkflow(path)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}
	vault, err := newVault(ctx, logger)
	if err != nil {
		return nil, err
	}
	orch := engine.NewOrchestrator(reg, nil, engine.ExecutorConfig{
		PoolSize:       cfg.PoolSize,
		DefaultTimeout: cfg.nodeTimeout(),
		Logger:         logger,
		Secrets:        vault,
	})
	defer orch.Close()

	st, runErr := orch.Execute(ctx, wf.Nodes, wf.Edges, engine.ExecuteOptions{
		StartNodeID: opts.StartNodeID,
		Trigger:     opts.Trigger,
	})
	if st == nil {
		return nil, runErr
	}
	if err := writeResult(out, orch, st, opts.Format); err != nil {
		return st, err
	}
	return st, runErr
}

func loadWorkflow(path string) (schema.Workflow, error) {
	var wf schema.Workflow
	data, err := os.ReadFile(path)
	if err != nil {
		return wf, fmt.Errorf("read workflow: %w", err)
	}
	if err := json.Unmarshal(data, &wf); err != nil {
		return wf, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	return wf, nil
}

func writeResult(out io.Writer, orch *engine.Orchestrator, st *schema.WorkflowExecutionState, format string) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	case "ascii", "mermaid":
		graph := orch.ExecutionGraph()
		if graph == nil {
			_, err := fmt.Fprintf(out, "workflow %s: %s\n", st.Status, st.Error)
			return err
		}
		model, err := diagram.Build(graph, st)
		if err != nil {
			return fmt.Errorf("build diagram: %w", err)
		}
		text := diagram.RenderASCII(model)
		if format == "mermaid" {
			text = diagram.RenderMermaid(model)
		}
		_, err = io.WriteString(out, text)
		return err
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
