// jobchain runs the engine job chain over every run directory of a project.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"jobchain/internal/api"
	"jobchain/internal/chain"
	"jobchain/internal/config"
	"jobchain/internal/discovery"
	"jobchain/internal/dispatcher"
	"jobchain/internal/engine"
	"jobchain/internal/events"
	"jobchain/internal/health"
	"jobchain/internal/observability"
	"jobchain/internal/report"
	"jobchain/internal/runner"
	"jobchain/internal/status"
)

const usage = `usage:
  jobchain run <project_path> [run_id]
  jobchain status <project_path> [run_id]`

const (
	cmdRun    = "run"
	cmdStatus = "status"
)

var errUsage = errors.New("invalid arguments")

// invocation is a parsed command line.
type invocation struct {
	command string
	project string
	runID   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	inv, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usage)
		return 1
	}

	cfg := config.LoadRunnerConfig()
	slog.SetDefault(newLogger(stderr, cfg.LogFormat, cfg.LogLevel))

	c, err := loadChain(cfg.ChainFile)
	if err != nil {
		slog.Error("Failed to load chain", "file", cfg.ChainFile, "error", err)
		return 1
	}

	runs, err := discovery.Discover(inv.project, inv.runID)
	if err != nil {
		slog.Error("Run discovery failed", "project", inv.project, "error", err)
		return 1
	}

	switch inv.command {
	case cmdStatus:
		return showStatus(stdout, c, cfg, runs)
	default:
		if err := runBatch(ctx, inv.project, c, cfg, runs); err != nil {
			slog.Error("Batch failed", "error", err)
			return 1
		}
		return 0
	}
}

// parseArgs accepts "run|status <project> [run_id]". The command may be
// omitted, in which case run is assumed.
func parseArgs(args []string) (invocation, error) {
	inv := invocation{command: cmdRun}
	if len(args) > 0 {
		switch args[0] {
		case cmdRun, cmdStatus:
			inv.command = args[0]
			args = args[1:]
		case "-h", "--help", "help":
			return inv, errUsage
		}
	}

	switch len(args) {
	case 1:
		inv.project = args[0]
	case 2:
		inv.project, inv.runID = args[0], args[1]
	default:
		return inv, fmt.Errorf("%w: expected a project path and an optional run id", errUsage)
	}
	if inv.project == "" {
		return inv, fmt.Errorf("%w: project path is empty", errUsage)
	}
	return inv, nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func loadChain(path string) (*chain.Chain, error) {
	if path == "" {
		return chain.Default(), nil
	}
	return chain.Load(path)
}

func showStatus(stdout io.Writer, c *chain.Chain, cfg *config.RunnerConfig, runs []discovery.Run) int {
	rows := report.Collect(c, status.NewPublisher(cfg.StatusFile), runs, cfg.ExpectedStatusLogs)
	if err := report.Render(stdout, rows); err != nil {
		slog.Error("Failed to render status", "error", err)
		return 1
	}
	return 0
}

// runBatch wires the engine, status, events and metrics together and
// processes runs in order. It returns an error when any run ended in Error.
func runBatch(ctx context.Context, project string, c *chain.Chain, cfg *config.RunnerConfig, runs []discovery.Run) error {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}

	engineCfg := engine.LoadConfigFromEnv()
	executor, err := engine.NewExecutorFromConfig(engineCfg)
	if err != nil {
		return fmt.Errorf("setup engine: %w", err)
	}
	defer func() {
		if err := executor.Close(); err != nil {
			slog.Warn("Failed to release engine launcher", "error", err)
		}
	}()
	slog.Info("Engine configured",
		"backend", engineCfg.Backend,
		"launcher", engineCfg.Launcher,
		"jobTimeout", engineCfg.JobTimeout,
	)

	eventsCfg := events.LoadConfigFromEnv()
	var eventDispatcher dispatcher.Dispatcher = dispatcher.Nop{}
	if eventsCfg.Enabled() {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		slog.Info("Webhook events enabled", "url", eventsCfg.URL, "signed", eventsCfg.SigningKey != "")
	}
	defer closeDispatcher(eventDispatcher)

	healthChecker := newHealthChecker(executor, eventDispatcher)
	if cfg.MetricsAddr != "" {
		reader := status.NewPublisher(cfg.StatusFile)
		progress := func() []report.Row {
			return report.Collect(c, reader, runs, cfg.ExpectedStatusLogs)
		}
		stopOps := serveOps(cfg.MetricsAddr, api.RouterConfig{
			HealthChecker:  healthChecker,
			MetricsHandler: metricsHandler,
			Runs:           progress,
			APIKey:         cfg.APIKey,
		})
		defer stopOps()
	}

	notifier := events.NewNotifier(eventsCfg, eventDispatcher, project)
	publisher := status.NewPublisher(cfg.StatusFile,
		status.WithNotifier(notifier),
		status.WithMetrics(metrics),
	)

	r, err := runner.New(runner.Config{
		Chain:              c,
		Executor:           executor,
		Publisher:          publisher,
		Observer:           notifier,
		Metrics:            metrics,
		ExpectedStatusLogs: cfg.ExpectedStatusLogs,
		Resume:             cfg.Resume,
		CompleteOnAllSteps: cfg.CompleteOnAllSteps,
	})
	if err != nil {
		return err
	}

	slog.Info("Starting batch", "project", project, "runs", len(runs), "batchId", notifier.BatchID())
	summary := r.RunBatch(ctx, runs)
	healthChecker.SetShuttingDown()

	if !summary.OK() {
		return fmt.Errorf("%d of %d runs ended in error", summary.Failed, len(summary.Results))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("interrupted: %w", err)
	}
	return nil
}

// newHealthChecker reports unready when the engine cannot start, and
// degraded while any webhook host has its circuit breaker open.
func newHealthChecker(executor *engine.Executor, d dispatcher.Dispatcher) *health.Checker {
	checker := health.NewChecker()
	checker.AddCheck("engine", executor.Ready, true)
	checker.AddCheck("dispatcher", func(context.Context) error {
		if open := d.Stats().BreakersOpen; open > 0 {
			return fmt.Errorf("%d webhook host(s) unreachable", open)
		}
		return nil
	}, false)
	return checker
}

// serveOps starts the probe, metrics and run-progress server and returns
// its shutdown func.
func serveOps(addr string, routes api.RouterConfig) func() {
	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(routes),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting ops server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Ops server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Ops server shutdown error", "error", err)
		}
	}
}

// closeDispatcher flushes pending webhook events, bounded so a dead endpoint
// cannot hold the process open.
func closeDispatcher(d dispatcher.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("Dispatcher did not drain", "error", err, "stats", d.Stats())
	}
}
