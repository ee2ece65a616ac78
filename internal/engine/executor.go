package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobchain/internal/apperrors"
	"jobchain/internal/chain"
)

// Defaults for the executor.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultParameterFile = "parameters.inc"
	DefaultMode          = "int"
	DefaultReapGrace     = time.Second
)

// ProgressFunc is called on every liveness poll while a job runs.
type ProgressFunc func(j chain.Job, elapsed time.Duration)

// Result describes a finished engine invocation.
type Result struct {
	ProcessID string
	ExitCode  int
	Duration  time.Duration
	Output    Output
}

// Executor runs one job at a time through a Launcher.
type Executor struct {
	launcher      Launcher
	pollInterval  time.Duration
	timeout       time.Duration
	parameterFile string
	mode          string
	reapGrace     time.Duration
}

// ExecutorConfig holds the settings of an Executor.
type ExecutorConfig struct {
	Launcher      Launcher      // required
	PollInterval  time.Duration // liveness poll period (default 5s)
	Timeout       time.Duration // per-job cutoff, 0 disables
	ParameterFile string        // shared include required in every run directory
	Mode          string        // execution-mode flag appended to the arguments
	ReapGrace     time.Duration // wait for an exit status after the process disappears (default 1s)
}

// NewExecutor creates a new executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ParameterFile == "" {
		cfg.ParameterFile = DefaultParameterFile
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	if cfg.ReapGrace <= 0 {
		cfg.ReapGrace = DefaultReapGrace
	}
	return &Executor{
		launcher:      cfg.Launcher,
		pollInterval:  cfg.PollInterval,
		timeout:       cfg.Timeout,
		parameterFile: cfg.ParameterFile,
		mode:          cfg.Mode,
		reapGrace:     cfg.ReapGrace,
	}, nil
}

// CheckPreconditions verifies that the job can be launched in runDir. No
// process is started.
func (e *Executor) CheckPreconditions(ctx context.Context, runDir string, j chain.Job) error {
	if err := requireFile(runDir, j.InputFile); err != nil {
		return apperrors.MissingInput(j.Name, j.InputFile)
	}
	if err := requireFile(runDir, e.parameterFile); err != nil {
		return apperrors.MissingInput(j.Name, e.parameterFile)
	}
	return e.launcher.Check(ctx)
}

// Run launches the engine for j in runDir and blocks until it exits, the
// timeout expires, or ctx is cancelled. progress may be nil.
//
// A nil error only means the process ran to exit; the caller decides success
// from the job's artifacts.
func (e *Executor) Run(ctx context.Context, runDir string, j chain.Job, progress ProgressFunc) (*Result, error) {
	logger := slog.With("component", "engine", "job", j.Name, "runDir", runDir)

	if err := e.CheckPreconditions(ctx, runDir, j); err != nil {
		logger.Error("Preconditions not met", "error", err)
		return nil, err
	}

	spec := Spec{Job: j.Name, Dir: runDir, Args: Args(j, e.mode)}
	logger.Info("Running command", "launcher", e.launcher.String(), "args", strings.Join(spec.Args, " "))

	proc, err := e.launcher.Launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := proc.Close(); cerr != nil {
			logger.Warn("Failed to release engine process", "error", cerr)
		}
	}()

	start := time.Now()
	res := &Result{ProcessID: proc.ID()}
	err = e.wait(ctx, j, proc, start, progress)
	res.Duration = time.Since(start)
	res.Output = proc.Output()
	if exited, code := proc.Exited(); exited {
		res.ExitCode = code
	}

	if err != nil {
		logger.Error("Engine did not finish",
			"pid", res.ProcessID,
			"duration", res.Duration,
			"error", err,
			"stderr", res.Output.Stderr,
		)
		return res, err
	}

	logger.Info("Engine exited", "pid", res.ProcessID, "exitCode", res.ExitCode, "duration", res.Duration)
	return res, nil
}

// wait polls proc until it exits. Every tick it checks for exit first, then
// for liveness, then reports progress.
func (e *Executor) wait(ctx context.Context, j chain.Job, proc Process, start time.Time, progress ProgressFunc) error {
	var deadline <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		if exited, _ := proc.Exited(); exited {
			return nil
		}
		if !proc.Alive() {
			// The exit status can lag behind the disappearance.
			if e.reaped(proc) {
				return nil
			}
			return apperrors.ProcessDeath(j.Name, proc.ID())
		}

		select {
		case <-proc.Done():
		case <-ticker.C:
			if progress != nil {
				progress(j, time.Since(start))
			}
		case <-deadline:
			e.stop(proc)
			return apperrors.Timeout(j.Name, e.timeout)
		case <-ctx.Done():
			e.stop(proc)
			return apperrors.Interrupted(j.Name, ctx.Err())
		}
	}
}

// reaped waits up to the reap grace for an exit status.
func (e *Executor) reaped(proc Process) bool {
	timer := time.NewTimer(e.reapGrace)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
	}
	exited, _ := proc.Exited()
	return exited
}

// Ready reports whether the engine can currently be started.
func (e *Executor) Ready(ctx context.Context) error {
	return e.launcher.Check(ctx)
}

// Close releases launcher resources such as the Docker client.
func (e *Executor) Close() error {
	if c, ok := e.launcher.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// stop kills proc and waits briefly for it to be reaped.
func (e *Executor) stop(proc Process) {
	if err := proc.Kill(); err != nil {
		slog.Warn("Failed to kill engine process", "pid", proc.ID(), "error", err)
		return
	}
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		slog.Warn("Engine process did not exit after kill", "pid", proc.ID())
	}
}

func requireFile(dir, name string) error {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.New("is a directory")
	}
	return nil
}
