// Package runner drives every run directory through the engine chain.
//
// A run moves Pending -> Running -> {Completed | Error}. Job outcomes are
// never stored: before each launch and after each exit the artifacts are
// re-read from disk, so a run can be resumed by simply invoking the runner
// again.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobchain/internal/apperrors"
	"jobchain/internal/chain"
	"jobchain/internal/detect"
	"jobchain/internal/discovery"
	"jobchain/internal/engine"
	"jobchain/internal/status"
)

// JobRunner executes one engine job. *engine.Executor implements it.
type JobRunner interface {
	Run(ctx context.Context, runDir string, j chain.Job, progress engine.ProgressFunc) (*engine.Result, error)
}

// Observer is told about batch and job boundaries. Implementations must not
// block.
type Observer interface {
	BatchStarted(ctx context.Context, runIDs []string)
	BatchFinished(ctx context.Context, completed, failed, skipped int)
	JobStarted(ctx context.Context, j chain.Job)
	JobFinished(ctx context.Context, j chain.Job, outcome string, elapsed time.Duration, err error)
}

// MetricsRecorder is an optional interface for recording run and job metrics.
type MetricsRecorder interface {
	RecordJobStarted(ctx context.Context, step string)
	RecordJobFinished(ctx context.Context, step, outcome string, duration time.Duration)
	RecordRunFinished(ctx context.Context, state string)
}

// Config holds the collaborators and policy of a Runner.
type Config struct {
	Chain     *chain.Chain      // required
	Executor  JobRunner         // required
	Publisher *status.Publisher // required
	Observer  Observer          // optional
	Metrics   MetricsRecorder   // optional

	// ExpectedStatusLogs overrides the chain's completion count when > 0.
	ExpectedStatusLogs int

	// Resume skips the leading jobs the detector already reports as
	// successful. Without it every invocation restarts at the first step.
	Resume bool

	// CompleteOnAllSteps marks a run Completed when every step succeeded,
	// even if fewer status logs than expected exist. Off by default: such a
	// run ends in Error.
	CompleteOnAllSteps bool
}

// Runner processes runs one at a time.
type Runner struct {
	chain     *chain.Chain
	executor  JobRunner
	publisher *status.Publisher
	observer  Observer
	metrics   MetricsRecorder
	expected  int
	resume    bool
	logger    *slog.Logger

	completeOnAllSteps bool
}

// New creates a runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Chain == nil {
		return nil, errors.New("runner: chain is required")
	}
	if err := cfg.Chain.Validate(); err != nil {
		return nil, err
	}
	if cfg.Executor == nil {
		return nil, errors.New("runner: executor is required")
	}
	if cfg.Publisher == nil {
		return nil, errors.New("runner: status publisher is required")
	}

	expected := cfg.ExpectedStatusLogs
	if expected <= 0 {
		expected = cfg.Chain.ExpectedStatusLogs
	}
	observer := cfg.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Runner{
		chain:     cfg.Chain,
		executor:  cfg.Executor,
		publisher: cfg.Publisher,
		observer:  observer,
		metrics:   cfg.Metrics,
		expected:  expected,
		resume:    cfg.Resume,
		logger:    slog.With("component", "runner"),

		completeOnAllSteps: cfg.CompleteOnAllSteps,
	}, nil
}

// RunResult is the outcome of one run in this invocation.
type RunResult struct {
	Run     discovery.Run
	State   status.State
	Detail  string
	Skipped bool // already complete, no job launched
	JobsRun int
	Err     error
}

// Summary totals a batch.
type Summary struct {
	Completed int // completed by this invocation
	Failed    int // ended in Error
	Skipped   int // already complete
	Results   []RunResult
}

// OK reports whether no run ended in Error.
func (s Summary) OK() bool {
	return s.Failed == 0
}

// RunBatch processes runs in order. A failed run never stops the batch; a
// cancelled context does, and runs not yet started are left untouched.
func (r *Runner) RunBatch(ctx context.Context, runs []discovery.Run) Summary {
	ids := make([]string, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	r.observer.BatchStarted(ctx, ids)
	r.logger.Info("Batch started", "runs", len(runs))

	var sum Summary
	for _, run := range runs {
		if ctx.Err() != nil {
			r.logger.Warn("Batch interrupted", "remaining", len(runs)-len(sum.Results))
			break
		}

		res := r.runIsolated(ctx, run)
		sum.Results = append(sum.Results, res)
		switch {
		case res.Skipped:
			sum.Skipped++
		case res.State == status.Completed:
			sum.Completed++
		default:
			sum.Failed++
		}
	}

	r.observer.BatchFinished(ctx, sum.Completed, sum.Failed, sum.Skipped)
	r.logger.Info("Batch finished", "completed", sum.Completed, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum
}

// runIsolated turns a panic inside one run into that run's failure.
func (r *Runner) runIsolated(ctx context.Context, run discovery.Run) (res RunResult) {
	defer func() {
		if p := recover(); p != nil {
			err := apperrors.Internal("runner.run", fmt.Errorf("panic: %v", p))
			r.logger.Error("Run panicked", "runId", run.ID, "error", err)
			res = r.fail(ctx, run, nil, err)
		}
	}()
	return r.RunOne(ctx, run)
}

// RunOne processes a single run directory.
func (r *Runner) RunOne(ctx context.Context, run discovery.Run) RunResult {
	logger := r.logger.With("runId", run.ID, "runDir", run.Dir)
	logger.Info("Processing run")

	count, err := detect.CountStatusLogs(run.Dir)
	if err != nil {
		return r.fail(ctx, run, nil, apperrors.Internal("runner.countStatusLogs", err))
	}
	if count >= r.expected {
		logger.Info("Run already completed, skipping", "statusLogs", count, "expected", r.expected)
		res := r.finish(ctx, run, status.Completed, "")
		res.Skipped = res.Err == nil
		return res
	}

	if err := r.publish(ctx, run, status.Running, ""); err != nil {
		return r.fail(ctx, run, nil, err)
	}

	start := 0
	if r.resume {
		start = detect.NextStep(r.chain, run.ID, run.Dir)
		if start > 0 {
			logger.Info("Resuming run", "fromStep", start, "skipped", start)
		}
	}

	jobsRun := 0
	index := 0
	var prev chain.Job
	for j := range r.chain.Jobs(run.ID) {
		checkpoint := prev
		prev = j
		if index < start {
			index++
			continue
		}
		index++

		if err := ctx.Err(); err != nil {
			res := r.fail(ctx, run, &j, apperrors.Interrupted(j.Name, err))
			res.JobsRun = jobsRun
			return res
		}

		if err := r.checkPredecessor(run, j, checkpoint); err != nil {
			res := r.fail(ctx, run, &j, err)
			res.JobsRun = jobsRun
			return res
		}

		jobsRun++
		if err := r.runJob(ctx, run, j); err != nil {
			res := r.fail(ctx, run, &j, err)
			res.JobsRun = jobsRun
			return res
		}

		count, err := detect.CountStatusLogs(run.Dir)
		if err != nil {
			logger.Warn("Failed to count status logs", "error", err)
		} else if count >= r.expected {
			res := r.finish(ctx, run, status.Completed, "")
			res.JobsRun = jobsRun
			return res
		}
		if err := r.publish(ctx, run, status.Running, j.Name+" completed"); err != nil {
			logger.Warn("Failed to record progress", "job", j.Name, "error", err)
		}
	}

	// Every step succeeded but the run is only Completed once the expected
	// number of status logs exists, unless configured otherwise.
	count, err = detect.CountStatusLogs(run.Dir)
	if err != nil {
		res := r.fail(ctx, run, nil, apperrors.Internal("runner.countStatusLogs", err))
		res.JobsRun = jobsRun
		return res
	}
	if count < r.expected && !r.completeOnAllSteps {
		res := r.fail(ctx, run, nil, apperrors.Incomplete(run.ID, count, r.expected))
		res.JobsRun = jobsRun
		return res
	}
	if count < r.expected {
		logger.Warn("All steps succeeded with fewer status logs than expected",
			"statusLogs", count, "expected", r.expected)
	}
	res := r.finish(ctx, run, status.Completed, "")
	res.JobsRun = jobsRun
	return res
}

// checkPredecessor gates j on a live re-check of its checkpoint source, the
// job of the previous step.
func (r *Runner) checkPredecessor(run discovery.Run, j, checkpoint chain.Job) error {
	if j.Predecessor == "" {
		return nil
	}
	return detect.Check(run.Dir, checkpoint).Err()
}

// runJob launches j and classifies it from its artifacts.
func (r *Runner) runJob(ctx context.Context, run discovery.Run, j chain.Job) error {
	logger := r.logger.With("runId", run.ID, "job", j.Name)

	if err := r.publish(ctx, run, status.Running, j.Name); err != nil {
		logger.Warn("Failed to record job start", "error", err)
	}
	r.observer.JobStarted(ctx, j)
	if r.metrics != nil {
		r.metrics.RecordJobStarted(ctx, j.Step)
	}

	progress := func(j chain.Job, elapsed time.Duration) {
		detail := fmt.Sprintf("%s (elapsed %s)", j.Name, elapsed.Round(time.Second))
		if err := r.publish(ctx, run, status.Running, detail); err != nil {
			logger.Warn("Failed to record progress", "error", err)
		}
	}

	start := time.Now()
	result, err := r.executor.Run(ctx, run.Dir, j, progress)
	elapsed := time.Since(start)

	outcome := "success"
	if err == nil {
		if check := detect.Check(run.Dir, j); !check.OK() {
			outcome = check.Outcome.String()
			err = check.Err()
		}
	} else {
		outcome = apperrors.Kind(err)
	}

	if err != nil && result != nil && (result.Output.Stdout != "" || result.Output.Stderr != "") {
		logger.Warn("Engine output",
			"exitCode", result.ExitCode,
			"stdout", result.Output.Stdout,
			"stderr", result.Output.Stderr,
		)
	}
	if err == nil {
		logger.Info("Job succeeded", "duration", elapsed)
	}

	if r.metrics != nil {
		r.metrics.RecordJobFinished(ctx, j.Step, outcome, elapsed)
	}
	r.observer.JobFinished(ctx, j, outcome, elapsed, err)
	return err
}

// fail records an Error status. j is the job that failed, if any.
func (r *Runner) fail(ctx context.Context, run discovery.Run, j *chain.Job, cause error) RunResult {
	attrs := []any{"runId", run.ID, "error", cause, "kind", apperrors.Kind(cause)}
	if j != nil {
		attrs = append(attrs, "job", j.Name)
	}
	r.logger.Error("Run failed", attrs...)

	res := r.finish(ctx, run, status.Error, errorDetail(cause))
	res.Err = errors.Join(cause, res.Err)
	return res
}

// finish writes a terminal state.
func (r *Runner) finish(ctx context.Context, run discovery.Run, s status.State, detail string) RunResult {
	res := RunResult{Run: run, State: s, Detail: detail}
	if !s.Terminal() {
		res.State = status.Error
		res.Err = apperrors.Internal("runner.finish", fmt.Errorf("state %q is not terminal", s))
		return res
	}
	if err := r.publish(ctx, run, s, detail); err != nil {
		// The run cannot report Completed without its status file.
		res.State = status.Error
		res.Err = err
	}
	if r.metrics != nil {
		r.metrics.RecordRunFinished(ctx, string(res.State))
	}
	if res.State == status.Completed {
		r.logger.Info("Run completed", "runId", run.ID)
	}
	return res
}

// publish writes the status file. Status writes use a context that survives
// cancellation so the final state is still recorded after a signal.
func (r *Runner) publish(ctx context.Context, run discovery.Run, s status.State, detail string) error {
	return r.publisher.Publish(context.WithoutCancel(ctx), run.Dir, s, detail)
}

// errorDetail is the status-file detail for a failure.
func errorDetail(err error) string {
	if errors.Is(err, apperrors.ErrInterrupted) {
		return "interrupted"
	}
	return err.Error()
}

type nopObserver struct{}

func (nopObserver) BatchStarted(context.Context, []string)                               {}
func (nopObserver) BatchFinished(context.Context, int, int, int)                         {}
func (nopObserver) JobStarted(context.Context, chain.Job)                                {}
func (nopObserver) JobFinished(context.Context, chain.Job, string, time.Duration, error) {}
