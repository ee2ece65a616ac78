package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"jobchain/internal/apperrors"
	"jobchain/internal/chain"
	"jobchain/internal/discovery"
	"jobchain/internal/engine"
	"jobchain/internal/engine/enginetest"
	"jobchain/internal/status"
)

const (
	completedLog = "THE ANALYSIS HAS COMPLETED SUCCESSFULLY\n"
	abortedLog   = "***ERROR: TOO MANY ATTEMPTS MADE FOR THIS INCREMENT\nTHE ANALYSIS HAS BEEN ABORTED\n"
)

// newRunDir creates project/<id> with every input the chain needs.
func newRunDir(t *testing.T, project, id string) discovery.Run {
	t.Helper()
	dir := filepath.Join(project, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, s := range chain.Default().Steps {
		writeFile(t, dir, s.Name+chain.DefaultInputExtension, "*HEADING\n")
	}
	writeFile(t, dir, engine.DefaultParameterFile, "*PARAMETER\n")
	n, err := strconv.Atoi(id)
	if err != nil {
		n = -1
	}
	return discovery.Run{ID: id, Number: n, Dir: dir}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeArtifacts leaves what the engine would for a finished job.
func writeArtifacts(dir, job, staContent string) {
	_ = os.WriteFile(filepath.Join(dir, job+chain.StatusLogExt), []byte(staContent), 0o644)
	_ = os.WriteFile(filepath.Join(dir, job+chain.DataLogExt), nil, 0o644)
	_ = os.WriteFile(filepath.Join(dir, job+chain.ResultDBExt), nil, 0o644)
}

// simulate returns an engine behavior that writes artifacts for every job,
// using overrides[job] as .sta content when present.
func simulate(overrides map[string]string) enginetest.Behavior {
	return func(spec engine.Spec, p *enginetest.Process) {
		content, ok := overrides[spec.Job]
		if !ok {
			content = completedLog
		}
		writeArtifacts(spec.Dir, spec.Job, content)
		p.Exit(0)
	}
}

// statusRecorder captures every status transition.
type statusRecorder struct {
	mu      sync.Mutex
	updates []string
}

func (s *statusRecorder) NotifyStatus(_ context.Context, u status.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u.RunID+"="+status.Format(u.State, u.Detail))
}

func (s *statusRecorder) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates)
}

type harness struct {
	runner   *Runner
	launcher *enginetest.Launcher
	statuses *statusRecorder
}

func newHarness(t *testing.T, launcher *enginetest.Launcher, mutate func(*Config)) *harness {
	t.Helper()
	exec, err := engine.NewExecutor(engine.ExecutorConfig{
		Launcher:     launcher,
		PollInterval: 5 * time.Millisecond,
		Mode:         engine.DefaultMode,
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := &statusRecorder{}
	cfg := Config{
		Chain:     chain.Default(),
		Executor:  exec,
		Publisher: status.NewPublisher("", status.WithNotifier(rec)),
		Resume:    true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &harness{runner: r, launcher: launcher, statuses: rec}
}

func readStatus(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, status.DefaultFileName))
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	return string(data)
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func jobNames(runID string, steps ...int) []string {
	c := chain.Default()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = chain.JobName(runID, c.Steps[s].Name)
	}
	return names
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	exec, _ := engine.NewExecutor(engine.ExecutorConfig{Launcher: &enginetest.Launcher{}})
	pub := status.NewPublisher("")

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no chain", cfg: Config{Executor: exec, Publisher: pub}},
		{name: "invalid chain", cfg: Config{Chain: &chain.Chain{}, Executor: exec, Publisher: pub}},
		{name: "no executor", cfg: Config{Chain: chain.Default(), Publisher: pub}},
		{name: "no publisher", cfg: Config{Chain: chain.Default(), Executor: exec}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunOne_CompletedShortcut(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "2")
	for i := range 7 {
		writeFile(t, run.Dir, "Run_2_extra_"+string(rune('a'+i))+chain.StatusLogExt, completedLog)
	}

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, nil)
	res := h.runner.RunOne(context.Background(), run)

	if res.State != status.Completed || !res.Skipped || res.Err != nil {
		t.Fatalf("RunOne() = %+v", res)
	}
	if n := len(h.launcher.Specs()); n != 0 {
		t.Errorf("expected no engine launch, got %d", n)
	}
	if got := readStatus(t, run.Dir); got != "Completed" {
		t.Errorf("status = %q, want Completed", got)
	}
}

// sixLogs expects one status log per step of the default chain.
func sixLogs(c *Config) { c.ExpectedStatusLogs = 6 }

func TestRunOne_FullChain(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, sixLogs)

	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Completed || res.Err != nil || res.JobsRun != 6 {
		t.Fatalf("RunOne() = %+v", res)
	}
	if got, want := h.launcher.Jobs(), jobNames("1", 0, 1, 2, 3, 4, 5); !slices.Equal(got, want) {
		t.Errorf("launched %v, want %v", got, want)
	}

	// Each step but the first restarts from its predecessor.
	for i, spec := range h.launcher.Specs() {
		hasOld := slices.ContainsFunc(spec.Args, func(a string) bool { return strings.HasPrefix(a, "oldjob=") })
		if hasOld != (i > 0) {
			t.Errorf("job %s args %v", spec.Job, spec.Args)
		}
	}

	if got := readStatus(t, run.Dir); got != "Completed" {
		t.Errorf("status = %q, want Completed", got)
	}
}

func TestRunOne_BelowExpectedCountAfterFinalStep(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, nil)

	// Six steps leave six status logs, one short of the default seven.
	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Error || res.JobsRun != 6 || !errors.Is(res.Err, apperrors.ErrIncomplete) {
		t.Fatalf("RunOne() = %+v", res)
	}
	want := "Error: run 1 incomplete: 6 of 7 status logs after final step"
	if got := readStatus(t, run.Dir); got != want {
		t.Errorf("status = %q, want %q", got, want)
	}

	// A second invocation launches nothing and keeps the run in Error.
	res = h.runner.RunOne(context.Background(), run)
	if res.State != status.Error || res.JobsRun != 0 || len(h.launcher.Jobs()) != 6 {
		t.Errorf("second RunOne() = %+v, launched %d", res, len(h.launcher.Jobs()))
	}
	if got := readStatus(t, run.Dir); got != want {
		t.Errorf("status = %q, want %q", got, want)
	}
}

func TestRunOne_CompleteOnAllSteps(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, func(c *Config) {
		c.CompleteOnAllSteps = true
	})

	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Completed || res.Err != nil || res.JobsRun != 6 {
		t.Fatalf("RunOne() = %+v", res)
	}
	if got := readStatus(t, run.Dir); got != "Completed" {
		t.Errorf("status = %q, want Completed", got)
	}
}

func TestRunOne_CompletesAtExpectedCount(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	// A leftover status log from an earlier attempt brings the count to the
	// expected total after the fifth step.
	writeFile(t, run.Dir, "Run_1_restart.sta", "")
	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, func(c *Config) {
		c.ExpectedStatusLogs = 6
	})

	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Completed || res.JobsRun != 5 {
		t.Fatalf("RunOne() = %+v", res)
	}
}

func TestRunOne_AbortedStopsChain(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	aborted := chain.JobName("1", "tiretransfer_symmetric")
	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(map[string]string{
		// Both markers present: ABORTED wins.
		aborted: "COMPLETED STEP 1\n" + abortedLog,
	})}, nil)

	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Error || !errors.Is(res.Err, apperrors.ErrCompletionCheck) {
		t.Fatalf("RunOne() = %+v", res)
	}
	if got, want := h.launcher.Jobs(), jobNames("1", 0, 1); !slices.Equal(got, want) {
		t.Errorf("launched %v, want %v", got, want)
	}

	got := readStatus(t, run.Dir)
	want := "Error: " + aborted + " did not complete: status log reports ABORTED"
	if got != want {
		t.Errorf("status = %q, want %q", got, want)
	}
}

func TestRunOne_PartialArtifactsFail(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	launcher := &enginetest.Launcher{Behavior: func(spec engine.Spec, p *enginetest.Process) {
		_ = os.WriteFile(filepath.Join(spec.Dir, spec.Job+chain.StatusLogExt), []byte(completedLog), 0o644)
		p.Exit(0)
	}}
	h := newHarness(t, launcher, nil)

	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Error || len(h.launcher.Jobs()) != 1 {
		t.Fatalf("RunOne() = %+v, launched %v", res, h.launcher.Jobs())
	}
	if got := readStatus(t, run.Dir); !strings.Contains(got, "missing") {
		t.Errorf("status = %q", got)
	}
}

// Scenario: engine launcher path does not exist.
func TestRunOne_EngineUnavailable(t *testing.T) {
	t.Parallel()
	project := t.TempDir()
	dir := filepath.Join(project, "3")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "tiretransfer_axi_half.inp", "*HEADING\n")
	writeFile(t, dir, "parameters.inc", "*PARAMETER\n")

	exec, err := engine.NewExecutor(engine.ExecutorConfig{
		Launcher: engine.NewProcessLauncher(filepath.Join(project, "missing", "abaqus")),
	})
	if err != nil {
		t.Fatal(err)
	}
	r, err := New(Config{Chain: chain.Default(), Executor: exec, Publisher: status.NewPublisher(""), Resume: true})
	if err != nil {
		t.Fatal(err)
	}

	runs, err := discovery.Discover(project, "")
	if err != nil {
		t.Fatal(err)
	}
	sum := r.RunBatch(context.Background(), runs)

	if sum.OK() || sum.Failed != 1 {
		t.Fatalf("Summary = %+v", sum)
	}
	if !errors.Is(sum.Results[0].Err, apperrors.ErrEngineUnavailable) {
		t.Errorf("Err = %v, want ErrEngineUnavailable", sum.Results[0].Err)
	}
	got := readStatus(t, dir)
	if !strings.HasPrefix(got, "Error: engine launcher unavailable") {
		t.Errorf("status = %q", got)
	}
	for _, name := range listDir(t, dir) {
		if strings.HasSuffix(name, chain.StatusLogExt) {
			t.Errorf("unexpected artifact %s", name)
		}
	}
}

// Scenario: the first step already completed, the second restarts from it.
func TestRunOne_ResumeFromCheckpoint(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "5")
	writeArtifacts(run.Dir, "Run_5_tiretransfer_axi_half", completedLog)

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, sixLogs)
	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Completed || res.JobsRun != 5 {
		t.Fatalf("RunOne() = %+v", res)
	}

	first := h.launcher.Specs()[0]
	if first.Job != "Run_5_tiretransfer_symmetric" {
		t.Fatalf("first launch = %s", first.Job)
	}
	if !slices.Contains(first.Args, "oldjob=Run_5_tiretransfer_axi_half") {
		t.Errorf("args = %v, want oldjob=Run_5_tiretransfer_axi_half", first.Args)
	}
}

func TestRunOne_ResumeDisabledRestartsChain(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "5")
	writeArtifacts(run.Dir, "Run_5_tiretransfer_axi_half", completedLog)

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, func(c *Config) { c.Resume = false })
	h.runner.RunOne(context.Background(), run)

	if got, want := h.launcher.Jobs(), jobNames("5", 0, 1, 2, 3, 4, 5); !slices.Equal(got, want) {
		t.Errorf("launched %v, want %v", got, want)
	}
}

func TestRunOne_AllStepsSucceededWithoutLaunch(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "8")
	for _, job := range jobNames("8", 0, 1, 2, 3, 4, 5) {
		writeArtifacts(run.Dir, job, completedLog)
	}

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, func(c *Config) {
		c.CompleteOnAllSteps = true
	})
	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Completed || res.JobsRun != 0 || res.Skipped {
		t.Fatalf("RunOne() = %+v", res)
	}
	if n := len(h.launcher.Specs()); n != 0 {
		t.Errorf("expected no launch, got %d", n)
	}
}

// gateBreaker removes the result database of the first job as soon as it has
// been classified, so the second job's live predecessor check fails.
type gateBreaker struct {
	nopObserver
	dir string
}

func (g gateBreaker) JobFinished(_ context.Context, j chain.Job, _ string, _ time.Duration, _ error) {
	_ = os.Remove(filepath.Join(g.dir, j.ResultDB()))
}

func TestRunOne_PredecessorGate(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "4")
	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, func(c *Config) {
		c.Observer = gateBreaker{dir: run.Dir}
	})

	res := h.runner.RunOne(context.Background(), run)
	if res.State != status.Error || !errors.Is(res.Err, apperrors.ErrCompletionCheck) {
		t.Fatalf("RunOne() = %+v", res)
	}
	if got, want := h.launcher.Jobs(), jobNames("4", 0); !slices.Equal(got, want) {
		t.Errorf("launched %v, want %v", got, want)
	}
	if got := readStatus(t, run.Dir); !strings.Contains(got, "Run_4_tiretransfer_axi_half did not complete") {
		t.Errorf("status = %q", got)
	}
}

func TestRunOne_MissingInput(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "6")
	if err := os.Remove(filepath.Join(run.Dir, engine.DefaultParameterFile)); err != nil {
		t.Fatal(err)
	}

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, nil)
	res := h.runner.RunOne(context.Background(), run)

	if !errors.Is(res.Err, apperrors.ErrMissingInput) {
		t.Fatalf("Err = %v, want ErrMissingInput", res.Err)
	}
	if n := len(h.launcher.Specs()); n != 0 {
		t.Errorf("expected no launch, got %d", n)
	}
	if got := readStatus(t, run.Dir); got != "Error: missing input for Run_6_tiretransfer_axi_half: parameters.inc" {
		t.Errorf("status = %q", got)
	}
}

func TestRunOne_Idempotent(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "7")
	for i := range 7 {
		writeFile(t, run.Dir, "Run_7_step"+string(rune('0'+i))+chain.StatusLogExt, completedLog)
	}

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, nil)
	h.runner.RunOne(context.Background(), run)
	firstStatus, firstFiles := readStatus(t, run.Dir), listDir(t, run.Dir)

	h.runner.RunOne(context.Background(), run)
	if got := readStatus(t, run.Dir); got != firstStatus {
		t.Errorf("status changed from %q to %q", firstStatus, got)
	}
	if got := listDir(t, run.Dir); !slices.Equal(got, firstFiles) {
		t.Errorf("files changed from %v to %v", firstFiles, got)
	}
}

func TestRunOne_StatusVocabulary(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "1")
	launcher := &enginetest.Launcher{Behavior: func(spec engine.Spec, p *enginetest.Process) {
		time.Sleep(25 * time.Millisecond)
		simulate(nil)(spec, p)
	}}
	h := newHarness(t, launcher, sixLogs)
	h.runner.RunOne(context.Background(), run)

	updates := h.statuses.all()
	if len(updates) == 0 {
		t.Fatal("no status updates")
	}

	var sawProgress bool
	for _, u := range updates {
		_, content, _ := strings.Cut(u, "=")
		if _, _, err := status.Parse(content); err != nil {
			t.Errorf("update %q is outside the status vocabulary: %v", content, err)
		}
		if strings.HasPrefix(content, "Running: Run_1_tiretransfer_axi_half (elapsed ") {
			sawProgress = true
		}
	}
	if !sawProgress {
		t.Errorf("expected elapsed-time progress update, got %v", updates)
	}
	if updates[0] != "1=Running" || updates[len(updates)-1] != "1=Completed" {
		t.Errorf("first/last updates = %q/%q", updates[0], updates[len(updates)-1])
	}
}

func TestRunBatch_IsolatesFailures(t *testing.T) {
	t.Parallel()
	project := t.TempDir()
	bad := newRunDir(t, project, "1")
	good := newRunDir(t, project, "2")
	done := newRunDir(t, project, "10")
	if err := os.Remove(filepath.Join(bad.Dir, "tiretransfer_axi_half.inp")); err != nil {
		t.Fatal(err)
	}
	for i := range 7 {
		writeFile(t, done.Dir, "x"+string(rune('0'+i))+chain.StatusLogExt, completedLog)
	}

	h := newHarness(t, &enginetest.Launcher{Behavior: simulate(nil)}, sixLogs)
	runs, err := discovery.Discover(project, "")
	if err != nil {
		t.Fatal(err)
	}
	sum := h.runner.RunBatch(context.Background(), runs)

	if sum.Completed != 1 || sum.Failed != 1 || sum.Skipped != 1 || sum.OK() {
		t.Fatalf("Summary = %+v", sum)
	}
	if !strings.HasPrefix(readStatus(t, bad.Dir), "Error: missing input") {
		t.Errorf("bad status = %q", readStatus(t, bad.Dir))
	}
	if readStatus(t, good.Dir) != "Completed" || readStatus(t, done.Dir) != "Completed" {
		t.Errorf("good=%q done=%q", readStatus(t, good.Dir), readStatus(t, done.Dir))
	}
}

func TestRunBatch_Interrupted(t *testing.T) {
	t.Parallel()
	project := t.TempDir()
	first := newRunDir(t, project, "1")
	second := newRunDir(t, project, "2")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	launcher := &enginetest.Launcher{Behavior: func(engine.Spec, *enginetest.Process) {
		cancel()
	}}
	h := newHarness(t, launcher, nil)

	sum := h.runner.RunBatch(ctx, []discovery.Run{first, second})
	if len(sum.Results) != 1 || sum.Failed != 1 {
		t.Fatalf("Summary = %+v", sum)
	}
	if !errors.Is(sum.Results[0].Err, apperrors.ErrInterrupted) {
		t.Errorf("Err = %v, want ErrInterrupted", sum.Results[0].Err)
	}
	if got := readStatus(t, first.Dir); got != "Error: interrupted" {
		t.Errorf("status = %q, want %q", got, "Error: interrupted")
	}
	if !launcher.Processes()[0].Killed() {
		t.Error("expected engine to be killed")
	}
	if _, err := os.Stat(filepath.Join(second.Dir, status.DefaultFileName)); !os.IsNotExist(err) {
		t.Errorf("second run should be untouched, stat err = %v", err)
	}
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, string, chain.Job, engine.ProgressFunc) (*engine.Result, error) {
	panic("engine adapter bug")
}

func TestRunBatch_RecoversPanic(t *testing.T) {
	t.Parallel()
	project := t.TempDir()
	run := newRunDir(t, project, "1")
	r, err := New(Config{Chain: chain.Default(), Executor: panicRunner{}, Publisher: status.NewPublisher("")})
	if err != nil {
		t.Fatal(err)
	}

	sum := r.RunBatch(context.Background(), []discovery.Run{run})
	if sum.Failed != 1 {
		t.Fatalf("Summary = %+v", sum)
	}
	if got := readStatus(t, run.Dir); !strings.HasPrefix(got, "Error: runner.run: panic: engine adapter bug") {
		t.Errorf("status = %q", got)
	}
}

func TestFinish_RejectsNonTerminalState(t *testing.T) {
	t.Parallel()
	run := newRunDir(t, t.TempDir(), "12")
	h := newHarness(t, &enginetest.Launcher{}, nil)

	res := h.runner.finish(context.Background(), run, status.Running, "")
	if res.State != status.Error || apperrors.Kind(res.Err) != "internal" {
		t.Fatalf("finish(Running) = %+v", res)
	}
	if _, err := os.Stat(filepath.Join(run.Dir, status.DefaultFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("status file written for non-terminal state: %v", err)
	}
}
