// Package enginetest provides an in-memory engine launcher for tests.
package enginetest

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"jobchain/internal/engine"
)

// Behavior simulates the engine for one launch. It runs on its own goroutine
// and should end by calling p.Exit, or leave the process running.
type Behavior func(spec engine.Spec, p *Process)

// Launcher is a fake engine.Launcher that records every launch.
type Launcher struct {
	CheckErr  error    // returned by Check
	LaunchErr error    // returned by Launch
	Behavior  Behavior // nil exits 0 immediately

	mu     sync.Mutex
	specs  []engine.Spec
	procs  []*Process
	nextID atomic.Int64
}

var _ engine.Launcher = (*Launcher)(nil)

func (l *Launcher) String() string { return "fake-engine" }

// Check returns CheckErr.
func (l *Launcher) Check(context.Context) error {
	return l.CheckErr
}

// Launch records spec and starts Behavior.
func (l *Launcher) Launch(_ context.Context, spec engine.Spec) (engine.Process, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	p := NewProcess(strconv.FormatInt(l.nextID.Add(1), 10))
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	behavior := l.Behavior
	if behavior == nil {
		behavior = func(_ engine.Spec, p *Process) { p.Exit(0) }
	}
	go behavior(spec, p)
	return p, nil
}

// Specs returns the launches seen so far.
func (l *Launcher) Specs() []engine.Spec {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]engine.Spec, len(l.specs))
	copy(out, l.specs)
	return out
}

// Processes returns the processes handed out so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Process, len(l.procs))
	copy(out, l.procs)
	return out
}

// Jobs returns the job names launched, in order.
func (l *Launcher) Jobs() []string {
	specs := l.Specs()
	jobs := make([]string, len(specs))
	for i, s := range specs {
		jobs[i] = s.Job
	}
	return jobs
}

// Process is a controllable fake engine.Process.
type Process struct {
	id   string
	done chan struct{}

	mu     sync.Mutex
	exited bool
	code   int
	dead   bool
	killed bool
	closed bool
	output engine.Output
}

var _ engine.Process = (*Process)(nil)

// NewProcess returns a running fake process.
func NewProcess(id string) *Process {
	return &Process{id: id, done: make(chan struct{})}
}

// Exit marks the process as exited with code. Later calls are ignored.
func (p *Process) Exit(code int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

// Vanish makes the process disappear without an observed exit.
func (p *Process) Vanish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = true
}

// SetOutput sets the captured output.
func (p *Process) SetOutput(out engine.Output) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = out
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Closed reports whether Close was called.
func (p *Process) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Process) ID() string { return p.id }

func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.code
}

func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Exit(137)
	return nil
}

func (p *Process) Output() engine.Output {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

func (p *Process) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
