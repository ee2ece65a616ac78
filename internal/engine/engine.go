// Package engine launches the external simulation engine for one job and
// watches it until it exits.
//
// # Backends
//
// A Launcher starts the engine and hands back a Process. Two backends exist:
//
//   - ProcessLauncher runs a local launcher binary with os/exec.
//   - DockerLauncher runs the launcher inside a container with the run
//     directory bind-mounted as its working directory.
//
// The Executor never interprets the engine's output or exit code. Whether a
// job succeeded is decided afterwards from its artifacts (see package detect).
package engine

import (
	"context"

	"jobchain/internal/chain"
)

// Spec describes one engine invocation.
type Spec struct {
	Job  string   // engine job name, used for labels and logs
	Dir  string   // working directory (the run directory)
	Args []string // engine arguments, e.g. job=... input=... int
}

// Launcher starts engine processes.
type Launcher interface {
	// Check verifies the engine can be started, without starting it.
	Check(ctx context.Context) error

	// Launch starts the engine and returns immediately.
	Launch(ctx context.Context, spec Spec) (Process, error)

	// String names the launcher for logs (path or image).
	String() string
}

// Process is a running engine invocation.
type Process interface {
	// ID identifies the process (pid or container ID).
	ID() string

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// Exited reports, without blocking, whether the process has exited and
	// with which code.
	Exited() (exited bool, code int)

	// Alive reports whether the process still exists. It can turn false
	// before Exited turns true when the process vanished without being reaped.
	Alive() bool

	// Kill stops the process. Killing an exited process is a no-op.
	Kill() error

	// Output returns the captured tail of stdout and stderr.
	Output() Output

	// Close releases resources such as stopped containers.
	Close() error
}

// Output is captured diagnostic output from the engine.
type Output struct {
	Stdout string
	Stderr string
}

// Args builds the engine command-line arguments for a job:
//
//	job=<name> input=<file> [oldjob=<predecessor>] <mode>
func Args(j chain.Job, mode string) []string {
	args := []string{"job=" + j.Name, "input=" + j.InputFile}
	if j.Predecessor != "" {
		args = append(args, "oldjob="+j.Predecessor)
	}
	if mode != "" {
		args = append(args, mode)
	}
	return args
}
