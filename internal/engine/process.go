package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"jobchain/internal/apperrors"
)

// ProcessLauncher runs the engine launcher as a local child process.
type ProcessLauncher struct {
	// Path is the launcher binary. A bare name is looked up on PATH; anything
	// containing a path separator must exist as given.
	Path string

	// TailSize bounds captured output per stream (default 64 KiB).
	TailSize int
}

// NewProcessLauncher creates a launcher for the binary at path.
func NewProcessLauncher(path string) *ProcessLauncher {
	return &ProcessLauncher{Path: path}
}

func (l *ProcessLauncher) String() string {
	return l.Path
}

// Check resolves the launcher binary.
func (l *ProcessLauncher) Check(ctx context.Context) error {
	_, err := l.resolve()
	return err
}

func (l *ProcessLauncher) resolve() (string, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return "", apperrors.EngineUnavailable("(unset)", errors.New("no engine launcher configured"))
	}

	if !strings.ContainsRune(path, filepath.Separator) && !strings.ContainsRune(path, '/') {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", apperrors.EngineUnavailable(path, err)
		}
		return resolved, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", apperrors.EngineUnavailable(path, err)
	}
	if info.IsDir() {
		return "", apperrors.EngineUnavailable(path, errors.New("is a directory"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperrors.EngineUnavailable(path, err)
	}
	return abs, nil
}

// Launch starts the launcher with spec.Dir as working directory.
func (l *ProcessLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	path, err := l.resolve()
	if err != nil {
		return nil, err
	}

	// The child is not bound to ctx: the executor decides when to kill it.
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir

	p := &localProcess{
		cmd:    cmd,
		stdout: newTailBuffer(l.TailSize),
		stderr: newTailBuffer(l.TailSize),
		done:   make(chan struct{}),
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.EngineUnavailable(path, err)
	}

	go p.wait()
	return p, nil
}

// localProcess is a child started by ProcessLauncher.
type localProcess struct {
	cmd    *exec.Cmd
	stdout *tailBuffer
	stderr *tailBuffer
	done   chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
	waitErr  error
}

func (p *localProcess) wait() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.waitErr = err
	p.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.exitCode = -1
		}
	}
	p.mu.Unlock()

	close(p.done)
}

func (p *localProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *localProcess) Done() <-chan struct{} {
	return p.done
}

func (p *localProcess) Exited() (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitCode
}

func (p *localProcess) Alive() bool {
	return processAlive(p.cmd.Process)
}

func (p *localProcess) Kill() error {
	if exited, _ := p.Exited(); exited {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.cmd.Process.Pid, err)
	}
	return nil
}

func (p *localProcess) Output() Output {
	return Output{Stdout: p.stdout.String(), Stderr: p.stderr.String()}
}

func (p *localProcess) Close() error {
	return nil
}
