package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultFileName is the status file written in every run directory.
const DefaultFileName = "analysis_status.txt"

// Update is one state transition of a run.
type Update struct {
	RunID  string
	RunDir string
	State  State
	Detail string
}

// Notifier receives every published update. Implementations must not block.
type Notifier interface {
	NotifyStatus(ctx context.Context, u Update)
}

// MetricsRecorder is an optional interface for counting status writes.
type MetricsRecorder interface {
	RecordStatusWrite(ctx context.Context, state string)
}

// Publisher overwrites the status file of a run on every transition.
type Publisher struct {
	fileName string
	notifier Notifier
	metrics  MetricsRecorder
	logger   *slog.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithNotifier forwards every update to n.
func WithNotifier(n Notifier) Option {
	return func(p *Publisher) { p.notifier = n }
}

// WithMetrics records status writes.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher creates a publisher writing fileName in each run directory.
func NewPublisher(fileName string, opts ...Option) *Publisher {
	if fileName == "" {
		fileName = DefaultFileName
	}
	p := &Publisher{
		fileName: fileName,
		logger:   slog.With("component", "status"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Path returns the status file path for a run directory.
func (p *Publisher) Path(runDir string) string {
	return filepath.Join(runDir, p.fileName)
}

// Publish atomically replaces the run's status file.
func (p *Publisher) Publish(ctx context.Context, runDir string, s State, detail string) error {
	if !s.Writable() {
		return fmt.Errorf("status %q cannot be written", s)
	}

	content := Format(s, detail)
	if err := writeAtomic(p.Path(runDir), []byte(content)); err != nil {
		p.logger.Error("Status write failed", "runDir", runDir, "status", content, "error", err)
		return err
	}
	p.logger.Debug("Status written", "runDir", runDir, "status", content)

	if p.metrics != nil {
		p.metrics.RecordStatusWrite(ctx, string(s))
	}
	if p.notifier != nil {
		p.notifier.NotifyStatus(ctx, Update{
			RunID:  filepath.Base(runDir),
			RunDir: runDir,
			State:  s,
			Detail: detail,
		})
	}
	return nil
}

// Read returns the current state of a run. A missing file is Pending.
func (p *Publisher) Read(runDir string) (State, string, error) {
	data, err := os.ReadFile(p.Path(runDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Pending, "", nil
		}
		return "", "", fmt.Errorf("read status file: %w", err)
	}
	return Parse(string(data))
}

// writeAtomic writes data to a temp file in the same directory and renames
// it over path, so readers never observe an empty or partial file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
