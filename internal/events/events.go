// Package events publishes run and job transitions as CloudEvents to an
// optional webhook.
package events

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"jobchain/internal/apperrors"
	"jobchain/internal/chain"
	"jobchain/internal/config"
	"jobchain/internal/dispatcher"
	"jobchain/internal/status"
	"jobchain/pkg/cloudevent"
)

// Event types
const (
	TypeBatchStart  = "jobchain.batch.start"
	TypeBatchFinish = "jobchain.batch.finish"
	TypeRunStatus   = "jobchain.run.status"
	TypeJobStart    = "jobchain.job.start"
	TypeJobFinish   = "jobchain.job.finish"
)

// Config holds webhook settings.
type Config struct {
	URL        string   // webhook URL, empty disables events
	SigningKey string   // HMAC key
	Types      []string // event types to send, empty sends all
	Source     string   // CloudEvent source
}

// LoadConfigFromEnv loads event configuration from environment variables.
func LoadConfigFromEnv() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	return Config{
		URL:        config.GetEnv("CALLBACK_URL", ""),
		SigningKey: config.GetSecretFile(config.GetEnv("CALLBACK_KEY_FILE", "")),
		Types:      config.GetListEnv("CALLBACK_EVENTS"),
		Source:     config.GetEnv("EVENT_SOURCE", "jobchain/"+host),
	}
}

// Enabled reports whether a webhook is configured.
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Allowed returns true if the event type passes the filter. An empty filter
// allows everything.
func Allowed(eventType string, filter []string) bool {
	return len(filter) == 0 || slices.Contains(filter, eventType)
}

// Notifier turns transitions into CloudEvents. Every event of one invocation
// carries the same batch ID.
type Notifier struct {
	cfg        Config
	dispatcher dispatcher.Dispatcher
	batchID    string
	project    string
	logger     *slog.Logger
}

var _ status.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier for one batch over project.
func NewNotifier(cfg Config, d dispatcher.Dispatcher, project string) *Notifier {
	batchID := uuid.NewString()
	return &Notifier{
		cfg:        cfg,
		dispatcher: d,
		batchID:    batchID,
		project:    project,
		logger:     slog.With("component", "events", "batchId", batchID),
	}
}

// BatchID returns the batch ID stamped on every event.
func (n *Notifier) BatchID() string {
	return n.batchID
}

// BatchStarted announces the runs about to be processed.
func (n *Notifier) BatchStarted(ctx context.Context, runIDs []string) {
	n.send(TypeBatchStart, n.batchID, map[string]any{
		"runs": runIDs,
	})
}

// BatchFinished announces the batch totals.
func (n *Notifier) BatchFinished(ctx context.Context, completed, failed, skipped int) {
	n.send(TypeBatchFinish, n.batchID, map[string]any{
		"completed": completed,
		"failed":    failed,
		"skipped":   skipped,
	})
}

// NotifyStatus forwards a status-file transition.
func (n *Notifier) NotifyStatus(ctx context.Context, u status.Update) {
	data := map[string]any{
		"runId":  u.RunID,
		"state":  string(u.State),
		"status": status.Format(u.State, u.Detail),
	}
	if u.Detail != "" {
		data["detail"] = u.Detail
	}
	n.send(TypeRunStatus, u.RunID, data)
}

// JobStarted announces an engine launch.
func (n *Notifier) JobStarted(ctx context.Context, j chain.Job) {
	data := map[string]any{
		"runId": j.RunID,
		"job":   j.Name,
		"step":  j.Step,
	}
	if j.Predecessor != "" {
		data["oldjob"] = j.Predecessor
	}
	n.send(TypeJobStart, j.RunID, data)
}

// JobFinished announces a job's classification.
func (n *Notifier) JobFinished(ctx context.Context, j chain.Job, outcome string, elapsed time.Duration, err error) {
	data := map[string]any{
		"runId":           j.RunID,
		"job":             j.Name,
		"step":            j.Step,
		"outcome":         outcome,
		"durationSeconds": elapsed.Seconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		data["errorKind"] = apperrors.Kind(err)
	}
	n.send(TypeJobFinish, j.RunID, data)
}

func (n *Notifier) send(eventType, subject string, data map[string]any) {
	if !n.cfg.Enabled() || !Allowed(eventType, n.cfg.Types) {
		return
	}
	data["batchId"] = n.batchID
	data["project"] = n.project

	event := &dispatcher.Event{
		Payload:     cloudevent.New(eventType, n.cfg.Source, subject, data),
		Destination: n.cfg.URL,
		SigningKey:  n.cfg.SigningKey,
	}
	if err := n.dispatcher.Dispatch(event); err != nil {
		n.logger.Warn("Event not queued", "type", eventType, "subject", subject, "error", err)
	}
}
