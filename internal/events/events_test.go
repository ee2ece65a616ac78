package events

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"jobchain/internal/apperrors"
	"jobchain/internal/chain"
	"jobchain/internal/dispatcher"
	"jobchain/internal/status"
)

// recordingDispatcher keeps dispatched events in memory.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
	err    error
}

func (r *recordingDispatcher) Dispatch(e *dispatcher.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingDispatcher) Stats() dispatcher.Stats { return dispatcher.Stats{} }

func (r *recordingDispatcher) Close(context.Context) error { return nil }

func (r *recordingDispatcher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Payload.Type
	}
	return out
}

func TestAllowed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		eventType string
		filter    []string
		want      bool
	}{
		{TypeRunStatus, nil, true},
		{TypeRunStatus, []string{TypeRunStatus}, true},
		{TypeJobStart, []string{TypeRunStatus, TypeJobFinish}, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.eventType, tt.filter); got != tt.want {
			t.Errorf("Allowed(%q, %v) = %v, want %v", tt.eventType, tt.filter, got, tt.want)
		}
	}
}

func TestNotifier_Lifecycle(t *testing.T) {
	t.Parallel()
	rec := &recordingDispatcher{}
	n := NewNotifier(Config{URL: "http://hooks.local/jobchain", SigningKey: "k", Source: "jobchain/test"}, rec, "/data/tire")
	ctx := context.Background()

	c := chain.Default()
	j := c.Job("4", c.Steps[1])

	n.BatchStarted(ctx, []string{"4"})
	n.NotifyStatus(ctx, status.Update{RunID: "4", State: status.Running, Detail: j.Name})
	n.JobStarted(ctx, j)
	n.JobFinished(ctx, j, "aborted", time.Minute, apperrors.CompletionCheck(j.Name, "status log reports ABORTED", nil))
	n.BatchFinished(ctx, 0, 1, 0)

	want := []string{TypeBatchStart, TypeRunStatus, TypeJobStart, TypeJobFinish, TypeBatchFinish}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}

	for _, e := range rec.events {
		data := e.Payload.Data.(map[string]any)
		if data["batchId"] != n.BatchID() {
			t.Errorf("%s: batchId = %v", e.Payload.Type, data["batchId"])
		}
		if e.SigningKey != "k" || e.Destination != "http://hooks.local/jobchain" {
			t.Errorf("%s: unexpected routing %+v", e.Payload.Type, e)
		}
	}

	statusData := rec.events[1].Payload.Data.(map[string]any)
	if statusData["status"] != "Running: Run_4_tiretransfer_symmetric" {
		t.Errorf("status = %v", statusData["status"])
	}
	start := rec.events[2].Payload.Data.(map[string]any)
	if start["oldjob"] != "Run_4_tiretransfer_axi_half" {
		t.Errorf("oldjob = %v", start["oldjob"])
	}
	finish := rec.events[3].Payload.Data.(map[string]any)
	if finish["errorKind"] != "completion_check" || finish["outcome"] != "aborted" {
		t.Errorf("finish data = %v", finish)
	}
}

func TestNotifier_DisabledAndFiltered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rec := &recordingDispatcher{}
	NewNotifier(Config{}, rec, "p").NotifyStatus(ctx, status.Update{RunID: "1", State: status.Running})
	if len(rec.types()) != 0 {
		t.Errorf("disabled notifier sent %v", rec.types())
	}

	rec = &recordingDispatcher{}
	n := NewNotifier(Config{URL: "http://hooks.local", Types: []string{TypeRunStatus}}, rec, "p")
	c := chain.Default()
	n.JobStarted(ctx, c.Job("1", c.Steps[0]))
	n.NotifyStatus(ctx, status.Update{RunID: "1", State: status.Completed})
	if got := rec.types(); !slices.Equal(got, []string{TypeRunStatus}) {
		t.Errorf("filtered types = %v", got)
	}
}

func TestNotifier_DispatchErrorIsNotFatal(t *testing.T) {
	t.Parallel()
	rec := &recordingDispatcher{err: errors.New("dispatcher buffer full, event dropped")}
	n := NewNotifier(Config{URL: "http://hooks.local"}, rec, "p")

	// Must not panic or block.
	n.NotifyStatus(context.Background(), status.Update{RunID: "1", State: status.Error, Detail: "boom"})
}

func TestLoadConfigFromEnv(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "callback-key")
	if err := os.WriteFile(keyFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALLBACK_URL", "http://hooks.local/jobchain")
	t.Setenv("CALLBACK_KEY_FILE", keyFile)
	t.Setenv("CALLBACK_EVENTS", "jobchain.run.status, jobchain.job.finish")
	t.Setenv("EVENT_SOURCE", "jobchain/cluster-a")

	cfg := LoadConfigFromEnv()
	if !cfg.Enabled() || cfg.SigningKey != "s3cret" || cfg.Source != "jobchain/cluster-a" {
		t.Errorf("LoadConfigFromEnv() = %+v", cfg)
	}
	if !slices.Equal(cfg.Types, []string{TypeRunStatus, TypeJobFinish}) {
		t.Errorf("Types = %v", cfg.Types)
	}
}
