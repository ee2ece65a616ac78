package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker()

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("engine unavailable") }

	tests := []struct {
		name       string
		engine     CheckFunc
		dispatcher CheckFunc
		want       Status
	}{
		{"all healthy", ok, ok, StatusHealthy},
		{"dispatcher degraded", ok, fail, StatusDegraded},
		{"engine down", fail, ok, StatusUnhealthy},
		{"both down", fail, fail, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			checker := NewChecker()
			checker.AddCheck("engine", tt.engine, true)
			checker.AddCheck("dispatcher", tt.dispatcher, false)

			response := checker.Readiness(context.Background())
			if response.Status != tt.want {
				t.Errorf("Readiness() status = %s, want %s", response.Status, tt.want)
			}
			if len(response.Checks) != 2 {
				t.Errorf("expected 2 checks, got %v", response.Checks)
			}
		})
	}
}

func TestChecker_ReadinessIsCached(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	checker := NewChecker()
	checker.AddCheck("engine", func(context.Context) error {
		calls.Add(1)
		return nil
	}, true)

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls.Load() != 1 {
		t.Errorf("expected cached second probe, check ran %d times", calls.Load())
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker()
	checker.AddCheck("engine", func(context.Context) error { return nil }, true)
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Errorf("expected shutdown check, got %v", response.Checks)
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  Status
		healthy bool
		serving bool
	}{
		{"healthy", StatusHealthy, true, true},
		{"unhealthy", StatusUnhealthy, false, false},
		{"degraded", StatusDegraded, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.healthy {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.healthy)
			}
			if response.IsServing() != tt.serving {
				t.Errorf("IsServing() = %v, want %v", response.IsServing(), tt.serving)
			}
		})
	}
}
