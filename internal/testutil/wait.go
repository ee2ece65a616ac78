// Package testutil provides polling helpers for tests that observe background
// work: dispatcher deliveries, status files, and engine artifacts.
package testutil

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures polling.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for the Wait helpers.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default 20ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  10 * time.Second,
		Interval: 20 * time.Millisecond,
	}
}

// WaitFor polls condition until it returns true or the timeout passes. The
// condition is always evaluated at least once, and once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if condition() {
		return true
	}

	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if condition() {
				return true
			}
		case <-deadline.C:
			return condition()
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// WaitForCount waits until counter reaches target.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool { return counter.Load() >= target }, opts...)
}

// MustWaitForCount is WaitForCount that fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}

// MustWaitForFile waits until path exists and its content satisfies match,
// then returns the content. A nil match accepts any content.
func MustWaitForFile(tb testing.TB, path string, match func(content string) bool, opts ...WaitOption) string {
	tb.Helper()

	var last string
	ok := WaitFor(tb, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		last = string(data)
		return match == nil || match(last)
	}, opts...)
	if !ok {
		tb.Fatalf("timed out waiting for %s (last content: %q)", path, last)
	}
	return last
}
