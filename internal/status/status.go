// Package status maintains the single human-readable status file of a run.
package status

import (
	"fmt"
	"strings"
)

// State is a run's position in Pending -> Running -> {Completed | Error}.
type State string

const (
	Pending   State = "Pending" // never written; a run without a status file
	Running   State = "Running"
	Completed State = "Completed"
	Error     State = "Error"
)

// detailSeparator joins a state and its optional detail in the status file.
const detailSeparator = ": "

// Writable reports whether a state belongs to the status-file vocabulary.
func (s State) Writable() bool {
	return s == Running || s == Completed || s == Error
}

// Terminal reports whether no further transition is expected this invocation.
func (s State) Terminal() bool {
	return s == Completed || s == Error
}

// Format renders the status-file content for a state and optional detail.
// Newlines in the detail are flattened so the file stays a single line.
func Format(s State, detail string) string {
	detail = strings.Join(strings.Fields(detail), " ")
	if detail == "" {
		return string(s)
	}
	return string(s) + detailSeparator + detail
}

// Parse splits status-file content back into state and detail.
func Parse(content string) (State, string, error) {
	content = strings.TrimSpace(content)
	head, detail, _ := strings.Cut(content, detailSeparator)
	s := State(strings.TrimSpace(head))
	if !s.Writable() {
		return "", "", fmt.Errorf("unrecognised status %q", content)
	}
	return s, strings.TrimSpace(detail), nil
}
