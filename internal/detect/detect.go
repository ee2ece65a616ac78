// Package detect classifies engine jobs from the artifacts they leave in a
// run directory. Nothing is cached: every call reads the filesystem.
package detect

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"jobchain/internal/apperrors"
	"jobchain/internal/chain"
)

// Markers searched for in the status log.
const (
	CompletedMarker = "COMPLETED"
	AbortedMarker   = "ABORTED"
)

// Outcome is the terminal classification of a job.
type Outcome int

const (
	Unknown Outcome = iota // no artifacts at all
	Success
	Failure
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is the outcome of checking one job.
type Result struct {
	Job     string
	Outcome Outcome
	Missing []string // expected artifacts not found
	ReadErr error    // status log could not be read
}

// OK reports whether the job succeeded.
func (r Result) OK() bool {
	return r.Outcome == Success
}

// Err converts a non-successful result into a completion-check error.
func (r Result) Err() error {
	switch {
	case r.Outcome == Success:
		return nil
	case r.ReadErr != nil:
		return apperrors.CompletionCheck(r.Job, "status log unreadable", r.ReadErr)
	case r.Outcome == Aborted:
		return apperrors.CompletionCheck(r.Job, "status log reports "+AbortedMarker, nil)
	case r.Outcome == Unknown:
		return apperrors.CompletionCheck(r.Job, "no artifacts produced", nil)
	case len(r.Missing) > 0:
		return apperrors.CompletionCheck(r.Job, "missing "+strings.Join(r.Missing, ", "), nil)
	default:
		return apperrors.CompletionCheck(r.Job, "status log has no "+CompletedMarker+" marker", nil)
	}
}

// Check classifies a job from its .sta/.dat/.odb artifacts.
func Check(runDir string, j chain.Job) Result {
	res := Result{Job: j.Name}

	artifacts := j.Artifacts()
	for _, name := range artifacts {
		if _, err := os.Stat(filepath.Join(runDir, name)); err != nil {
			res.Missing = append(res.Missing, name)
		}
	}
	if len(res.Missing) == len(artifacts) {
		res.Outcome = Unknown
		return res
	}

	staPath := filepath.Join(runDir, j.StatusLog())
	data, err := os.ReadFile(staPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			res.ReadErr = fmt.Errorf("read %s: %w", staPath, err)
		}
		res.Outcome = Failure
		return res
	}

	content := string(data)
	switch {
	case strings.Contains(content, AbortedMarker):
		res.Outcome = Aborted
	case len(res.Missing) > 0:
		res.Outcome = Failure
	case strings.Contains(content, CompletedMarker):
		res.Outcome = Success
	default:
		res.Outcome = Failure
	}
	return res
}

// CountStatusLogs counts the *.sta files directly inside runDir.
func CountStatusLogs(runDir string) (int, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), chain.StatusLogExt) {
			n++
		}
	}
	return n, nil
}

// NextStep returns the index of the first job in the chain that has not
// succeeded. It returns c.Len() when every job succeeded.
func NextStep(c *chain.Chain, runID, runDir string) int {
	i := 0
	for j := range c.Jobs(runID) {
		if !Check(runDir, j).OK() {
			return i
		}
		i++
	}
	return i
}
