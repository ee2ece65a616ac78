package chain

import "fmt"

// Artifact extensions written by the engine for every job.
const (
	StatusLogExt = ".sta"
	DataLogExt   = ".dat"
	ResultDBExt  = ".odb"
)

// Job is one engine invocation within a run.
type Job struct {
	RunID       string
	Step        string
	Name        string // Run_{id}_{step}
	InputFile   string // {step}.inp, relative to the run directory
	Predecessor string // checkpoint source job name, empty for the first step
}

// JobName builds the engine job name for a run and step.
func JobName(runID, step string) string {
	return fmt.Sprintf("Run_%s_%s", runID, step)
}

// StatusLog returns the status log file name.
func (j Job) StatusLog() string { return j.Name + StatusLogExt }

// DataLog returns the data log file name.
func (j Job) DataLog() string { return j.Name + DataLogExt }

// ResultDB returns the result database file name.
func (j Job) ResultDB() string { return j.Name + ResultDBExt }

// Artifacts returns every file the engine must leave behind for a successful job.
func (j Job) Artifacts() []string {
	return []string{j.StatusLog(), j.DataLog(), j.ResultDB()}
}
