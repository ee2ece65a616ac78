// Package report renders the state of every run for the status command.
package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"jobchain/internal/chain"
	"jobchain/internal/detect"
	"jobchain/internal/discovery"
	"jobchain/internal/status"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle      = lipgloss.NewStyle().Padding(0, 1)
	completedStyle = cellStyle.Foreground(lipgloss.Color("42")).Bold(true)
	runningStyle   = cellStyle.Foreground(lipgloss.Color("214"))
	errorStyle     = cellStyle.Foreground(lipgloss.Color("203")).Bold(true)
	mutedStyle     = cellStyle.Foreground(lipgloss.Color("245"))
	borderStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Unknown labels a run whose status file exists but cannot be read or parsed.
const Unknown status.State = "Unknown"

// Row is the observed state of one run.
type Row struct {
	RunID      string
	State      status.State
	Detail     string
	StatusLogs int
	Expected   int
	NextStep   string // first step not yet successful, empty when all are
	ReadErr    error  // status file present but unreadable or unrecognised
}

// Collect inspects each run without modifying it.
func Collect(c *chain.Chain, pub *status.Publisher, runs []discovery.Run, expected int) []Row {
	if expected <= 0 {
		expected = c.ExpectedStatusLogs
	}

	rows := make([]Row, 0, len(runs))
	for _, run := range runs {
		row := Row{RunID: run.ID, Expected: expected}

		row.State, row.Detail, row.ReadErr = pub.Read(run.Dir)
		if n, err := detect.CountStatusLogs(run.Dir); err == nil {
			row.StatusLogs = n
		}
		if next := detect.NextStep(c, run.ID, run.Dir); next < c.Len() {
			row.NextStep = c.Steps[next].Name
		}
		rows = append(rows, row)
	}
	return rows
}

// Counts tallies rows by state. Rows with a read error count as Unknown.
func Counts(rows []Row) map[status.State]int {
	counts := make(map[status.State]int)
	for _, r := range rows {
		counts[r.label()]++
	}
	return counts
}

// Render writes rows as a table followed by a one-line summary.
func Render(w io.Writer, rows []Row) error {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers("RUN", "STATE", "STA", "NEXT STEP", "DETAIL").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(rows) {
				return stateStyle(rows[row].label())
			}
			return cellStyle
		})

	for _, r := range rows {
		next := r.NextStep
		if next == "" {
			next = "-"
		}
		detail := r.Detail
		if r.ReadErr != nil {
			detail = r.ReadErr.Error()
		}
		t.Row(
			r.RunID,
			string(r.label()),
			strconv.Itoa(r.StatusLogs)+"/"+strconv.Itoa(r.Expected),
			next,
			truncate(detail, 60),
		)
	}

	counts := Counts(rows)
	summary := fmt.Sprintf("%d runs: %d completed, %d running, %d error, %d pending, %d unknown",
		len(rows), counts[status.Completed], counts[status.Running], counts[status.Error], counts[status.Pending], counts[Unknown])

	_, err := fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, t.String(), mutedStyle.Render(summary)))
	return err
}

func (r Row) label() status.State {
	if r.ReadErr != nil {
		return Unknown
	}
	return r.State
}

func stateStyle(s status.State) lipgloss.Style {
	switch s {
	case status.Completed:
		return completedStyle
	case status.Running:
		return runningStyle
	case status.Error:
		return errorStyle
	default:
		return mutedStyle
	}
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
