// Package chain defines the ordered sequence of engine steps run for every
// case directory, and derives the concrete job names and files for a run.
package chain

import (
	"fmt"
	"iter"
	"strings"
)

// Defaults for the built-in chain.
const (
	DefaultInputExtension     = ".inp"
	DefaultExpectedStatusLogs = 7
)

// Step describes one link of the chain.
type Step struct {
	Name        string `yaml:"name"`
	Predecessor string `yaml:"predecessor,omitempty"` // step whose result database seeds this one
	StatusLogs  int    `yaml:"statusLogs,omitempty"`  // .sta files the step leaves behind (default 1)
}

// Chain is a linear, fixed-order list of steps.
type Chain struct {
	Steps          []Step `yaml:"steps"`
	InputExtension string `yaml:"inputExtension,omitempty"`

	// ExpectedStatusLogs is the number of .sta files that marks a run as
	// complete. It is configured explicitly rather than derived from Steps.
	ExpectedStatusLogs int `yaml:"expectedStatusLogs,omitempty"`
}

// Default returns the tire transfer / rolling tire chain.
func Default() *Chain {
	c := &Chain{
		Steps: []Step{
			{Name: "tiretransfer_axi_half"},
			{Name: "tiretransfer_symmetric", Predecessor: "tiretransfer_axi_half"},
			{Name: "tiretransfer_full", Predecessor: "tiretransfer_symmetric"},
			{Name: "rollingtire_brake_trac", Predecessor: "tiretransfer_full"},
			{Name: "rollingtire_brake_trac1", Predecessor: "rollingtire_brake_trac"},
			{Name: "rollingtire_freeroll", Predecessor: "rollingtire_brake_trac1"},
		},
		InputExtension:     DefaultInputExtension,
		ExpectedStatusLogs: DefaultExpectedStatusLogs,
	}
	c.applyDefaults()
	return c
}

// applyDefaults fills zero values. Does not validate.
func (c *Chain) applyDefaults() {
	if c.InputExtension == "" {
		c.InputExtension = DefaultInputExtension
	}
	if !strings.HasPrefix(c.InputExtension, ".") {
		c.InputExtension = "." + c.InputExtension
	}
	for i := range c.Steps {
		if c.Steps[i].StatusLogs <= 0 {
			c.Steps[i].StatusLogs = 1
		}
	}
	if c.ExpectedStatusLogs <= 0 {
		total := 0
		for _, s := range c.Steps {
			total += s.StatusLogs
		}
		c.ExpectedStatusLogs = total
	}
}

// Validate checks that the chain is linear: every step other than the first
// depends on nothing or on the step immediately before it.
func (c *Chain) Validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("chain: at least one step is required")
	}

	seen := make(map[string]struct{}, len(c.Steps))
	for i, s := range c.Steps {
		if s.Name == "" {
			return fmt.Errorf("chain step[%d]: name is required", i)
		}
		if strings.ContainsAny(s.Name, `/\ `) || s.Name == "." || s.Name == ".." {
			return fmt.Errorf("chain step[%d]: name %q is not a valid file stem", i, s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("chain step[%d]: duplicate step %q", i, s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.Predecessor == "" {
			continue
		}
		if i == 0 {
			return fmt.Errorf("chain step %q: first step cannot have a predecessor", s.Name)
		}
		if prev := c.Steps[i-1].Name; s.Predecessor != prev {
			return fmt.Errorf("chain step %q: predecessor must be %q, got %q", s.Name, prev, s.Predecessor)
		}
	}

	if c.ExpectedStatusLogs < 0 {
		return fmt.Errorf("chain: expectedStatusLogs must not be negative")
	}
	return nil
}

// Len returns the number of steps.
func (c *Chain) Len() int {
	return len(c.Steps)
}

// Job derives the job for one step of a run.
func (c *Chain) Job(runID string, s Step) Job {
	ext := c.InputExtension
	if ext == "" {
		ext = DefaultInputExtension
	}
	j := Job{
		RunID:     runID,
		Step:      s.Name,
		Name:      JobName(runID, s.Name),
		InputFile: s.Name + ext,
	}
	if s.Predecessor != "" {
		j.Predecessor = JobName(runID, s.Predecessor)
	}
	return j
}

// Jobs yields the run's jobs in chain order. The sequence is pure and may be
// iterated any number of times.
func (c *Chain) Jobs(runID string) iter.Seq[Job] {
	return func(yield func(Job) bool) {
		for _, s := range c.Steps {
			if !yield(c.Job(runID, s)) {
				return
			}
		}
	}
}
