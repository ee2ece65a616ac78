// Package discovery enumerates the run directories of a project.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"jobchain/internal/apperrors"
)

// Run is one case directory holding a full job chain.
type Run struct {
	ID     string // directory name
	Number int    // numeric value of ID, -1 when an explicit ID is not numeric
	Dir    string // absolute or project-relative path
}

// Discover returns the runs to process under projectRoot.
//
// With a non-empty runID only that directory is returned, after checking it
// exists. Otherwise every immediate subdirectory is returned, ordered by the
// numeric value of its name. A single non-numeric name fails the whole batch.
func Discover(projectRoot, runID string) ([]Run, error) {
	root := strings.TrimSpace(projectRoot)
	if root == "" {
		return nil, apperrors.Discovery(projectRoot, "project path is required", nil)
	}

	if id := strings.TrimSpace(runID); id != "" {
		run, err := explicit(root, id)
		if err != nil {
			return nil, err
		}
		return []Run{run}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, apperrors.Discovery(root, "read project directory", err)
	}

	runs := make([]Run, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(e.Name())
		if err != nil {
			return nil, apperrors.Discovery(root, fmt.Sprintf("non-numeric run directory %q", e.Name()), nil)
		}
		runs = append(runs, Run{ID: e.Name(), Number: n, Dir: filepath.Join(root, e.Name())})
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].Number != runs[j].Number {
			return runs[i].Number < runs[j].Number
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func explicit(root, id string) (Run, error) {
	if id != filepath.Base(id) || id == "." || id == ".." {
		return Run{}, apperrors.Discovery(root, fmt.Sprintf("run identifier %q is not a directory name", id), nil)
	}

	dir := filepath.Join(root, id)
	info, err := os.Stat(dir)
	if err != nil {
		return Run{}, apperrors.Discovery(root, fmt.Sprintf("run folder %s does not exist", dir), err)
	}
	if !info.IsDir() {
		return Run{}, apperrors.Discovery(root, fmt.Sprintf("run folder %s is not a directory", dir), nil)
	}

	n, err := strconv.Atoi(id)
	if err != nil {
		n = -1
	}
	return Run{ID: id, Number: n, Dir: dir}, nil
}
