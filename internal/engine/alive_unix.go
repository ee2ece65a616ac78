//go:build unix

package engine

import (
	"errors"
	"os"
	"syscall"
)

// processAlive sends signal 0 to the child. A child that has finished but not
// yet been collected by Wait still counts as alive.
func processAlive(p *os.Process) bool {
	err := p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrProcessDone)
}
