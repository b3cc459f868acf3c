//go:build !windows

package stream

import (
	"os"
	"syscall"
)

// signalTerm asks the child to exit cleanly. exec.Cmd.WaitDelay escalates
// to SIGKILL if it ignores the request.
func signalTerm(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
