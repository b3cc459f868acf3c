//go:build windows

package stream

import "os"

// signalTerm kills the child outright. Windows has no SIGTERM equivalent
// for console-less children.
func signalTerm(p *os.Process) error {
	return p.Kill()
}
