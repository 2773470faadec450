//go:build !windows

package sidecar

import (
	"os"
	"syscall"
)

// exitCodeFromState maps a reaped process state to a shell-style exit code.
// Signal deaths report 128+signal, matching what a shell would show.
func exitCodeFromState(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}
