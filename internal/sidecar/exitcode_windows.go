//go:build windows

package sidecar

import "os"

func exitCodeFromState(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	return state.ExitCode()
}
