//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// setDaemonAttrs has nothing to detach on Windows.
func setDaemonAttrs(_ *exec.Cmd) {}

// shutdownSignals stop the server and cancel CLI runs.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// Windows has no graceful terminate; both map to a kill.
func sigTERM() syscall.Signal { return syscall.SIGKILL }

func sigKILL() syscall.Signal { return syscall.SIGKILL }
