// Package osext tracks the browser processes started by ghost so they can be
// killed when the host process has to shut down abruptly.
package osext

import (
	"context"
	"os"
	"sync"

	"github.com/grafana/ghost/log"
)

var (
	processRegister   = map[int]struct{}{} //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{}       //nolint:gochecknoglobals
)

// Register records pid as a process to kill on forced shutdown.
func Register(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:register", "registered process pid %d", pid)

	processRegister[pid] = struct{}{}
}

// Unregister forgets pid, once its process has exited.
func Unregister(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Process:unregister", "unregistered process pid %d", pid)

	delete(processRegister, pid)
}

// Registered returns the number of registered processes.
func Registered() int {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	return len(processRegister)
}

// ForceProcessShutdown kills every registered process. It should be called
// when ghost has to shut down due to an internal error.
func ForceProcessShutdown(_ context.Context) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for pid := range processRegister {
		Kill(pid)
		delete(processRegister, pid)
	}
}

// Kill will look for and kill the process with the given pid. It is a
// variable so tests can replace it.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Kill()
	_ = p.Release()
}
