//go:build !linux

package osext

import "os/exec"

// KillAfterParent is a no-op where the OS can't tie a child's lifetime to
// its parent. ForceProcessShutdown covers those platforms.
func KillAfterParent(_ *exec.Cmd) {}
