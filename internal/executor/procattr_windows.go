//go:build windows

package executor

import "os/exec"

// Windows has no process groups in the POSIX sense; the default Cancel kills
// the direct child only.
func configureProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {}
