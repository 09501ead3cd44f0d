//go:build !windows

package workerpool

import (
	"os/exec"
	"syscall"
)

// configureWorkerProc puts the worker in its own process group so killing it
// cannot take the service down with it.
func configureWorkerProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
