//go:build windows

package workerpool

import (
	"os/exec"
	"syscall"
)

func configureWorkerProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}
