//go:build unix

package engine

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// 引擎运行在独立的进程组中，停止时连同它派生的子进程一起结束。
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

func forceKill(p *os.Process) {
	if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil {
		p.Kill()
	}
}
