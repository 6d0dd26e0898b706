//go:build !unix

package engine

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd) {}

// Windows has no SIGTERM; the engine is killed right away.
func terminate(p *os.Process) error {
	return p.Kill()
}

func forceKill(p *os.Process) {
	p.Kill()
}
