//go:build unix

package dispatch

import (
	"os"

	"golang.org/x/sys/unix"
)

func killProcess(p *os.Process) error {
	return unix.Kill(p.Pid, unix.SIGKILL)
}
