//go:build !unix

package dispatch

import "os"

func killProcess(p *os.Process) error {
	return p.Kill()
}
