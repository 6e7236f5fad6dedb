//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

func startPTY(*exec.Cmd, uint16, uint16) (*os.File, error) {
	return nil, errors.New("pseudo-terminals are not supported on this platform")
}

func setProcessGroup(*exec.Cmd) {}

func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func forceKill(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func exitSignal(*os.ProcessState) string { return "" }

// ProcessAlive cannot inspect other processes here, so every pid reads as gone.
func ProcessAlive(int) bool { return false }
