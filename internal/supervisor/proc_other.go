//go:build !unix

package supervisor

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// terminateProcess kills outright: there is no SIGTERM equivalent here.
func terminateProcess(cmd *exec.Cmd) error {
	return killProcess(cmd)
}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
