//go:build !unix

package provider

import "os/exec"

// Process groups are a Unix notion; elsewhere only the direct child can
// be killed and WaitDelay bounds the pipe drain.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
