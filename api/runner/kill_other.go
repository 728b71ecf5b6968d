//go:build !unix

package runner

import (
	"os/exec"
	"time"
)

func configureKill(cmd *exec.Cmd) {
	cmd.WaitDelay = 5 * time.Second
}
