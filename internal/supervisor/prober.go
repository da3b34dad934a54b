//go:build linux

package supervisor

import (
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// startProber is C3: a background task that polls probe until it exits
// zero or the child it was launched for is no longer the current child.
// It never touches Supervisor state directly — only the mutex-guarded
// probing set on childHandle.
func startProber(child *childHandle, pid int, probe []string, log *zap.Logger) {
	log = log.Named("prober")
	defer child.clearProbing(pid)

	for child.currentPID() == pid {
		cmd := exec.Command(probe[0], probe[1:]...)
		err := cmd.Run()
		if err == nil {
			log.Debug("start-test program reported ready", zap.Int("pid", pid))
			return
		}
		time.Sleep(time.Second)
	}
}
