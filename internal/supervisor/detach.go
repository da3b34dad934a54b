//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// daemonModeEnv is set in the re-exec'd child's environment so it knows it
// is already the detached instance and must not detach again.
const daemonModeEnv = "DAEMON_MANAGER_MODE"

// childEnviron is the environment handed to the managed subprocess: the
// supervisor's own environment with daemonModeEnv stripped out — the
// managed program must never observe that it was spawned by a re-exec'd
// daemon manager.
func childEnviron() []string {
	env := os.Environ()
	out := env[:0:0]
	prefix := daemonModeEnv + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// Detach is C8. A classic Unix daemon double-forks: fork, setsid in the
// child, fork again so the result can never reacquire a controlling
// terminal. Go cannot fork() without immediately exec()ing afterward — the
// runtime's other OS threads do not survive a bare fork — so this
// re-executes the current binary instead, setting Setsid on the new
// process and letting the original process exit. The visible contract
// (caller returns as soon as a detached, session-leading instance is
// running) is preserved even though the mechanism differs.
//
// Detach must be called before the listener is bound and before the event
// loop starts; it is a no-op if the process is already the re-exec'd
// instance.
func Detach() error {
	if os.Getenv(daemonModeEnv) == "1" {
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable for detach: %w", err)
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open /dev/null for detach: %w", err)
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Env:   append(os.Environ(), daemonModeEnv+"=1"),
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}

	proc, err := os.StartProcess(self, os.Args, attr)
	if err != nil {
		return fmt.Errorf("re-exec for detach: %w", err)
	}
	_ = proc.Release()

	os.Exit(0)
	return nil
}
