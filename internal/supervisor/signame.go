//go:build linux

package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
)

// signameTable is built once and consulted read-only; it is the Go
// equivalent of zdrun.py's _init_signames() module-level table.
var signameTable = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGILL:  "SIGILL",
	syscall.SIGTRAP: "SIGTRAP",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGBUS:  "SIGBUS",
	syscall.SIGFPE:  "SIGFPE",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGUSR1: "SIGUSR1",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGUSR2: "SIGUSR2",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGALRM: "SIGALRM",
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGCHLD: "SIGCHLD",
	syscall.SIGCONT: "SIGCONT",
	syscall.SIGSTOP: "SIGSTOP",
	syscall.SIGTSTP: "SIGTSTP",
	syscall.SIGTTIN: "SIGTTIN",
	syscall.SIGTTOU: "SIGTTOU",
	syscall.SIGURG:  "SIGURG",
	syscall.SIGXCPU: "SIGXCPU",
	syscall.SIGXFSZ: "SIGXFSZ",
	syscall.SIGVTALRM: "SIGVTALRM",
	syscall.SIGPROF:  "SIGPROF",
	syscall.SIGWINCH: "SIGWINCH",
	syscall.SIGIO:    "SIGIO",
	syscall.SIGSYS:   "SIGSYS",
}

// signame returns a symbolic name for sig, or "signal N" if unknown.
func signame(sig syscall.Signal) string {
	if name, ok := signameTable[sig]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", int(sig))
}

// parseSignal accepts a numeric signal, a bare name ("CONT"), or a
// "SIG"-prefixed name ("SIGCONT"), case-insensitively.
func parseSignal(s string) (syscall.Signal, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, false
		}
		return syscall.Signal(n), true
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	for sig, nm := range signameTable {
		if nm == name {
			return sig, true
		}
	}
	return 0, false
}
