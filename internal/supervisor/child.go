//go:build linux

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	accessX = 0x1
)

// childHandle is C2: it resolves the program path, forks/execs, tracks pid
// and last-start timestamp, sends signals, and decodes exit status.
//
// All mutable fields are guarded by mu because the start-test prober reads
// pid concurrently with the loop goroutine.
type childHandle struct {
	argv     []string
	filename string

	mu        sync.Mutex
	pid       int
	lastStart time.Time
	probing   map[int]struct{}
}

func newChildHandle(argv []string, filename string) *childHandle {
	return &childHandle{
		argv:     argv,
		filename: filename,
		probing:  make(map[int]struct{}),
	}
}

// resolveProgram turns a program name into an absolute, executable path,
// mirroring zdrun.py's Subprocess._set_filename.
func resolveProgram(program string) (string, error) {
	if strings.ContainsRune(program, '/') {
		info, err := os.Stat(program)
		if err != nil {
			return "", fmt.Errorf("can't stat program %q", program)
		}
		if info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("no permission to run program %q", program)
		}
		return program, nil
	}

	for _, dir := range searchPath() {
		candidate := filepath.Join(dir, program)
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		if syscall.Access(candidate, accessX) != nil {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("can't find program %q on PATH", program)
}

func searchPath() []string {
	p := os.Getenv("PATH")
	if p == "" {
		return []string{"/bin", "/usr/bin", "/usr/local/bin"}
	}
	return strings.Split(p, string(os.PathListSeparator))
}

// Spawn starts the subprocess. Precondition: pid == 0.
//
// Unlike os/exec.Cmd (whose Wait() performs its own blocking wait4 on the
// child's pid), this uses os.StartProcess directly so the *supervisor
// loop* is the only thing that ever reaps this pid, via its own
// non-blocking waitpid in supervisor.go — reaping must happen exactly
// once, synchronously, in the loop. Passing an explicit Files slice also
// gives us "close every fd >= 3" for free: the child inherits exactly the
// three descriptors we hand it, nothing else.
func (c *childHandle) Spawn(env []string, stdout, stderr *os.File) (int, error) {
	c.mu.Lock()
	if c.pid != 0 {
		c.mu.Unlock()
		return 0, errors.New("spawn: already running")
	}
	c.lastStart = time.Now()
	c.mu.Unlock()

	devnull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open /dev/null: %w", err)
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devnull, stdout, stderr},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	}

	proc, err := os.StartProcess(c.filename, c.argv, attr)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.pid = proc.Pid
	c.mu.Unlock()
	return proc.Pid, nil
}

// Kill sends sig to the subprocess. Returns an error if none is running
// or the signal could not be delivered.
func (c *childHandle) Kill(sig syscall.Signal) error {
	pid := c.currentPID()
	if pid == 0 {
		return errors.New("no subprocess running")
	}
	return syscall.Kill(pid, sig)
}

// SetStatus records that the subprocess reaped by the loop is no longer
// running.
func (c *childHandle) SetStatus() {
	c.mu.Lock()
	c.pid = 0
	c.mu.Unlock()
}

func (c *childHandle) currentPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

func (c *childHandle) lastStartTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStart
}

func (c *childHandle) markProbing(pid int) {
	c.mu.Lock()
	c.probing[pid] = struct{}{}
	c.mu.Unlock()
}

func (c *childHandle) clearProbing(pid int) {
	c.mu.Lock()
	delete(c.probing, pid)
	c.mu.Unlock()
}

func (c *childHandle) isProbing(pid int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.probing[pid]
	return ok
}

// decodeWaitStatus mirrors zdrun.py's decode_wait_status: returns the
// exit status (-1 if killed by signal) and a human-readable message.
func decodeWaitStatus(ws syscall.WaitStatus) (int, string) {
	switch {
	case ws.Exited():
		es := ws.ExitStatus()
		return es, fmt.Sprintf("exit status %d", es)
	case ws.Signaled():
		sig := ws.Signal()
		msg := fmt.Sprintf("terminated by %s", signame(sig))
		if ws.CoreDump() {
			msg += " (core dumped)"
		}
		return -1, msg
	default:
		return -1, fmt.Sprintf("unknown termination cause 0x%04x", uint32(ws))
	}
}
