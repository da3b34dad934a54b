//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/watchkeep/dmgr/pkg/fmtt"
)

// dispatch routes one parsed command line to its handler. The reply is a
// single string; the caller appends the trailing newline.
func (s *Supervisor) dispatch(args []string) string {
	if len(args) == 0 {
		return "error: empty command"
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "start":
		return s.cmdStart()
	case "stop":
		return s.cmdStop()
	case "restart":
		return s.cmdRestart()
	case "kill":
		return s.cmdKill(rest)
	case "status":
		return s.cmdStatus(rest)
	case "reopen_transcript":
		return s.cmdReopenTranscript()
	case "help":
		return s.cmdHelp()
	default:
		return fmt.Sprintf("Unknown command '%s'; 'help' for a list", cmd)
	}
}

// cmdStart handles the "start" command: desiredUp=true, spawn if not
// already running, and reset the governor (backoff, delay, killing) — this
// is what lets a "start; stop; start" round trip come back up with
// backoff==0.
func (s *Supervisor) cmdStart() string {
	s.mu.Lock()
	running := s.child.currentPID() != 0
	s.desiredUp = true
	s.backoff = 0
	s.delayUntil = time.Time{}
	s.killing = false
	s.mu.Unlock()

	if running {
		return "Application already started"
	}
	s.spawnChild()
	return "Application started"
}

func (s *Supervisor) cmdStop() string {
	s.mu.Lock()
	s.desiredUp = false
	s.mu.Unlock()

	if s.child.currentPID() == 0 {
		return "Application already stopped"
	}
	s.requestStop(true)
	return "Sent SIGTERM"
}

// cmdRestart behaves like cmdStop but leaves desiredUp=true, so the
// governor's own maybeSpawn brings the child back up once it has exited and
// the (ungoverned, since killing was set) delay has cleared. If nothing is
// running yet, it spawns immediately instead of waiting for a SIGCHLD that
// will never come.
func (s *Supervisor) cmdRestart() string {
	s.mu.Lock()
	s.desiredUp = true
	s.mu.Unlock()

	if pid := s.child.currentPID(); pid != 0 {
		s.requestStop(false)
		return "Sent SIGTERM; will restart later"
	}

	s.mu.Lock()
	s.backoff = 0
	s.delayUntil = time.Time{}
	s.killing = false
	s.mu.Unlock()
	s.spawnChild()
	return "Application started"
}

func (s *Supervisor) cmdKill(args []string) string {
	sig := syscall.SIGTERM
	if len(args) > 0 {
		parsed, ok := parseSignal(args[0])
		if !ok {
			return fmt.Sprintf("invalid signal '%s'", args[0])
		}
		sig = parsed
	}

	pid := s.child.currentPID()
	if pid == 0 {
		return "daemon manager not running"
	}
	if err := s.child.Kill(sig); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf("signal %s sent to process %d", signame(sig), pid)
}

func (s *Supervisor) cmdReopenTranscript() string {
	if err := s.transcript.Reopen(); err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	return "transcript reopened"
}

func (s *Supervisor) cmdHelp() string {
	return strings.Join([]string{
		"start -- start the subprocess",
		"stop -- stop the subprocess",
		"restart -- stop and restart the subprocess",
		"kill [sig] -- send the subprocess a signal (default TERM)",
		"status [-v] -- report subprocess status",
		"reopen_transcript -- close and reopen the transcript log",
		"help -- print this message",
	}, "; ")
}

func (s *Supervisor) cmdStatus(args []string) string {
	verbose := len(args) > 0 && args[0] == "-v"

	s.mu.Lock()
	desiredUp := s.desiredUp
	backoff := s.backoff
	delay := time.Duration(0)
	if !s.delayUntil.IsZero() {
		if d := time.Until(s.delayUntil); d > 0 {
			delay = d
		}
	}
	s.mu.Unlock()

	pid := s.child.currentPID()
	statusLine := "stopped"
	if pid != 0 {
		statusLine = "running"
	}
	// testing reflects whether the start-test prober is still polling this
	// pid, per spec.md §4.3: "started" only once pid is no longer in probing.
	testing := pid != 0 && s.child.isProbing(pid)

	fields := []string{
		fmt.Sprintf("status=%s", statusLine),
		fmt.Sprintf("now=%g", float64(time.Now().UnixNano())/1e9),
		fmt.Sprintf("should_be_up=%s", boolFlag(desiredUp)),
		fmt.Sprintf("delay=%g", delay.Seconds()),
		fmt.Sprintf("backoff=%d", int(backoff.Seconds())),
		fmt.Sprintf("lasttime=%g", lastStartUnix(s.child.lastStartTime())),
		fmt.Sprintf("application=%d", pid),
		fmt.Sprintf("testing=%s", boolFlag(testing)),
		fmt.Sprintf("manager=%d", os.Getpid()),
		fmt.Sprintf("backofflimit=%d", int(s.cfg.BackoffLimit.Seconds())),
		fmt.Sprintf("filename=%s", s.child.filename),
		fmt.Sprintf("args=%s", pyRepr(s.cfg.Argv)),
	}

	reply := strings.Join(fields, "\n")
	if verbose {
		reply += "\n" + fmtt.DumpState(s.debugSnapshot())
	}
	return reply
}

// boolFlag renders a bool the way the status protocol's 0|1 fields expect.
func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// lastStartUnix returns 0 for "never started" rather than the zero time's
// (large negative) Unix seconds.
func lastStartUnix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

// debugSnapshot is what "status -v" hands to fmtt.DumpState: a plain value
// copy so the dumper never reaches back into the live, mutex-guarded
// Supervisor.
type debugSnapshot struct {
	DesiredUp bool
	Testing   bool
	Killing   bool
	Backoff   time.Duration
	PID       int
	LastExit  string
}

func (s *Supervisor) debugSnapshot() debugSnapshot {
	pid := s.child.currentPID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return debugSnapshot{
		DesiredUp: s.desiredUp,
		Testing:   pid != 0 && s.child.isProbing(pid),
		Killing:   s.killing,
		Backoff:   s.backoff,
		PID:       pid,
		LastExit:  s.lastExitMsg,
	}
}

// pyRepr renders args the way zdctl.py's status report does: a Python
// list-literal of quoted strings, so operators diffing output against the
// original tool see a familiar shape.
func pyRepr(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `\'`) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
