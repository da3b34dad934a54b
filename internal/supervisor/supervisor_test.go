//go:build linux

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Argv = []string{"/bin/true"}
	cfg.SocketPath = filepath.Join(t.TempDir(), "dmgr.sock")
	cfg.Transcript = filepath.Join(t.TempDir(), "transcript.log")
	cfg.BackoffLimit = 3 * time.Second

	sup, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { sup.transcript.Close() })
	return sup
}

func TestGovernorBacksOffOnQuickExit(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true
	sup.child.lastStart = time.Now()

	sup.governor()
	if sup.backoff != time.Second {
		t.Fatalf("backoff = %v, want 1s after a single quick exit", sup.backoff)
	}
	if sup.delayUntil.IsZero() {
		t.Fatal("expected delayUntil to be armed after a quick exit")
	}
}

func TestGovernorIncrementsLinearlyOnRepeatedQuickExits(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true

	sup.child.lastStart = time.Now()
	sup.governor()
	sup.child.lastStart = time.Now()
	sup.governor()
	if sup.backoff != 2*time.Second {
		t.Fatalf("backoff = %v, want 2s after two consecutive quick exits", sup.backoff)
	}
	if !sup.desiredUp {
		t.Fatal("desiredUp should still be true with backoff still under BackoffLimit")
	}
}

func TestGovernorResetsAfterSlowExit(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true
	sup.child.lastStart = time.Now().Add(-time.Hour)

	sup.governor()
	if sup.backoff != 0 {
		t.Fatalf("backoff = %v, want 0 after an exit well past BackoffLimit", sup.backoff)
	}
	if !sup.delayUntil.IsZero() {
		t.Fatal("delayUntil should be cleared after a slow exit")
	}
}

func TestGovernorGivesUpWhenBackoffReachesLimit(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true

	limit := int(sup.cfg.BackoffLimit / time.Second)
	for i := 0; i < limit; i++ {
		sup.child.lastStart = time.Now()
		sup.governor()
	}
	if sup.desiredUp {
		t.Fatal("expected desiredUp to become false once backoff reaches BackoffLimit")
	}
	if sup.exitCode != 1 {
		t.Fatalf("exitCode = %d, want 1", sup.exitCode)
	}
}

func TestGovernorNeverGivesUpWhenForever(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.cfg.Forever = true
	sup.desiredUp = true

	limit := int(sup.cfg.BackoffLimit / time.Second)
	for i := 0; i < limit+5; i++ {
		sup.child.lastStart = time.Now()
		sup.governor()
	}
	if !sup.desiredUp {
		t.Fatal("desiredUp should stay true when Forever is set")
	}
	if sup.backoff != sup.cfg.BackoffLimit {
		t.Fatalf("backoff = %v, want it clamped to BackoffLimit = %v", sup.backoff, sup.cfg.BackoffLimit)
	}
}

func TestReportStatusSkipsGovernorWhileKilling(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true
	sup.child.pid = 4242
	sup.child.lastStart = time.Now()
	sup.killing = true
	sup.killDeadline = time.Now().Add(time.Minute)

	sup.reportStatus(4242, 0)

	if sup.backoff != 0 {
		t.Fatalf("backoff = %v, want 0: a death while killing must be ungoverned", sup.backoff)
	}
	if sup.killing {
		t.Fatal("killing should be cleared once the kill is resolved")
	}
	if !sup.killDeadline.IsZero() {
		t.Fatal("killDeadline should be cleared once the kill is resolved")
	}
	if sup.child.currentPID() != 0 {
		t.Fatal("child pid should be cleared by reportStatus")
	}
}

func TestReportStatusGovernsAnUnplannedDeath(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true
	sup.child.pid = 4242
	sup.child.lastStart = time.Now()

	// exit status 1 is not in DefaultConfig's ExitCodes, so this looks like
	// an unplanned crash the governor should react to.
	sup.reportStatus(4242, syscall.WaitStatus(1<<8))

	if sup.backoff == 0 {
		t.Fatal("an unplanned quick death should feed the governor")
	}
}

func TestReportStatusEndsSupervisorOnConfiguredExitCode(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.desiredUp = true
	sup.child.pid = 4242
	sup.child.lastStart = time.Now()

	// exit status 2 is in DefaultConfig's ExitCodes; syscall.WaitStatus
	// packs a normal exit's code into bits 8-15.
	sup.reportStatus(4242, syscall.WaitStatus(2<<8))

	if sup.desiredUp {
		t.Fatal("desiredUp should become false once the child exits with a configured exit code")
	}
	if sup.exitCode != 2 {
		t.Fatalf("exitCode = %d, want 2", sup.exitCode)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	sup := newTestSupervisor(t)
	got := sup.dispatch([]string{"frobnicate"})
	want := `Unknown command 'frobnicate'; 'help' for a list`
	if got != want {
		t.Fatalf("dispatch = %q, want %q", got, want)
	}
}

func TestDispatchKillInvalidSignal(t *testing.T) {
	sup := newTestSupervisor(t)
	got := sup.dispatch([]string{"kill", "ded"})
	want := `invalid signal 'ded'`
	if got != want {
		t.Fatalf("dispatch(kill ded) = %q, want %q", got, want)
	}
}

func TestDispatchKillNoSubprocess(t *testing.T) {
	sup := newTestSupervisor(t)
	got := sup.dispatch([]string{"kill", "CONT"})
	if got != "daemon manager not running" {
		t.Fatalf("dispatch(kill CONT) = %q", got)
	}
}

func TestDispatchHelpListsCommands(t *testing.T) {
	sup := newTestSupervisor(t)
	got := sup.dispatch([]string{"help"})
	if got == "" {
		t.Fatal("help reply should not be empty")
	}
}

// TestHandleSignalFatalSignalExitsWithoutSignalingChild exercises spec.md
// §4.1/§7: a SIGTERM/SIGINT/SIGHUP delivered to the supervisor itself is
// fatal to the supervisor and exits 1 without ever signaling the managed
// child — the child is stopped through the control socket, never by
// signaling the supervisor. Since the code path under test calls
// os.Exit(1) directly, it is driven from a re-exec'd subprocess (the usual
// way to test os.Exit behavior in Go) rather than in-process.
func TestHandleSignalFatalSignalExitsWithoutSignalingChild(t *testing.T) {
	if os.Getenv("DMGR_TEST_FATAL_SIGNAL_SUBPROCESS") == "1" {
		dir, err := os.MkdirTemp("", "dmgr-sigterm-test")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg := DefaultConfig()
		cfg.Argv = []string{"/bin/sleep", "30"}
		cfg.SocketPath = filepath.Join(dir, "dmgr.sock")
		cfg.Transcript = filepath.Join(dir, "transcript.log")

		sup, err := New(cfg, zap.NewNop())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		sup.spawnChild()
		pid := sup.child.currentPID()
		if pid == 0 {
			fmt.Fprintln(os.Stderr, "child did not start")
			os.Exit(2)
		}
		fmt.Println(pid)

		sig := os.Getenv("DMGR_TEST_FATAL_SIGNAL")
		switch sig {
		case "TERM":
			sup.handleSignal(syscall.SIGTERM)
		case "INT":
			sup.handleSignal(syscall.SIGINT)
		case "HUP":
			sup.handleSignal(syscall.SIGHUP)
		default:
			fmt.Fprintln(os.Stderr, "unknown DMGR_TEST_FATAL_SIGNAL", sig)
			os.Exit(2)
		}
		// handleSignal calls os.Exit(1) for all three signals; reaching
		// here means it didn't.
		fmt.Fprintln(os.Stderr, "handleSignal returned instead of exiting")
		os.Exit(3)
	}

	for _, sig := range []string{"TERM", "INT", "HUP"} {
		t.Run(sig, func(t *testing.T) {
			cmd := exec.Command(os.Args[0], "-test.run=TestHandleSignalFatalSignalExitsWithoutSignalingChild")
			cmd.Env = append(os.Environ(),
				"DMGR_TEST_FATAL_SIGNAL_SUBPROCESS=1",
				"DMGR_TEST_FATAL_SIGNAL="+sig,
			)
			out, err := cmd.Output()
			exitErr, ok := err.(*exec.ExitError)
			if !ok {
				t.Fatalf("subprocess did not exit via os.Exit: %v", err)
			}
			if exitErr.ExitCode() != 1 {
				t.Fatalf("subprocess exit code = %d, want 1", exitErr.ExitCode())
			}

			pidStr := strings.TrimSpace(string(out))
			childPID, err := strconv.Atoi(pidStr)
			if err != nil {
				t.Fatalf("subprocess did not report a child pid: %q", pidStr)
			}
			defer syscall.Kill(childPID, syscall.SIGKILL)

			if err := syscall.Kill(childPID, 0); err != nil {
				t.Fatalf("managed child pid %d should still be alive after the supervisor's fatal signal handling (it must not be forwarded the signal), but: %v", childPID, err)
			}
		})
	}
}
