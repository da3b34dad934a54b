//go:build linux

package supervisor

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Supervisor is the C1-through-C9 core: one managed child, one control
// socket, one transcript, one event loop. All mutable scheduling state
// lives behind mu; the loop itself only ever runs on the goroutine that
// called Run.
type Supervisor struct {
	cfg *Config
	log *zap.Logger

	child      *childHandle
	transcript *transcript
	listener   *net.UnixListener

	mu           sync.Mutex
	desiredUp    bool
	killing      bool
	backoff      time.Duration
	delayUntil   time.Time
	killDeadline time.Time
	lastExitMsg  string
	exitCode     int
}

// New resolves the managed program and constructs a Supervisor ready to
// Run. It does not bind the control socket or spawn anything yet.
func New(cfg *Config, log *zap.Logger) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	filename, err := resolveProgram(cfg.Argv[0])
	if err != nil {
		return nil, err
	}
	tr, err := newTranscript(cfg.Transcript, log)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:        cfg,
		log:        log.Named("supervisor"),
		child:      newChildHandle(cfg.Argv, filename),
		transcript: tr,
	}, nil
}

// Run binds the control socket, starts the managed child, and drives the
// event loop until a clean shutdown or a fatal condition ends it. The
// returned value is the process exit code the caller (cmd/dmgrd) should
// use.
func (s *Supervisor) Run() int {
	ln, err := bindListener(s.cfg.SocketPath)
	if err != nil {
		s.log.Error("failed to bind control socket", zap.Error(err))
		return 1
	}
	s.listener = ln
	defer s.cleanup()

	sigCh := installSignalRelay()
	acceptCh := make(chan *net.UnixConn, 4)
	go s.acceptLoop(acceptCh)

	s.mu.Lock()
	s.desiredUp = true
	s.mu.Unlock()
	s.spawnChild()

	var active *commandConn
	var recvCh chan recvResult

	for {
		s.drainExit()
		s.mu.Lock()
		done := !s.desiredUp && s.child.currentPID() == 0
		s.mu.Unlock()
		if done {
			break
		}

		timer := time.NewTimer(s.computeTimeout())
		select {
		case sig := <-sigCh:
			s.handleSignal(sig)
		case conn := <-acceptCh:
			// Invariant 2: at most one command connection is attached at a
			// time. A new accept always supersedes whatever was active,
			// telling the superseded peer so before closing it out from
			// under it.
			if active != nil {
				s.log.Debug("command superseded by new connection", zap.String("conn_id", active.id))
				_ = active.sendReply("Command superseded by new command")
				active.Close()
			}
			active = newCommandConn(conn)
			s.log.Debug("accepted control connection", zap.String("conn_id", active.id))
			recvCh = active.resultCh
			go active.recvLoop()
		case res := <-recvCh:
			s.doRecv(active, res)
			active = nil
			recvCh = nil
		case <-timer.C:
			s.onTimeout()
		}
		timer.Stop()

		s.drainExit()
	}

	return s.exitCode
}

func (s *Supervisor) acceptLoop(out chan<- *net.UnixConn) {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return
		}
		out <- conn
	}
}

// reap performs the non-blocking waitpid that is this supervisor's only
// reaper, as required by childHandle.Spawn's doc comment.
func (s *Supervisor) reap() (pid int, ws syscall.WaitStatus, ok bool) {
	var status syscall.WaitStatus
	wpid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
	if err != nil || wpid <= 0 {
		return 0, status, false
	}
	return wpid, status, true
}

// drainExit reaps any terminated children and, if one of them is our
// managed child, hands the wait status to reportStatus.
func (s *Supervisor) drainExit() {
	for {
		pid, ws, ok := s.reap()
		if !ok {
			return
		}
		if pid != s.child.currentPID() {
			continue
		}
		s.reportStatus(pid, ws)
	}
}

// reportStatus decodes the wait status, clears the child's running state,
// and either resolves an in-flight kill (ungoverned), ends the supervisor
// itself (the child's exit code is one of cfg.ExitCodes), or hands the
// death to the backoff governor.
func (s *Supervisor) reportStatus(pid int, ws syscall.WaitStatus) {
	code, msg := decodeWaitStatus(ws)
	s.child.SetStatus()
	s.child.clearProbing(pid)

	s.mu.Lock()
	s.lastExitMsg = msg
	wasKilling := s.killing
	s.killing = false
	s.delayUntil = time.Time{}
	s.killDeadline = time.Time{}
	s.mu.Unlock()

	s.log.Info("child exited", zap.Int("pid", pid), zap.String("status", msg))

	if wasKilling {
		// A death we ourselves engineered via stop/restart resolves the
		// kill and never feeds the backoff governor. (The "kill" command
		// does not set killing, so a death it causes is handled below.)
		return
	}

	if _, fatal := s.cfg.ExitCodes[code]; fatal && code >= 0 {
		s.mu.Lock()
		s.desiredUp = false
		s.exitCode = code
		s.mu.Unlock()
		return
	}

	s.governor()
}

// governor paces restarts: on every death that happens within BackoffLimit
// of the child's own last start, backoff is incremented by one second; once
// it reaches BackoffLimit the supervisor gives up (unless cfg.Forever, in
// which case backoff just clamps there). A death that happens after the
// child has lived at least BackoffLimit resets the counter to zero. This
// mirrors zdrun.py's respawn-too-fast guard exactly: backoff is a plain
// seconds counter compared directly against BackoffLimit, not an
// exponential delay.
func (s *Supervisor) governor() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.desiredUp {
		return
	}
	if s.child.lastStartTime().IsZero() {
		return
	}

	if time.Since(s.child.lastStartTime()) < s.cfg.BackoffLimit {
		s.backoff += time.Second
		if s.backoff >= s.cfg.BackoffLimit {
			if s.cfg.Forever {
				s.backoff = s.cfg.BackoffLimit
			} else {
				s.log.Error("restarting too frequently; quit")
				s.desiredUp = false
				s.exitCode = 1
				return
			}
		}
		s.delayUntil = time.Now().Add(s.backoff)
	} else {
		s.backoff = 0
		s.delayUntil = time.Time{}
	}
}

// maybeSpawn starts the child if it should be running, isn't, and the
// governor's delay has elapsed.
func (s *Supervisor) maybeSpawn() {
	s.mu.Lock()
	ready := s.desiredUp && s.child.currentPID() == 0 && time.Now().After(s.delayUntil)
	s.mu.Unlock()
	if ready {
		s.spawnChild()
	}
}

func (s *Supervisor) spawnChild() {
	pid, err := s.child.Spawn(childEnviron(), s.transcript.writeEnd(), s.transcript.writeEnd())
	if err != nil {
		s.log.Error("spawn failed", zap.Error(err))
		s.governor()
		return
	}
	s.log.Info("spawned child", zap.Int("pid", pid))

	if len(s.cfg.StartTestProgram) > 0 {
		s.child.markProbing(pid)
		go startProber(s.child, pid, s.cfg.StartTestProgram, s.log)
	}
}

// computeTimeout is the select loop's idle budget: the smaller of "time
// until the governor's delay expires" and "time until a kill escalation is
// due", clamped so the loop always wakes at least once a second to retry
// maybeSpawn.
func (s *Supervisor) computeTimeout() time.Duration {
	s.maybeSpawn()

	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := time.Second
	if !s.delayUntil.IsZero() {
		if d := time.Until(s.delayUntil); d > 0 && d < timeout {
			timeout = d
		}
	}
	if s.killing && !s.killDeadline.IsZero() {
		if d := time.Until(s.killDeadline); d < timeout {
			if d < 0 {
				d = 0
			}
			timeout = d
		}
	}
	return timeout
}

// onTimeout fires when the select loop's timer expires with nothing else
// ready: it clears an elapsed governor delay and, if a stop/restart is
// waiting on a graceful exit past its deadline, escalates to SIGKILL.
func (s *Supervisor) onTimeout() {
	s.mu.Lock()
	if !s.delayUntil.IsZero() && !time.Now().Before(s.delayUntil) {
		s.delayUntil = time.Time{}
	}
	killing := s.killing
	pid := s.child.currentPID()
	escalate := killing && pid != 0 && !s.killDeadline.IsZero() && !time.Now().Before(s.killDeadline)
	if escalate {
		s.killDeadline = time.Time{}
	}
	s.mu.Unlock()

	if escalate {
		s.log.Warn("stop timed out, sending SIGKILL", zap.Int("pid", pid))
		_ = s.child.Kill(syscall.SIGKILL)
	}
}

func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGCHLD:
		// nothing to do here directly; drainExit runs every iteration.
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP:
		// Fatal to the supervisor itself, not to the child: the child is
		// stopped through the control socket, never by signaling the
		// supervisor. Operators who want the child down send "stop"; these
		// signals just end this process, exactly as zdrun.py's sigexit does.
		s.log.Error("received fatal signal, exiting", zap.String("signal", sig.String()))
		os.Exit(1)
	case syscall.SIGUSR2:
		if err := s.transcript.Reopen(); err != nil {
			s.log.Error("transcript reopen failed", zap.Error(err))
		}
	}
}

// requestStop begins a graceful shutdown: SIGTERM now, SIGKILL after
// StopTimeout if the child hasn't exited by then. permanent controls
// whether desiredUp is cleared (true shutdown) or this is a transient stop
// as part of "restart".
func (s *Supervisor) requestStop(permanent bool) {
	s.mu.Lock()
	if permanent {
		s.desiredUp = false
	}
	pid := s.child.currentPID()
	if pid != 0 {
		s.killing = true
		if s.cfg.StopTimeout > 0 {
			s.killDeadline = time.Now().Add(s.cfg.StopTimeout)
		} else {
			s.killDeadline = time.Time{}
		}
	}
	s.mu.Unlock()

	if pid != 0 {
		_ = s.child.Kill(syscall.SIGTERM)
	}
}

func (s *Supervisor) doRecv(c *commandConn, res recvResult) {
	defer c.Close()
	if res.err != nil {
		s.log.Debug("control connection error", zap.String("conn_id", c.id), zap.Error(res.err))
		if res.err == errBufferLimit {
			_ = c.sendReply(res.err.Error())
			return
		}
		_ = c.sendReply(fmt.Sprintf("error: %s", res.err))
		return
	}
	reply := s.dispatch(res.args)
	s.log.Debug("dispatched command", zap.String("conn_id", c.id), zap.Strings("args", res.args))
	_ = c.sendReply(reply)
}

// cleanup releases everything Run acquired, aggregating independent
// failures instead of stopping at the first one.
func (s *Supervisor) cleanup() error {
	var err error
	if s.listener != nil {
		err = multierr.Append(err, s.listener.Close())
		err = multierr.Append(err, os.Remove(s.cfg.SocketPath))
	}
	if s.transcript != nil {
		err = multierr.Append(err, s.transcript.Close())
	}
	if err != nil {
		s.log.Warn("cleanup encountered errors", zap.Error(err))
	}
	return err
}
