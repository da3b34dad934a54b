//go:build linux

// Command dmgrd is the daemon manager: it owns one managed subprocess,
// restarts it with a backoff governor when it dies, and exposes start,
// stop, restart, kill and status over a UNIX-domain control socket.
package main

import (
	"flag"
	"fmt"
	"os"
	osuser "os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/watchkeep/dmgr/internal/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func parseExitCodes(s string) (map[int]struct{}, error) {
	out := make(map[int]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid exit code %q: %w", part, err)
		}
		out[n] = struct{}{}
	}
	return out, nil
}

func main() {
	var (
		socketName       = flag.String("socket-name", "dmgr.sock", "path of the control socket")
		daemon           = flag.Bool("daemon", true, "detach from the controlling terminal")
		forever          = flag.Bool("forever", false, "never give up restarting, regardless of backoff")
		backoffLimit     = flag.Duration("backoff-limit", 10*time.Second, "window a restart must clear to reset the backoff governor")
		exitCodesFlag    = flag.String("exit-codes", "0,2", "comma-separated child exit codes that stop the manager instead of restarting")
		stopTimeout      = flag.Duration("stop-timeout", 10*time.Second, "how long to wait after SIGTERM before escalating to SIGKILL")
		startTimeout     = flag.Duration("start-timeout", 0, "start-test readiness timeout for control clients (not enforced by dmgrd)")
		startTestProgram = flag.String("start-test-program", "", "program polled after each spawn until it reports readiness")
		directory        = flag.String("directory", "", "directory to chdir into before running")
		umask            = flag.Int("umask", 0o022, "umask applied before spawning the child")
		user             = flag.String("user", "", "drop privileges to this user before running")
		transcript       = flag.String("transcript", os.DevNull, "file the child's stdout/stderr are appended to")
	)
	flag.Parse()

	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	log := zap.Must(logConfig.Build())
	defer log.Sync()
	log = log.Named("main")

	argv := flag.Args()
	if len(argv) == 0 {
		log.Fatal("no program specified; usage: dmgrd [flags] -- program [args...]")
	}

	exitCodes, err := parseExitCodes(*exitCodesFlag)
	if err != nil {
		log.Fatal("invalid -exit-codes", zap.Error(err))
	}

	cfg := supervisor.DefaultConfig()
	cfg.Argv = argv
	cfg.Daemon = *daemon
	cfg.Forever = *forever
	cfg.BackoffLimit = *backoffLimit
	cfg.ExitCodes = exitCodes
	cfg.StopTimeout = *stopTimeout
	cfg.StartTimeout = *startTimeout
	if *startTestProgram != "" {
		cfg.StartTestProgram = strings.Fields(*startTestProgram)
	}
	socketAbs, err := filepath.Abs(*socketName)
	if err != nil {
		log.Fatal("failed to resolve socket path", zap.Error(err))
	}
	cfg.SocketPath = socketAbs
	cfg.Directory = *directory
	cfg.Umask = *umask
	cfg.User = *user
	cfg.Transcript = *transcript

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	var targetUID, targetGID int
	if cfg.User != "" {
		u, err := osuser.Lookup(cfg.User)
		if err != nil {
			log.Fatal("failed to look up user", zap.String("user", cfg.User), zap.Error(err))
		}
		targetUID, _ = strconv.Atoi(u.Uid)
		targetGID, _ = strconv.Atoi(u.Gid)
	}

	// Prepare the socket's parent directory (C9) while still privileged
	// enough to chown it to the target user, before dropping privileges.
	chownToTarget := cfg.User != "" && os.Geteuid() == 0
	if err := supervisor.EnsureRunDir(filepath.Dir(cfg.SocketPath), targetUID, targetGID, chownToTarget); err != nil {
		log.Fatal("failed to prepare socket directory", zap.Error(err))
	}

	if cfg.User != "" {
		if err := supervisor.DropPrivileges(cfg.User); err != nil {
			log.Fatal("failed to drop privileges", zap.Error(err))
		}
	}

	if cfg.Directory != "" {
		if err := os.Chdir(cfg.Directory); err != nil {
			log.Fatal("failed to chdir", zap.Error(err))
		}
	}
	syscall.Umask(cfg.Umask)

	if cfg.Daemon {
		if err := supervisor.Detach(); err != nil {
			log.Fatal("failed to detach", zap.Error(err))
		}
	}

	sup, err := supervisor.New(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize supervisor", zap.Error(err))
	}

	os.Exit(sup.Run())
}
