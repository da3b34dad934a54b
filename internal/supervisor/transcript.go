//go:build linux

package supervisor

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// transcript is C4: an append-only log of everything the child writes to
// stdout/stderr. The write end is handed to each spawned child via
// os.ProcAttr.Files; the supervisor keeps that write end open for the next
// child and copies from the read end into the file.
//
// Reopen is coalesced with singleflight because a SIGUSR2 and a concurrent
// "reopen_transcript" control command can race; coalescing keeps two
// open-and-swap runs from overlapping, where one newly opened file would be
// overwritten in t.file without ever being closed.
type transcript struct {
	mu   sync.Mutex
	path string
	file *os.File

	pr, pw *os.File

	group singleflight.Group
	log   *zap.Logger
}

func newTranscript(path string, log *zap.Logger) (*transcript, error) {
	t := &transcript{path: path, log: log.Named("transcript")}
	if err := t.open(); err != nil {
		return nil, err
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		t.file.Close()
		return nil, fmt.Errorf("transcript pipe: %w", err)
	}
	t.pr, t.pw = pr, pw
	go t.copyLoop()
	return t, nil
}

func (t *transcript) open() error {
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript %q: %w", t.path, err)
	}
	t.mu.Lock()
	t.file = f
	t.mu.Unlock()
	return nil
}

// writeEnd is handed to childHandle.Spawn for both stdout and stderr.
func (t *transcript) writeEnd() *os.File {
	return t.pw
}

func (t *transcript) copyLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.pr.Read(buf)
		if n > 0 {
			t.mu.Lock()
			if _, werr := t.file.Write(buf[:n]); werr != nil {
				t.log.Warn("transcript write failed", zap.Error(werr))
			}
			t.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				t.log.Debug("transcript pipe closed", zap.Error(err))
			}
			return
		}
	}
}

// Reopen closes and reopens the underlying file in place, for log rotation
// triggered by SIGUSR2 or the reopen_transcript command.
func (t *transcript) Reopen() error {
	_, err, _ := t.group.Do("reopen", func() (interface{}, error) {
		t.mu.Lock()
		old := t.file
		t.mu.Unlock()

		f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("reopen transcript %q: %w", t.path, err)
		}
		t.mu.Lock()
		t.file = f
		t.mu.Unlock()

		if old != nil {
			old.Close()
		}
		return nil, nil
	})
	return err
}

// Close closes only the read end of the pipe, so a child still writing to
// the inherited write end gets SIGPIPE instead of the supervisor blocking
// on a full pipe during shutdown.
func (t *transcript) Close() error {
	return t.pr.Close()
}
