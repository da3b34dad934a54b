//go:build linux

package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTranscriptWritesChildOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.log")

	tr, err := newTranscript(path, zap.NewNop())
	if err != nil {
		t.Fatalf("newTranscript: %v", err)
	}
	defer tr.Close()

	if _, err := tr.writeEnd().Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForContent(t, path, "hello\n")
}

// TestTranscriptReopenRotatesFile exercises renaming the transcript out
// from under the supervisor: calling Reopen recreates the file at the
// original path, and further writes land in the new file.
func TestTranscriptReopenRotatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.log")
	rotated := filepath.Join(dir, "transcript.log.1")

	tr, err := newTranscript(path, zap.NewNop())
	if err != nil {
		t.Fatalf("newTranscript: %v", err)
	}
	defer tr.Close()

	if _, err := tr.writeEnd().Write([]byte("before\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForContent(t, path, "before\n")

	if err := os.Rename(path, rotated); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if err := tr.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("transcript should exist again at %q after Reopen: %v", path, err)
	}
	if _, err := os.Stat(rotated); err != nil {
		t.Fatalf("rotated file should still exist at %q: %v", rotated, err)
	}

	if _, err := tr.writeEnd().Write([]byte("after\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForContent(t, path, "after\n")
}

// TestTranscriptReopenCoalescesConcurrentCallers exercises the singleflight
// coalescing: many goroutines calling Reopen at once must all succeed
// without error, mirroring a SIGUSR2 racing a reopen_transcript command.
func TestTranscriptReopenCoalescesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.log")

	tr, err := newTranscript(path, zap.NewNop())
	if err != nil {
		t.Fatalf("newTranscript: %v", err)
	}
	defer tr.Close()

	const n = 8
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() { errCh <- tr.Reopen() }()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("concurrent Reopen: %v", err)
		}
	}
}

func waitForContent(t *testing.T, path, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			last = string(data)
			if strings.Contains(last, want) {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q to appear in %q (got %q)", want, path, last)
}
