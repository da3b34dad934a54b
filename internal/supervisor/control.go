//go:build linux

package supervisor

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	maxCommandLine = 10 * 1024
)

// bindListener is C5's bring-up half. It follows an atomic scratch-name
// dance rather than binding the final path directly, because a
// dead supervisor can leave its socket file behind and a bare bind/connect
// race against a not-yet-dead one is exactly what this avoids:
//
//  1. bind a throwaway socket at "<path>.<pid>",
//  2. chmod it 0700,
//  3. hardlink it onto the final path — if that succeeds, this process now
//     owns the name, full stop;
//  4. if the link fails (name taken), probe the existing name by dialing it
//     and sending "status\n": a reply means a live supervisor already owns
//     it (fatal); silence means the file is stale, so unlink it and retry.
//
// The scratch name is always removed afterward, win or lose.
func bindListener(path string) (*net.UnixListener, error) {
	if err := ensureDir(filepath.Dir(path), 0, 0, false); err != nil {
		return nil, fmt.Errorf("prepare socket directory: %w", err)
	}

	for {
		ln, err := bindScratch(path)
		if err != nil {
			return nil, err
		}

		linkErr := os.Link(ln.scratch, path)
		if linkErr == nil {
			os.Remove(ln.scratch)
			return ln.listener, nil
		}
		ln.listener.Close()
		os.Remove(ln.scratch)

		if err := checkAlreadyListening(path); err != nil {
			return nil, err
		}
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale socket %q: %w", path, rerr)
		}
		time.Sleep(time.Second)
	}
}

type scratchListener struct {
	listener *net.UnixListener
	scratch  string
}

// bindScratch binds a listener at "<path>.<pid>", a name unique to this
// process so two supervisors racing to take over the same final path never
// collide on the scratch bind itself.
func bindScratch(path string) (*scratchListener, error) {
	scratch := fmt.Sprintf("%s.%d", path, os.Getpid())
	os.Remove(scratch)

	addr := &net.UnixAddr{Name: scratch, Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("bind scratch socket %q: %w", scratch, err)
	}
	if err := os.Chmod(scratch, 0o700); err != nil {
		ln.Close()
		os.Remove(scratch)
		return nil, fmt.Errorf("chmod scratch socket: %w", err)
	}
	return &scratchListener{listener: ln, scratch: scratch}, nil
}

// checkAlreadyListening dials path and sends "status\n"; a reply means a
// live supervisor is already holding the name. Silence (dial failure, or no
// reply) means the file is a stale leftover safe to unlink.
func checkAlreadyListening(path string) error {
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err != nil {
		return nil
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := conn.Write([]byte("status\n")); err != nil {
		return nil
	}
	buf := make([]byte, 1)
	if n, _ := conn.Read(buf); n > 0 {
		return fmt.Errorf("another daemon manager is already listening on %q", path)
	}
	return nil
}

// commandConn wraps one accepted control connection. It is read by a
// dedicated goroutine (recvLoop) so the main loop's select never blocks on
// a slow or malicious peer; the main loop consumes results off resultCh.
type commandConn struct {
	id       string
	conn     *net.UnixConn
	resultCh chan recvResult
}

type recvResult struct {
	args []string
	err  error
}

func newCommandConn(conn *net.UnixConn) *commandConn {
	return &commandConn{
		id:       uuid.NewString(),
		conn:     conn,
		resultCh: make(chan recvResult, 1),
	}
}

// recvLoop reads until it sees '\n' or maxCommandLine bytes accumulate
// without one, then parses the line into shell-like whitespace-separated
// arguments and publishes the result once. It is meant to be run as its
// own goroutine per accepted connection, exactly once.
func (c *commandConn) recvLoop() {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := indexByte(buf, '\n'); idx >= 0 {
				c.resultCh <- recvResult{args: splitArgs(string(buf[:idx]))}
				return
			}
			if len(buf) > maxCommandLine {
				c.resultCh <- recvResult{err: errBufferLimit}
				return
			}
		}
		if err != nil {
			c.resultCh <- recvResult{err: errNoNewline}
			return
		}
	}
}

func (c *commandConn) sendReply(reply string) error {
	_, err := c.conn.Write([]byte(reply + "\n"))
	return err
}

func (c *commandConn) Close() error {
	return c.conn.Close()
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func splitArgs(line string) []string {
	var args []string
	var cur []byte
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if ch == ' ' || ch == '\t' {
			if len(cur) > 0 {
				args = append(args, string(cur))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, ch)
	}
	if len(cur) > 0 {
		args = append(args, string(cur))
	}
	return args
}
