//go:build linux

// Command dmgrctl is a thin smoke-test client for the control socket: it
// sends one command line, prints the reply, and exits. It is not the
// operator-facing CLI (out of scope here) — just enough to drive the
// protocol from a shell or a test.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

func main() {
	socketName := flag.String("socket-name", "dmgr.sock", "path of the control socket")
	timeout := flag.Duration("timeout", 5*time.Second, "dial and read timeout")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: dmgrctl [-socket-name path] <command> [args...]")
		os.Exit(2)
	}

	conn, err := net.DialTimeout("unix", *socketName, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "daemon manager not running")
		os.Exit(1)
	}
	defer conn.Close()

	line := strings.Join(flag.Args(), " ") + "\n"
	_ = conn.SetDeadline(time.Now().Add(*timeout))
	if _, err := conn.Write([]byte(line)); err != nil {
		fmt.Fprintln(os.Stderr, "write failed:", err)
		os.Exit(1)
	}

	// The server closes the connection once its reply is fully written (a
	// "status" reply spans several key=value lines), so read to EOF.
	reply, err := io.ReadAll(conn)
	if err != nil && len(reply) == 0 {
		fmt.Fprintln(os.Stderr, "read failed:", err)
		os.Exit(1)
	}
	fmt.Print(string(reply))
}
