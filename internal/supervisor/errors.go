package supervisor

import "errors"

var (
	// errBufferLimit is returned by a control connection's recvLoop when a
	// command line exceeds the 10KB limit without a terminating newline.
	errBufferLimit = errors.New("Command exceeds 10 KB")

	// errNoNewline is returned when the peer closes the connection before
	// sending a complete newline-terminated command.
	errNoNewline = errors.New("connection closed without a complete command")
)
