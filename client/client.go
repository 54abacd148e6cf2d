// Package client performs the execute handshake against a preloading
// daemon: it ships the caller's working directory, argument vector,
// and three standard streams over a unix socket and blocks until the
// daemon reports an exit status.
package client

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/justjake/z/pkg/frame"
	"github.com/justjake/z/pkg/unixsocket"
	"github.com/justjake/z/proto"
)

// ErrConnect reports that the daemon socket could not be opened.
var ErrConnect = errors.New("client: cannot connect")

// Sentinel payloads, one per stream. Each descriptor travels as
// ancillary data on the same sendmsg as its sentinel frame, so the
// server's frame receive drains it. Contents are not inspected by the
// server.
var sentinels = [3]string{"stdin", "stdout", "stderr"}

// Client is one connection to the daemon, good for one execute.
type Client struct {
	soc *unixsocket.Socket
	ch  *frame.Channel
}

// Dial opens the daemon socket at path.
func Dial(path string) (*Client, error) {
	soc, err := unixsocket.Dial(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return &Client{soc: soc, ch: frame.New(soc)}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.soc.Close()
}

// Execute runs the handshake and blocks until the reply frame. The
// returned code is in [0, 254]; 255 from the server means the handler
// dropped before the application produced a code and is surfaced as an
// error.
func (c *Client) Execute(cwd string, args []string, stdin, stdout, stderr *os.File) (int, error) {
	if err := c.ch.Send([]byte(proto.Verb)); err != nil {
		return 0, fmt.Errorf("execute: failed to send verb: %w", err)
	}
	if err := c.ch.Send([]byte(cwd)); err != nil {
		return 0, fmt.Errorf("execute: failed to send cwd: %w", err)
	}
	if err := c.ch.Send(proto.JoinArgs(args)); err != nil {
		return 0, fmt.Errorf("execute: failed to send argv: %w", err)
	}
	for i, f := range [3]*os.File{stdin, stdout, stderr} {
		if err := c.ch.SendFD([]byte(sentinels[i]), int(f.Fd())); err != nil {
			return 0, fmt.Errorf("execute: failed to send %s: %w", sentinels[i], err)
		}
	}

	reply, err := c.ch.Recv()
	if err == io.EOF {
		return 0, errors.New("execute: connection closed before reply")
	}
	if err != nil {
		return 0, fmt.Errorf("execute: failed to receive reply: %w", err)
	}
	code, err := proto.ParseExitCode(reply)
	if err != nil {
		return 0, fmt.Errorf("execute: bad reply: %w", err)
	}
	return code, nil
}

// Execute snapshots the current process's working directory, argument
// vector, and standard streams, dials the socket at path, and returns
// the exit code for the caller to propagate.
func Execute(path string) (int, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return 0, fmt.Errorf("execute: failed to get cwd: %w", err)
	}
	c, err := Dial(path)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.Execute(cwd, os.Args, os.Stdin, os.Stdout, os.Stderr)
}
