// Package server holds the daemon side of the execute exchange: the
// Listener that owns the socket file and the per-connection Handler.
package server

import (
	"errors"
	"fmt"
	"os"

	"github.com/justjake/z/pkg/frame"
	"github.com/justjake/z/pkg/unixsocket"
	"github.com/justjake/z/proto"
)

// ErrUnsupportedRequest reports a verb other than proto.Verb.
var ErrUnsupportedRequest = errors.New("server: unsupported request verb")

var streamNames = [3]string{"stdin", "stdout", "stderr"}

// Handler decodes exactly one client exchange, tracks the descriptors
// received from the client, and later writes the exit code and closes
// cleanly. Not safe for concurrent use.
type Handler struct {
	soc *unixsocket.Socket
	ch  *frame.Channel

	files   []*os.File // descriptors received from the client
	replied bool
	closed  bool
}

// NewHandler wraps one accepted connection. The handler owns soc.
func NewHandler(soc *unixsocket.Socket) *Handler {
	return &Handler{soc: soc, ch: frame.New(soc)}
}

// Receive reads one execute request: the verb frame, cwd, argv, and
// the three standard stream descriptors interleaved with their
// sentinel frames. Received descriptors are retained on the handler
// and stay valid until Close.
func (h *Handler) Receive() (*proto.Request, error) {
	verb, err := h.ch.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive: failed to read verb: %w", err)
	}
	if string(verb) != proto.Verb {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRequest, verb)
	}

	cwd, err := h.ch.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive: failed to read cwd: %w", err)
	}
	argv, err := h.ch.Recv()
	if err != nil {
		return nil, fmt.Errorf("receive: failed to read argv: %w", err)
	}

	req := &proto.Request{
		Cwd:  string(cwd),
		Args: proto.SplitArgs(argv),
	}
	for i, name := range streamNames {
		// the descriptor arrives as ancillary data on its sentinel
		// frame; the sentinel's contents are ignored
		_, fd, err := h.ch.RecvFD()
		if err != nil {
			return nil, fmt.Errorf("receive: failed to read %s: %w", name, err)
		}
		f := os.NewFile(uintptr(fd), name)
		h.files = append(h.files, f)
		switch i {
		case 0:
			req.Stdin = f
		case 1:
			req.Stdout = f
		case 2:
			req.Stderr = f
		}
	}
	return req, nil
}

// SendExitCode writes the single reply frame. The code must be in
// [0, 254]; at most one reply is sent per handler.
func (h *Handler) SendExitCode(code int) error {
	if h.replied {
		return errors.New("send exit code: reply already sent")
	}
	p, err := proto.FormatExitCode(code)
	if err != nil {
		return err
	}
	if err := h.ch.Send(p); err != nil {
		return fmt.Errorf("send exit code: %w", err)
	}
	h.replied = true
	return nil
}

// CloseWithExitCode sends the code, then closes every received
// descriptor and the connection. The close pass runs even when the
// send fails.
func (h *Handler) CloseWithExitCode(code int) error {
	err := h.SendExitCode(code)
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close is the handler's scoped cleanup and must run on every exit
// path. If no reply was sent it makes a best-effort attempt to report
// abnormal close (255) before releasing the received descriptors and
// the connection. Idempotent.
func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	if !h.replied {
		// 255 is reserved on the wire for exactly this: the handler
		// dropped before the application produced a code
		h.ch.Send([]byte("255"))
		h.replied = true
	}

	var err error
	for _, f := range h.files {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	h.files = nil
	if cerr := h.soc.Close(); err == nil {
		err = cerr
	}
	return err
}
