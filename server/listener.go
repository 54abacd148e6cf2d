package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/justjake/z/pkg/unixsocket"
)

// ErrAlreadyRunning reports that the socket path is held by a peer
// that accepted our probe connection.
var ErrAlreadyRunning = errors.New("server: socket is owned by a live daemon")

// probeTimeout bounds the connect used to tell a live daemon from a
// stale socket file.
const probeTimeout = time.Second

// Listener owns the unix stream socket file at its path for its whole
// lifetime and is responsible for removing it.
type Listener struct {
	ln   *net.UnixListener
	path string
}

// Listen binds a unix stream socket at path. If the path already
// exists it is probed with a connect: a successful connect means a
// live daemon owns it and Listen fails with ErrAlreadyRunning; any
// refusal means the file is stale, so it is unlinked and the bind
// retried once.
func Listen(path string) (*Listener, error) {
	ln, err := bind(path)
	if isAddrInUse(err) || isStalePath(path, err) {
		if probeErr := probe(path); probeErr != nil {
			return nil, probeErr
		}
		os.Remove(path)
		ln, err = bind(path)
	}
	if err != nil {
		return nil, fmt.Errorf("listen: failed to bind %s: %w", path, err)
	}

	// workers may exec subprocesses (proto.Request.Command); none of
	// them may inherit the listening socket
	if err := configure(ln); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, fmt.Errorf("listen: %v", err)
	}
	os.Chmod(path, 0600)

	// the listener unlinks the file itself, in Close
	ln.SetUnlinkOnClose(false)
	return &Listener{ln: ln, path: path}, nil
}

// Accept blocks until a connection arrives and wraps it in a Handler.
func (l *Listener) Accept() (*Handler, error) {
	conn, err := l.ln.AcceptUnix()
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	return NewHandler(unixsocket.New(conn)), nil
}

// Path returns the socket path on disk.
func (l *Listener) Path() string {
	return l.path
}

// Close closes the listening descriptor and removes the socket file if
// present. Idempotent.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
		err = rerr
	}
	return err
}

func bind(path string) (*net.UnixListener, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	return net.ListenUnix("unix", addr)
}

// probe dials the existing socket. nil means the path is stale and may
// be reclaimed.
func probe(path string) error {
	conn, err := net.DialTimeout("unix", path, probeTimeout)
	if err == nil {
		conn.Close()
		return ErrAlreadyRunning
	}
	return nil
}

func configure(ln *net.UnixListener) error {
	sys, err := ln.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = sys.Control(func(fd uintptr) {
		unix.CloseOnExec(int(fd))
		serr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{})
	})
	if err != nil {
		return err
	}
	return serr
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// isStalePath reports whether bind failed but something is sitting at
// the path (a leftover socket or foreign file) worth probing.
func isStalePath(path string, err error) bool {
	if err == nil {
		return false
	}
	_, serr := os.Lstat(path)
	return serr == nil
}
