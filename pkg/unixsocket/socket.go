// Package unixsocket provides a wrapper for unix stream sockets to
// send and recv oob messages carrying file descriptors (SCM_RIGHTS).
package unixsocket

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
)

// oob size default to page size
const oobSize = 4 << 10 // 4kb

// use pool to avoid allocate
var oobPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, oobSize)
	},
}

// Socket wrappers a connected unix stream socket
type Socket struct {
	*net.UnixConn
}

// New creates Socket from an existing unix connection
func New(conn *net.UnixConn) *Socket {
	return &Socket{UnixConn: conn}
}

// NewFromFD creates Socket using an existing unix socket fd created by
// socketpair or inherited from a parent process, and marks it as
// close_on_exec (avoid fd leak)
func NewFromFD(fd int) (*Socket, error) {
	syscall.CloseOnExec(fd)

	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, fmt.Errorf("new: %d is not a valid fd", fd)
	}
	defer file.Close()

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, err
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("new: %d is not a unix socket connection", fd)
	}
	return New(unixConn), nil
}

// Dial connects to the unix stream socket bound at path
func Dial(path string) (*Socket, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}

// NewSocketPair creates a connected unix socketpair using SOCK_STREAM
func NewSocketPair() (*Socket, *Socket, error) {
	fd, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %v", err)
	}

	ins, err := NewFromFD(fd[0])
	if err != nil {
		syscall.Close(fd[0])
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("socketpair: failed to wrap sender: %v", err)
	}

	outs, err := NewFromFD(fd[1])
	if err != nil {
		ins.Close()
		syscall.Close(fd[1])
		return nil, nil, fmt.Errorf("socketpair: failed to wrap receiver: %v", err)
	}

	return ins, outs, nil
}

// SendMsg sendmsg to the unix socket and encode the given fds as unix
// rights. A short data write is finished with plain writes so the byte
// stream stays aligned.
func (s *Socket) SendMsg(b []byte, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = syscall.UnixRights(fds...)
	}
	n, _, err := s.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	for n < len(b) {
		m, err := s.Write(b[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// RecvMsg recvmsg from the unix socket and parse possible unix rights.
// Received descriptors are marked close_on_exec.
func (s *Socket) RecvMsg(b []byte) (int, []int, error) {
	oob := oobPool.Get().([]byte)
	defer oobPool.Put(oob)

	n, oobn, _, _, err := s.ReadMsgUnix(b, oob)
	if err != nil {
		return 0, nil, err
	}
	if oobn == 0 {
		return n, nil, nil
	}

	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, err
	}
	fds, err := parseFds(msgs)
	if err != nil {
		return 0, nil, err
	}
	for _, fd := range fds {
		syscall.CloseOnExec(fd)
	}
	return n, fds, nil
}

func parseFds(msgs []syscall.SocketControlMessage) ([]int, error) {
	var fds []int
	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET || m.Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		got, err := syscall.ParseUnixRights(&m)
		if err != nil {
			return nil, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}
