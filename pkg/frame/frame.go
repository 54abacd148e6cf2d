// Package frame provides a length-prefixed blocking message channel
// over any byte-oriented stream. Frames are a 4-byte big-endian length
// followed by exactly that many payload bytes; empty frames are legal.
//
// When the underlying stream is a unix socket that can carry ancillary
// data (see pkg/unixsocket), SendFD / RecvFD transfer one open file
// descriptor alongside a frame. The descriptor rides the frame's bytes
// in a single sendmsg, so the receiver drains ancillary data in
// lockstep with the byte stream.
package frame

import (
	"encoding/binary"
	"errors"
	"io"
	"syscall"
)

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = 1<<32 - 1

var (
	// ErrTooLarge payload length does not fit the 32-bit prefix
	ErrTooLarge = errors.New("frame: payload exceeds 32-bit length")

	// ErrTruncated stream ended inside a frame (partial length prefix
	// or short payload)
	ErrTruncated = errors.New("frame: truncated frame")

	// ErrNoOOB underlying stream cannot carry ancillary data
	ErrNoOOB = errors.New("frame: stream cannot carry descriptors")

	// ErrNoFD no descriptor arrived with the frame
	ErrNoFD = errors.New("frame: no descriptor received")
)

// Messenger is implemented by streams that can attach unix rights to a
// send or receive (pkg/unixsocket.Socket).
type Messenger interface {
	SendMsg(b []byte, fds []int) error
	RecvMsg(b []byte) (int, []int, error)
}

// Channel frames messages over a single byte stream. Single producer /
// single consumer per direction; the channel does not own the stream.
type Channel struct {
	rw io.ReadWriter
}

// New creates a frame channel over rw (a connected socket, or one end
// of a pipe).
func New(rw io.ReadWriter) *Channel {
	return &Channel{rw: rw}
}

// Underlying exposes the raw stream so that callers may perform
// ancillary descriptor operations between frames.
func (c *Channel) Underlying() io.ReadWriter {
	return c.rw
}

// Send writes one frame. No bytes reach the stream if the payload does
// not fit the length prefix. A nil payload sends an empty frame.
func (c *Channel) Send(p []byte) error {
	buf, err := encode(p)
	if err != nil {
		return err
	}
	if _, err := c.rw.Write(buf); err != nil {
		return err
	}
	return nil
}

// Recv reads the next frame payload. It returns io.EOF if and only if
// the stream ends cleanly where a length prefix would begin; a stream
// that ends inside a frame fails with ErrTruncated.
func (c *Channel) Recv() ([]byte, error) {
	var hdr [4]byte
	n, err := io.ReadFull(c.rw, hdr[:])
	switch {
	case err == io.EOF && n == 0:
		return nil, io.EOF
	case err != nil:
		return nil, truncated(err)
	}
	p := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(c.rw, p); err != nil {
		return nil, truncated(err)
	}
	return p, nil
}

// SendFD writes one frame with fd attached as SCM_RIGHTS ancillary
// data on the same sendmsg.
func (c *Channel) SendFD(p []byte, fd int) error {
	m, ok := c.rw.(Messenger)
	if !ok {
		return ErrNoOOB
	}
	buf, err := encode(p)
	if err != nil {
		return err
	}
	return m.SendMsg(buf, []int{fd})
}

// RecvFD reads the next frame and the descriptor transferred with it.
// Surplus descriptors in the same message are closed.
func (c *Channel) RecvFD() ([]byte, int, error) {
	m, ok := c.rw.(Messenger)
	if !ok {
		return nil, 0, ErrNoOOB
	}
	var fds []int

	var hdr [4]byte
	n, err := readMsgFull(m, hdr[:], &fds)
	switch {
	case err == io.EOF && n == 0:
		closeAll(fds)
		return nil, 0, io.EOF
	case err != nil:
		closeAll(fds)
		return nil, 0, truncated(err)
	}
	p := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	if _, err := readMsgFull(m, p, &fds); err != nil {
		closeAll(fds)
		return nil, 0, truncated(err)
	}
	if len(fds) == 0 {
		return nil, 0, ErrNoFD
	}
	closeAll(fds[1:])
	return p, fds[0], nil
}

func encode(p []byte) ([]byte, error) {
	if uint64(len(p)) > MaxPayload {
		return nil, ErrTooLarge
	}
	buf := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[4:], p)
	return buf, nil
}

// readMsgFull fills b through recvmsg, collecting any descriptors
// delivered along the way into fds.
func readMsgFull(m Messenger, b []byte, fds *[]int) (int, error) {
	total := 0
	for total < len(b) {
		n, got, err := m.RecvMsg(b[total:])
		*fds = append(*fds, got...)
		if err != nil {
			return total, err
		}
		if n == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			return total, io.ErrUnexpectedEOF
		}
		total += n
	}
	return total, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}

func truncated(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}
