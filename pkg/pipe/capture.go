// Package pipe provides an in-memory stand-in for a client terminal
// stream: a pipe whose write end is shipped to an execute request as
// stdout or stderr while the read side collects everything the hosted
// application wrote through it.
package pipe

import (
	"bytes"
	"io"
	"os"
)

// Capture is one captured stream. File is the descriptor to hand to a
// request; Wait reports what came back through it.
type Capture struct {
	w     *os.File
	limit int64
	buf   bytes.Buffer
	done  chan struct{}
}

// NewCapture creates a captured stream keeping at most limit bytes;
// anything past the limit is drained and dropped so writers never
// block.
func NewCapture(limit int64) (*Capture, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	c := &Capture{w: w, limit: limit, done: make(chan struct{})}
	go func() {
		io.CopyN(&c.buf, r, limit)
		close(c.done)
		// keep draining so a writer past the limit never blocks or
		// takes SIGPIPE
		io.Copy(io.Discard, r)
		r.Close()
	}()
	return c, nil
}

// File returns the write end to ship as the request's stdout or
// stderr. Descriptor transfer duplicates it; Wait only returns once
// every duplicate is closed or limit bytes have been captured.
func (c *Capture) File() *os.File {
	return c.w
}

// Close releases the local write end without waiting for the capture.
func (c *Capture) Close() error {
	return c.w.Close()
}

// Wait closes the local write end and blocks until the remaining
// writers (the handler's duplicates) are gone or limit bytes have been
// captured, then returns what was captured.
func (c *Capture) Wait() string {
	c.w.Close()
	<-c.done
	return c.buf.String()
}
