package unixsocket

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestBaseline(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	msg := []byte("message")
	go func() {
		a.SendMsg(msg, nil)
	}()

	buf := make([]byte, 1024)
	n, _, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("RecvMsg got %q, want %q", buf[:n], msg)
	}
}

func TestSendRecvMsg_Fds(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	tmpfile, err := os.CreateTemp(t.TempDir(), "unixsocket-fd")
	if err != nil {
		t.Fatal(err)
	}
	defer tmpfile.Close()

	msg := []byte("fdtest")
	go func() {
		a.SendMsg(msg, []int{int(tmpfile.Fd())})
	}()

	buf := make([]byte, 64)
	n, fds, err := b.RecvMsg(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Errorf("RecvMsg got %q, want %q", buf[:n], msg)
	}
	if len(fds) != 1 {
		t.Fatalf("expected 1 fd, got %d", len(fds))
	}

	// the received fd must reach the same file
	f := os.NewFile(uintptr(fds[0]), "received")
	defer f.Close()
	if _, err := f.WriteString("hello"); err != nil {
		t.Errorf("write through received fd: %v", err)
	}
	got, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("file content = %q, want %q", got, "hello")
	}
}

func TestStreamOrder(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	go func() {
		a.SendMsg([]byte("first"), nil)
		a.SendMsg([]byte("second"), nil)
		a.Close()
	}()

	all, err := io.ReadAll(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(all) != "firstsecond" {
		t.Errorf("stream = %q, want %q", all, "firstsecond")
	}
}

func TestDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dial.sock")
	if _, err := Dial(path); err == nil {
		t.Error("expected error dialing nonexistent socket, got nil")
	}
}

func TestNewSocketPair_Close(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("a.Close() error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("b.Close() error: %v", err)
	}
}

func TestNewFromFD_InvalidFd(t *testing.T) {
	if _, err := NewFromFD(-1); err == nil {
		t.Error("expected error for invalid fd, got nil")
	}
}

func TestRecvMsg_ClosedPeer(t *testing.T) {
	a, b, err := NewSocketPair()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	a.Close()

	buf := make([]byte, 16)
	n, _, err := b.RecvMsg(buf)
	if n != 0 || err == nil {
		t.Errorf("RecvMsg on closed peer = (%d, %v), want EOF", n, err)
	}
}
