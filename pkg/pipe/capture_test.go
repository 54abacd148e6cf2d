package pipe

import (
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestCaptureCollectsWrites(t *testing.T) {
	c, err := NewCapture(64)
	if err != nil {
		t.Fatalf("NewCapture error: %v", err)
	}
	if _, err := c.File().WriteString("hi\n"); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if got := c.Wait(); got != "hi\n" {
		t.Errorf("Wait = %q, want %q", got, "hi\n")
	}
}

func TestCaptureLimit(t *testing.T) {
	c, err := NewCapture(5)
	if err != nil {
		t.Fatalf("NewCapture error: %v", err)
	}
	input := "toolonginput"
	if _, err := c.File().WriteString(input); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if got := c.Wait(); got != input[:5] {
		t.Errorf("Wait = %q, want %q", got, input[:5])
	}
}

func TestCaptureWaitsForDuplicates(t *testing.T) {
	c, err := NewCapture(64)
	if err != nil {
		t.Fatalf("NewCapture error: %v", err)
	}

	// a descriptor transfer leaves the handler holding a duplicate of
	// the write end; Wait must not return while it is still open
	dupFd, err := syscall.Dup(int(c.File().Fd()))
	if err != nil {
		t.Fatal(err)
	}
	dup := os.NewFile(uintptr(dupFd), "dup")

	done := make(chan string, 1)
	go func() {
		done <- c.Wait()
	}()

	select {
	case got := <-done:
		t.Fatalf("Wait returned %q with a duplicate still open", got)
	case <-time.After(50 * time.Millisecond):
	}

	dup.WriteString(strings.Repeat("x", 3))
	dup.Close()

	select {
	case got := <-done:
		if got != "xxx" {
			t.Errorf("Wait = %q, want %q", got, "xxx")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for capture")
	}
}
