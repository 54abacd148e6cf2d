package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/justjake/z/pkg/frame"
)

const (
	// daemonEnv marks a re-exec'd process as the daemonized child for
	// the named application.
	daemonEnv = "_Z_DAEMON"

	// readyFd is where the spawned child finds the readiness pipe
	// write end (the first ExtraFile).
	readyFd = 3
)

var errConnRefused error = syscall.ECONNREFUSED

// spawn re-execs the current binary as a detached daemon and blocks
// until it signals readiness on the pipe. Readiness via a pipe, not a
// poll loop: the launcher never races the socket bind. An EOF before
// the readiness frame means the child died during startup (for
// example, the loader failed); the log has the details.
func (s *Supervisor) spawn() error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("spawn: failed to create %s: %w", s.dir, err)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("spawn: failed to find own executable: %w", err)
	}

	logFile, err := os.OpenFile(s.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("spawn: failed to open log: %w", err)
	}
	defer logFile.Close()

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("spawn: failed to open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("spawn: failed to create readiness pipe: %w", err)
	}
	defer r.Close()

	// the Go rendition of fork/setsid/fork: a re-exec of self in a new
	// session, detached from the terminal, with stdio on the log file
	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Dir = "/"
	cmd.Stdin = devNull
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), daemonEnv+"="+s.name)
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		w.Close()
		return fmt.Errorf("spawn: failed to start daemon: %w", err)
	}
	w.Close()
	go cmd.Wait()

	if _, err := frame.New(r).Recv(); err != nil {
		if err == io.EOF {
			return fmt.Errorf("spawn: daemon exited before becoming ready, see %s", s.LogPath())
		}
		return fmt.Errorf("spawn: failed to read readiness: %w", err)
	}
	return nil
}
