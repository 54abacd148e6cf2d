// Package daemon provides the preloading supervisor: a one-time
// daemon process pays the application's cold-start cost, then serves
// execute requests arriving on a per-user unix socket. The launcher
// side of the same Run call discovers or spawns the daemon and
// forwards the invoking terminal's cwd, argv, and standard streams.
package daemon

/*
Launcher / daemon lifecycle:

- fast path: connect to <dir>/control.sock, perform an execute
  handshake with the current process state, exit with the received
  code
- no socket or connection refused: ensure <dir>, re-exec self with the
  daemon environment marker set, block on one frame from the readiness
  pipe, retry the fast path
- daemon child: run the loader once, bind the listener, signal
  readiness, accept forever; each accepted handler is served in its
  own worker
- a daemon that loses the bind race signals readiness and exits so the
  launcher reaches the winner

Per-request errors never exit the accept loop.
*/

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/justjake/z/client"
	"github.com/justjake/z/proto"
)

// Loader performs the expensive one-time initialization before the
// daemon starts accepting requests.
type Loader func() error

// Runner services one decoded request and returns its exit code.
type Runner func(*proto.Request) int

// spawnAttempts bounds how many times a launcher will spawn-and-retry
// before giving up. Concurrent launchers may each lose one race.
const spawnAttempts = 3

// Supervisor owns the application callbacks and the per-user daemon
// directory holding control.sock and log.
type Supervisor struct {
	name   string
	loader Loader
	runner Runner

	dir string
	cfg Config
	log zerolog.Logger
}

// New resolves the daemon directory for name and loads the optional
// config.toml inside it.
func New(name string, loader Loader, runner Runner) (*Supervisor, error) {
	if name == "" {
		return nil, errors.New("daemon: empty application name")
	}
	if loader == nil || runner == nil {
		return nil, errors.New("daemon: loader and runner are required")
	}
	dir := defaultDir(name)
	cfg, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		name:   name,
		loader: loader,
		runner: runner,
		dir:    dir,
		cfg:    cfg,
		log:    zerolog.Nop(),
	}, nil
}

// Dir returns the per-user daemon directory.
func (s *Supervisor) Dir() string {
	return s.dir
}

// SocketPath returns the control socket path.
func (s *Supervisor) SocketPath() string {
	if s.cfg.Socket != "" {
		return s.cfg.Socket
	}
	return filepath.Join(s.dir, socketName)
}

// LogPath returns the append-only daemon log path.
func (s *Supervisor) LogPath() string {
	if s.cfg.Log != "" {
		return s.cfg.Log
	}
	return filepath.Join(s.dir, logName)
}

// Run executes the discover-or-spawn algorithm and returns the exit
// code to propagate. In the daemonized child (spawned by a previous
// launcher) Run never takes the fast path; it serves until the
// listener dies.
func (s *Supervisor) Run() (int, error) {
	if os.Getenv(daemonEnv) == s.name {
		if err := s.serveDaemon(); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var lastErr error
	for attempt := 0; attempt <= spawnAttempts; attempt++ {
		code, err := client.Execute(s.SocketPath())
		if err == nil {
			return code, nil
		}
		if !spawnable(err) {
			return 0, err
		}
		lastErr = err
		if attempt == spawnAttempts {
			break
		}

		if err := s.spawn(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("daemon: no daemon after %d attempts: %w", spawnAttempts, lastErr)
}

// Main runs and exits the process with the resulting code, reporting
// errors on stderr. Launchers call it last in main.
func (s *Supervisor) Main() {
	code, err := s.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", s.name, err)
		os.Exit(proto.ExitAppFailure)
	}
	os.Exit(code)
}

// spawnable reports whether the connect failure means "no live daemon"
// (missing socket file or nothing accepting) rather than a real error
// such as permission denied.
func spawnable(err error) bool {
	if !errors.Is(err, client.ErrConnect) {
		return false
	}
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, errConnRefused)
}
