package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/justjake/z/pkg/frame"
	"github.com/justjake/z/proto"
	"github.com/justjake/z/server"
)

var readyPayload = []byte("ready")

// serveDaemon is the daemonized child: load once, bind, signal
// readiness, accept forever.
func (s *Supervisor) serveDaemon() error {
	s.log = s.logger()
	ready := os.NewFile(readyFd, "readiness-pipe")

	s.log.Info().Int("pid", os.Getpid()).Str("dir", s.dir).Msg("daemon starting")
	if err := s.loader(); err != nil {
		// the launcher observes the EOF on the readiness pipe; the
		// reason lives here in the log
		s.log.Error().Err(err).Msg("loader failed")
		return fmt.Errorf("daemon: loader: %w", err)
	}

	ln, err := server.Listen(s.SocketPath())
	if errors.Is(err, server.ErrAlreadyRunning) {
		// another daemon won the bind race; point the launcher at it
		s.log.Info().Msg("daemon already running, exiting")
		s.signalReady(ready)
		return nil
	}
	if err != nil {
		s.log.Error().Err(err).Msg("bind failed")
		return fmt.Errorf("daemon: %w", err)
	}
	defer ln.Close()

	s.signalReady(ready)
	return s.Serve(ln)
}

// Serve accepts connections on ln until it closes, dispatching each
// handler to its own worker. The daemonized child ends up here; a
// foreground server (cmd/z server) may call it directly.
func (s *Supervisor) Serve(ln *server.Listener) error {
	s.log.Info().Str("socket", ln.Path()).Msg("accepting")
	for {
		h, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.log.Error().Err(err).Msg("accept failed")
			return fmt.Errorf("daemon: %w", err)
		}
		go s.serve(h)
	}
}

// SetLogger replaces the supervisor logger. Foreground servers log to
// the terminal; the daemonized child configures its own file logger.
func (s *Supervisor) SetLogger(log zerolog.Logger) {
	s.log = log
}

// signalReady unblocks the launcher waiting on the readiness pipe.
func (s *Supervisor) signalReady(w *os.File) {
	if w == nil {
		return
	}
	if err := frame.New(w).Send(readyPayload); err != nil {
		// launcher may have given up; the daemon serves regardless
		s.log.Warn().Err(err).Msg("failed to signal readiness")
	}
	w.Close()
}

// serve is one worker: it owns the handler for exactly one request.
// Request state (cwd, argv, stream descriptors) travels inside the
// request record, so concurrent workers never share mutable state.
func (s *Supervisor) serve(h *server.Handler) {
	// scoped cleanup: if the worker leaves without a reply this
	// reports 255 and closes every received descriptor
	defer h.Close()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("runner crashed")
			h.CloseWithExitCode(proto.ExitAppFailure)
		}
	}()

	req, err := h.Receive()
	if err != nil {
		s.log.Warn().Err(err).Msg("bad request")
		h.CloseWithExitCode(proto.ExitUsage)
		return
	}
	s.log.Info().Str("cwd", req.Cwd).Strs("args", req.Args).Msg("execute")

	code := s.runner(req)
	if clamped, ok := proto.ClampExitCode(code); ok {
		s.log.Warn().Int("code", code).Int("clamped", clamped).Msg("exit code out of range")
		code = clamped
	}
	if err := h.CloseWithExitCode(code); err != nil {
		s.log.Warn().Err(err).Msg("failed to reply")
	}
}

// logger builds the daemon logger. The daemonized child already has
// its stderr on the log file; JSON lines keep concurrent appends
// intact.
func (s *Supervisor) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if s.cfg.LogLevel != "" {
		if parsed, err := zerolog.ParseLevel(s.cfg.LogLevel); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(level).With().
		Timestamp().
		Str("app", s.name).
		Logger()
}
