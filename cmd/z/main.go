// Command z is the example launcher. Its hosted application is an
// echo handler: each execute writes the client's argument vector to
// the client's stdout and exits 0.
//
//	z server <socket>   run the example server in the foreground
//	z client <socket>   execute using this process's cwd/argv/stdio
//	z run [args...]     execute through the daemon, spawning it if needed
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog"

	"github.com/justjake/z/client"
	"github.com/justjake/z/daemon"
	"github.com/justjake/z/proto"
	"github.com/justjake/z/server"
)

const appName = "z"

var cli struct {
	Server ServerCmd `cmd:"" help:"Run the example echo server in the foreground."`
	Client ClientCmd `cmd:"" help:"Perform an execute against a running server."`
	Run    RunCmd    `cmd:"" help:"Execute through the preloading daemon, spawning it if needed."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name(appName),
		kong.Description("Preloading command-execution daemon with an example echo application."),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(proto.ExitUsage)
			}
			os.Exit(0)
		}),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(proto.ExitAppFailure)
	}
}

// ServerCmd runs the example server in the foreground. Goroutine
// dispatch is fine here: the echo handler keeps all request state in
// the request record.
type ServerCmd struct {
	Socket string `arg:"" help:"Path to bind the control socket at." type:"path"`
}

func (c *ServerCmd) Run() error {
	sup, err := daemon.New(appName, echoLoader, echoRunner)
	if err != nil {
		return err
	}
	sup.SetLogger(consoleLogger())

	if err := echoLoader(); err != nil {
		return err
	}
	ln, err := server.Listen(c.Socket)
	if err != nil {
		return err
	}
	defer ln.Close()
	return sup.Serve(ln)
}

// ClientCmd dials a running server and executes with the current
// process's working directory, arguments, and standard streams.
type ClientCmd struct {
	Socket string `arg:"" help:"Path of the server control socket." type:"path"`
}

func (c *ClientCmd) Run() error {
	code, err := client.Execute(c.Socket)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// RunCmd is the full launcher: fast-path a live daemon or spawn one,
// then exit with the application's code.
type RunCmd struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Arguments echoed back by the daemon."`
}

func (c *RunCmd) Run() error {
	sup, err := daemon.New(appName, echoLoader, echoRunner)
	if err != nil {
		return err
	}
	sup.Main()
	return nil
}

// echoLoader stands in for the expensive one-time initialization a
// real application would perform.
func echoLoader() error {
	return nil
}

// echoRunner writes the client's argv to the client's terminal.
func echoRunner(req *proto.Request) int {
	if _, err := fmt.Fprintln(req.Stdout, strings.Join(req.Args, " ")); err != nil {
		return proto.ExitAppFailure
	}
	return 0
}

func consoleLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(out).With().Timestamp().Str("app", appName).Logger()
}
