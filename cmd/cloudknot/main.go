package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/maouw/cloudknot/api"
	"github.com/maouw/cloudknot/backends/core"
)

const version = "cloudknot v0.1.0"

func main() {
	logger := newLogger(os.Stderr)
	core.LoadHomeEnv(logger)

	shutdown, err := core.InitTracer("cloudknot")
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	} else {
		defer shutdown(context.Background())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, os.Args[1:], os.Stdout, logger, connect)
	stop()
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

func newLogger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("CLOUDKNOT_LOG_LEVEL"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			level = l
		}
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
}

// exitCode: 2 bad input, 3 teardown left resources, 4 permission
// denied, 5 local state refused the operation, 1 anything else.
func exitCode(err error) int {
	var (
		ip  *api.InvalidParameterError
		ce  *api.ClobberError
		pe  *api.PermissionError
		sc  *api.StateCorruptionError
		ist *api.InvalidStateTransitionError
	)
	switch {
	case errors.Is(err, errUsage), errors.As(err, &ip):
		return 2
	case errors.As(err, &ce):
		return 3
	case errors.As(err, &pe):
		return 4
	case errors.As(err, &sc), errors.As(err, &ist):
		return 5
	}
	return 1
}

var errUsage = errors.New("usage")

func run(ctx context.Context, args []string, out io.Writer, logger zerolog.Logger, dial dialer) error {
	if len(args) < 1 {
		usage()
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintln(out, version)
		return nil
	case "help", "-h", "--help":
		usage()
		return nil
	}
	handler, ok := commands[cmd]
	if !ok {
		usage()
		return errUsage
	}
	a, err := dial(ctx, logger)
	if err != nil {
		return err
	}
	a.out = out
	defer func() {
		if m := a.client.Metrics(); m != nil {
			logger.Debug().Interface("metrics", m.Snapshot()).Msg("provider calls")
		}
	}()
	return handler(ctx, a, rest)
}

var commands = map[string]func(context.Context, *app, []string) error{
	"create":    cmdCreate,
	"clobber":   cmdClobber,
	"status":    cmdStatus,
	"list":      cmdList,
	"ls":        cmdList,
	"inventory": cmdInventory,
	"submit":    cmdSubmit,
	"poll":      cmdPoll,
	"wait":      cmdWait,
	"terminate": cmdTerminate,
	"logs":      cmdLogs,
	"forget":    cmdForget,
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: cloudknot <command>

Commands:
  create     Provision (or resume) the knot described by a YAML file
  clobber    Tear down every resource a knot owns
  status     Show a knot's state and resources
  list       List recorded knots
  inventory  Compare recorded resources with the cloud
  submit     Submit a job to a ready knot
  poll       Refresh the status of a knot's jobs
  wait       Wait for a job to finish
  terminate  Cancel or terminate a job
  logs       Print a job's output
  forget     Drop a knot's local record without touching the cloud
  version    Print version

Environment:
  CLOUDKNOT_HOME       state directory (default ~/.cloudknot)
  CLOUDKNOT_BACKEND    aws or memory (default aws)
  CLOUDKNOT_LOG_LEVEL  zerolog level (default info)`)
}
