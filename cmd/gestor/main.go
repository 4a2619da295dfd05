// Command gestor is the terminal client for the expense tracker login flow.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/diegous2023/gestorgastos/internal/autherr"
	"github.com/diegous2023/gestorgastos/internal/client"
	"github.com/diegous2023/gestorgastos/internal/devicetrust"
	"github.com/diegous2023/gestorgastos/internal/logging"
	"github.com/diegous2023/gestorgastos/internal/sessiontrust"
)

const usage = `Usage: gestor [global flags] <command> [flags]

Commands:
  login <email>    authorize an email and enter or create its PIN
  logout           end the current session (device trust is kept)
  status           check the stored session against the server
  watch            stay logged in until the session is invalidated
  forget-device    drop the remembered device

Global flags:
`

type globals struct {
	serverURL string
	stateFile string
	logLevel  string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", describe(err))
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var g globals
	fs := pflag.NewFlagSet("gestor", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.StringVar(&g.serverURL, "server", envOr("GESTOR_SERVER_URL", "http://localhost:8080"), "identity server base URL")
	fs.StringVar(&g.stateFile, "state", envOr("GESTOR_STATE_FILE", devicetrust.DefaultPath()), "device state file")
	fs.StringVar(&g.logLevel, "log-level", envOr("GESTOR_LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return fmt.Errorf("command required")
	}

	logger := logging.NewText(os.Stderr, g.logLevel)
	trust, err := devicetrust.Open(g.stateFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	invalidated := make(chan error, 1)
	o := sessiontrust.New(client.New(g.serverURL), trust,
		sessiontrust.WithLogger(logger),
		sessiontrust.OnInvalidated(func(reason error) {
			select {
			case invalidated <- reason:
			default:
			}
		}),
	)
	defer o.Close()

	cmd := command{o: o, trust: trust, out: out, logger: logger, invalidated: invalidated}
	name, cmdArgs := rest[0], rest[1:]
	switch name {
	case "login":
		return cmd.login(ctx, cmdArgs)
	case "logout":
		return cmd.logout(ctx, cmdArgs)
	case "status":
		return cmd.status(ctx, cmdArgs)
	case "watch":
		return cmd.watch(ctx, cmdArgs)
	case "forget-device":
		return cmd.forgetDevice(cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}
}

type command struct {
	o           *sessiontrust.Orchestrator
	trust       *devicetrust.Store
	out         io.Writer
	logger      *slog.Logger
	invalidated chan error
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// describe renders err the way the user should read it. Invalidation
// reasons keep their detail.
func describe(err error) string {
	if errors.Is(err, autherr.ErrSessionInvalidated) {
		return err.Error()
	}
	if _, ok := autherr.As(err); ok {
		return autherr.Message(err)
	}
	return err.Error()
}
