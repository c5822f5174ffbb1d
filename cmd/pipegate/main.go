// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/pipegate/pipegate/cmd/pipegate/mainlib"
	"github.com/pipegate/pipegate/internal/pprof"
	"github.com/pipegate/pipegate/internal/version"
)

type (
	// cmd corresponds to the top-level `pipegate` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the gateway for the given configuration."`
		// Healthcheck is the sub-command to check if a running gateway is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to the `pipegate run` command.
	cmdRun struct {
		Path           string `arg:"" name:"path" help:"Path to the routing configuration yaml file." type:"path"`
		LogLevel       string `name:"log-level" help:"Log level. One of 'debug', 'info', 'warn', or 'error'." default:"info"`
		AdminPort      int    `name:"admin-port" help:"HTTP port for the admin server (serves /metrics and /health endpoints)." default:"1064"`
		CredentialsDir string `name:"credentials-dir" help:"Directory holding the credential files referenced by credentialRef entries." type:"path"`
	}
	// cmdHealthcheck corresponds to the `pipegate healthcheck` command.
	cmdHealthcheck struct {
		AdminPort int `name:"admin-port" help:"HTTP port of the admin server to probe." default:"1064"`
	}
)

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	// Run the pprof server if the ENABLE_PPROF environment variable is set.
	pprof.Run(ctx)
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain is the main entry point for the CLI. It parses the command line arguments and executes the appropriate command.
//
//   - stdout is the writer to use for standard output. Mainly for testing.
//   - stderr is the writer to use for standard error. Mainly for testing.
//   - `args` are the command line arguments without the program name.
//   - exitFn is the function to call to exit the program. Mainly for testing.
//   - rf is the function to call to run the gateway. Mainly for testing.
//   - hf is the function to call to probe a running gateway. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("pipegate"),
		kong.Description("Anthropic-to-OpenAI routing gateway"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "pipegate: %s\n", version.Version)
	case "run <path>":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			_, _ = fmt.Fprintf(stderr, "pipegate: %v\n", err)
			exitFn(mainlib.ExitCode(err))
		}
	case "healthcheck":
		if err := hf(ctx, c.Healthcheck.AdminPort, stdout, stderr); err != nil {
			_, _ = fmt.Fprintf(stderr, "pipegate: %v\n", err)
			exitFn(1)
		}
	default:
		panic("unreachable")
	}
}
