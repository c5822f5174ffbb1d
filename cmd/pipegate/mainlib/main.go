// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mainlib is the gateway entry point, exposed so that tests and
// embedders can run the whole process in a goroutine.
package mainlib

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipegate/pipegate/internal/config"
	"github.com/pipegate/pipegate/internal/credentials"
	"github.com/pipegate/pipegate/internal/debuglog"
	"github.com/pipegate/pipegate/internal/metrics"
	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/router"
	"github.com/pipegate/pipegate/internal/server"
	"github.com/pipegate/pipegate/internal/stages"
	"github.com/pipegate/pipegate/internal/tracing"
	"github.com/pipegate/pipegate/internal/version"
)

// shutdownTimeout bounds how long a cancelled process waits for in-flight
// requests and exporter flushes.
const shutdownTimeout = 5 * time.Second

// Sentinels classifying startup failures for ExitCode.
var (
	errConfig      = errors.New("configuration rejected")
	errNoPipelines = errors.New("no runnable pipelines")
	errListen      = errors.New("bind failed")
)

// ExitCode maps an error returned by Main to the process exit code: 2 for
// configuration errors, 3 when assembly produced no runnable pipeline, 4 for
// listener bind failures and 1 for anything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errConfig):
		return 2
	case errors.Is(err, errNoPipelines):
		return 3
	case errors.Is(err, errListen):
		return 4
	}
	switch pipeline.KindOf(err) {
	case pipeline.KindConfigError, pipeline.KindRouterConfigError:
		return 2
	}
	return 1
}

// serveFlags is the struct that holds the flags passed to the gateway.
type serveFlags struct {
	configPath     string     // path to the routing configuration file.
	credentialsDir string     // directory holding <ref>.json credential files.
	logLevel       slog.Level // log level for the gateway.
	adminPort      int        // HTTP port for the admin server (metrics and health).
}

// parseAndValidateFlags parses and validates the flags passed to the gateway.
func parseAndValidateFlags(args []string) (serveFlags, error) {
	var (
		flags serveFlags
		errs  []error
		fs    = flag.NewFlagSet("PipeGate", flag.ContinueOnError)
	)

	fs.StringVar(&flags.configPath,
		"configPath",
		"",
		"path to the routing configuration file in YAML or JSON form.",
	)
	fs.StringVar(&flags.credentialsDir,
		"credentialsDir",
		"",
		"directory holding the credential files referenced by credentialRef entries. "+
			"Providers using inline api_key do not need it.",
	)
	logLevelPtr := fs.String(
		"logLevel",
		"info",
		"log level for the gateway. One of 'debug', 'info', 'warn', or 'error'.",
	)
	fs.IntVar(&flags.adminPort, "adminPort", 1064, "HTTP port for the admin server (serves /metrics and /health endpoints).")

	if err := fs.Parse(args); err != nil {
		return serveFlags{}, fmt.Errorf("failed to parse serveFlags: %w", err)
	}

	if flags.configPath == "" {
		errs = append(errs, fmt.Errorf("configPath must be provided"))
	}
	if err := flags.logLevel.UnmarshalText([]byte(*logLevelPtr)); err != nil {
		errs = append(errs, fmt.Errorf("failed to unmarshal log level: %w", err))
	}

	return flags, errors.Join(errs...)
}

// Main runs the gateway until ctx is cancelled.
//
// * ctx is the context for the gateway process.
// * args are the command line arguments without the program name.
// * stderr is the writer to use for standard error where the gateway will output logs.
//
// This returns an error if the gateway fails to start, or nil otherwise. When
// the `ctx` is canceled, the function will return nil after in-flight
// requests have drained.
func Main(ctx context.Context, args []string, stderr io.Writer) (err error) {
	defer func() {
		// Don't err the caller about normal shutdown scenarios.
		if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
	}()
	flags, err := parseAndValidateFlags(args)
	if err != nil {
		return fmt.Errorf("%w: %s", errConfig, err)
	}

	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: flags.logLevel}))

	l.Info("starting pipegate",
		slog.String("version", version.Version),
		slog.String("configPath", flags.configPath),
	)

	table, err := config.Compile(flags.configPath, config.Options{CredentialsDir: flags.credentialsDir})
	if err != nil {
		return err
	}
	for _, w := range table.Warnings {
		l.Warn(w)
	}
	configs, warnings, err := router.Compile(table)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		l.Warn(w)
	}

	// Bind both listeners before spawning anything so a taken port fails the
	// process with nothing to unwind.
	apiLis, err := listen(ctx, "api server", fmt.Sprintf("%s:%d", table.Server.Host, table.Server.Port))
	if err != nil {
		return err
	}
	adminLis, err := listen(ctx, "admin server", fmt.Sprintf(":%d", flags.adminPort))
	if err != nil {
		return err
	}

	mtr, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}
	tr, err := tracing.NewTracingFromEnv(ctx, os.Stdout)
	if err != nil {
		return fmt.Errorf("failed to create tracing: %w", err)
	}

	upstream := newUpstreamClient()
	creds := credentials.NewManager(flags.credentialsDir, l.With("component", "credentials"),
		credentials.WithHTTPClient(upstream))
	for _, p := range table.Providers {
		if key, ok := table.InlineCredentials[p.CredentialRef]; ok {
			err = creds.AddInline(p.CredentialRef, p.Name, p.APIBaseURL, key)
		} else {
			err = creds.Add(p.CredentialRef, p.Name, p.APIBaseURL)
		}
		if err != nil {
			return fmt.Errorf("%w: %s", errConfig, err)
		}
	}

	registry := pipeline.NewRegistry()
	if err := stages.RegisterAll(registry, stages.Deps{
		Logger:      l,
		Transport:   upstream,
		Credentials: creds,
	}); err != nil {
		return fmt.Errorf("failed to register stages: %w", err)
	}

	var managerOpts []pipeline.ManagerOption
	var sink *debuglog.Sink
	if table.Server.Debug {
		sink, err = debuglog.NewSink(table.Server.DebugDir, table.Server.Port, l.With("component", "debuglog"))
		if err != nil {
			return fmt.Errorf("failed to create debug sink: %w", err)
		}
		managerOpts = append(managerOpts, pipeline.WithRecordSink(sink), pipeline.WithSnapshotCapture(true))
		l.Info("debug logging is enabled",
			slog.String("dir", sink.Dir()),
			slog.String("sessionId", sink.SessionID()),
		)
	}
	manager := pipeline.NewManager(l.With("component", "pipeline"), managerOpts...)

	assembler := pipeline.NewAssembler(registry, l.With("component", "assembler"))
	cfgs := make([]*pipeline.Config, len(configs))
	for i := range configs {
		cfgs[i] = &configs[i]
	}
	result := assembler.Assemble(ctx, cfgs)
	if len(result.Pipelines) == 0 {
		return fmt.Errorf("%w: %d configured, every assembly failed: %s",
			errNoPipelines, result.Stats.TotalPipelines, errors.Join(result.Errors...))
	}
	for _, p := range result.Pipelines {
		if err := manager.AddPipeline(p); err != nil {
			return fmt.Errorf("failed to add pipeline: %w", err)
		}
	}
	l.Info("pipelines assembled",
		slog.Int("assembled", result.Stats.AssembledPipelines),
		slog.Int("failed", result.Stats.FailedPipelines),
		slog.Duration("took", time.Duration(result.Stats.AssemblyTime)),
	)

	creds.BindPipelines(manager)
	creds.Start(ctx)
	selfCheck := credentials.NewSelfCheck(creds, l.With("component", "selfcheck"))
	selfCheck.Start(ctx)

	selector, err := router.NewSelector(table, l.With("component", "router"))
	if err != nil {
		return err
	}
	srv := server.New(l.With("component", "http"), manager, selector, table,
		metrics.NewMessagesFactory(mtr.Meter()), tr.MessagesTracer())

	// The prometheus registry only exists in prometheus export mode. The
	// conditional keeps the Gatherer interface nil rather than holding a
	// typed nil pointer.
	var gatherer prometheus.Gatherer
	if reg := mtr.Registry(); reg != nil {
		gatherer = reg
	}
	adminServer := startAdminServer(adminLis, l.With("component", "admin"), gatherer, manager)

	apiServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Stop accepting and drain in-flight requests before tearing down the
		// pipelines underneath them.
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			l.Error("Failed to shutdown api server gracefully", "error", err)
		}
		manager.Stop()
		selfCheck.Stop()
		creds.Stop()
		if sink != nil {
			sink.Close()
		}
		if err := tr.Shutdown(shutdownCtx); err != nil {
			l.Error("Failed to shutdown tracing gracefully", "error", err)
		}
		if err := mtr.Shutdown(shutdownCtx); err != nil {
			l.Error("Failed to shutdown metrics gracefully", "error", err)
		}
		// The admin server goes last so health stays observable during the
		// drain.
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			l.Error("Failed to shutdown admin server gracefully", "error", err)
		}
	}()

	// Emit startup message to stderr when all listeners are ready.
	l.Info("pipegate is ready",
		slog.String("address", apiLis.Addr().String()),
		slog.String("adminAddress", adminLis.Addr().String()),
	)
	err = apiServer.Serve(apiLis)
	if ctx.Err() != nil {
		// Serve returns as soon as Shutdown begins. Wait for the teardown
		// goroutine so the process does not exit mid-drain.
		<-shutdownDone
	}
	return err
}

func listen(ctx context.Context, name, address string) (net.Listener, error) {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w for %s on %s: %w", errListen, name, address, err)
	}
	return lis, nil
}

// newUpstreamClient builds the HTTP client shared by the server stage and the
// credential refresher. Timeouts live on the transport, not the client: a
// client-wide deadline would cut off long streaming responses, and
// per-request deadlines come from the pipeline manager.
func newUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
