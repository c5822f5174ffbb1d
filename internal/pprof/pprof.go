// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pprof optionally serves the net/http/pprof handlers for live
// profiling.
package pprof

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"
)

const (
	pprofPort = "6060" // The same default port as in the Go pprof documentation.
	// EnableEnvVarKey is the environment variable that turns the pprof server
	// on. Unset or empty means disabled.
	EnableEnvVarKey = "ENABLE_PPROF"
)

// Run starts the pprof server when the ENABLE_PPROF environment variable is
// set. This is non-blocking and will run the pprof server in a separate
// goroutine until the provided context is cancelled.
func Run(ctx context.Context) {
	if os.Getenv(EnableEnvVarKey) == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	server := &http.Server{Addr: "localhost:" + pprofPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("starting pprof server on port %s", pprofPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("pprof server stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("error shutting down pprof server: %v", err)
		}
	}()
}
