// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mainlib

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/pipeline"
)

// healthChecker is the slice of the pipeline manager the admin server reads.
type healthChecker interface {
	HealthCheck() pipeline.HealthReport
}

// startAdminServer starts an HTTP admin server on the provided listener for
// serving Prometheus metrics and health checks. It exposes two endpoints:
//   - /metrics: Serves Prometheus metrics using the provided registry.
//   - /health: Reports per-pipeline health, 503 while nothing is dispatchable.
//
// The server returned is running in a goroutine.
func startAdminServer(lis net.Listener, logger *slog.Logger, registry prometheus.Gatherer, health healthChecker) *http.Server {
	mux := http.NewServeMux()

	// The registry is nil when metrics export goes over OTLP instead of
	// Prometheus; the endpoint would have nothing to serve.
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{},
		))
	} else {
		logger.Info("metrics endpoint disabled: not exporting to prometheus")
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		report := health.HealthCheck()
		body, err := json.Marshal(report)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to marshal health report: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("starting admin server", "address", lis.Addr())
		if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin server failed", "error", err)
		}
	}()

	return server
}
