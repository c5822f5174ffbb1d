// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// healthcheckTimeout bounds the whole probe. Docker kills slow healthchecks
// anyway; failing fast keeps the container status current.
const healthcheckTimeout = 5 * time.Second

// healthcheck probes the admin health endpoint of a running gateway. Docker
// HEALTHCHECK and readiness scripts only read the exit status, but the report
// body is echoed so `docker inspect` shows which pipelines answered.
func healthcheck(ctx context.Context, port int, stdout, _ io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()

	url := fmt.Sprintf("http://localhost:%d/health", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to admin server")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d, body: %s", resp.StatusCode, body)
	}
	_, _ = fmt.Fprintf(stdout, "%s", body)
	return nil
}
