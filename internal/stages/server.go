// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stages

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/pipegate/pipegate/internal/apischema/openai"
	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/pipeline"
)

const serverSource = "server"

// Retry delays grow exponentially with full jitter: each sleep is uniform in
// [0, min(cap, base*2^(attempt-1))). Only 5xx and transport-level failures
// are retried; 4xx responses are terminal.
const (
	backoffBase = 200 * time.Millisecond
	backoffCap  = 5 * time.Second
)

const (
	defaultAttemptTimeout = 60 * time.Second
	defaultMaxRetries     = 3
)

// errorBodyLimit bounds how much of an upstream error body is kept for
// diagnostics.
const errorBodyLimit = 32 << 10

// serverStage dispatches the assembled request upstream. It is the only
// stage that performs I/O and the only one that ever sees credential
// material.
type serverStage struct {
	logger  *slog.Logger
	client  Transport
	creds   CredentialReader
	ref     string
	timeout time.Duration
	retries int
}

func newServerStage(cfg *pipeline.LayerConfig, deps Deps) (pipeline.Stage, error) {
	sc := cfg.Server
	if sc == nil {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, serverSource, "layer config has no server section")
	}
	if deps.Transport == nil {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, serverSource, "transport is required")
	}
	if deps.Credentials == nil {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, serverSource, "credential reader is required")
	}
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	retries := sc.MaxRetries
	if retries < 0 {
		retries = defaultMaxRetries
	}
	return &serverStage{
		logger:  deps.Logger,
		client:  deps.Transport,
		creds:   deps.Credentials,
		ref:     sc.CredentialRef,
		timeout: timeout,
		retries: retries,
	}, nil
}

func (s *serverStage) Forward(ctx context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	if p.Endpoint == "" {
		return nil, pipeline.NewError(pipeline.KindProtocolError, serverSource, "payload has no endpoint")
	}
	body, err := json.Marshal(p.OpenAI)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindInternalError, serverSource, "request marshal failed").WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
			s.logger.Debug("retrying upstream dispatch",
				slog.String("requestId", p.RequestID),
				slog.String("endpoint", p.Endpoint),
				slog.Int("attempt", attempt))
		}
		lastErr = s.attempt(ctx, p, body)
		if lastErr == nil {
			return p, nil
		}
		if !retriable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// Back parses buffered responses. Streaming bodies pass through; the upper
// stages translate them event by event.
func (s *serverStage) Back(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	if p.Stream && p.Events != nil {
		return p, nil
	}
	var out openai.ChatCompletion
	if err := json.Unmarshal(p.Body, &out); err != nil {
		return nil, pipeline.NewError(pipeline.KindValidationError, serverSource, "upstream response is not a chat completion").WithCause(err)
	}
	p.Response = &out
	return p, nil
}

// attempt performs one dispatch. On streaming success the response body is
// handed to the payload with the attempt's cancel tied to its Close; on every
// other path the attempt context is released before returning.
func (s *serverStage) attempt(ctx context.Context, p *pipeline.Payload, body []byte) error {
	attemptCtx, cancel := s.attemptContext(ctx, p.Stream)
	streamed := false
	defer func() {
		if !streamed {
			cancel()
		}
	}()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.NewError(pipeline.KindProtocolError, serverSource, "building upstream request failed").WithCause(err)
	}
	if p.Header != nil {
		req.Header = p.Header.Clone()
	}
	if err := s.applyAuth(req.Header, p.Auth); err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// The caller going away must surface as cancellation, not as a
		// retriable transport failure.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return pipeline.NewError(pipeline.KindTransportError, serverSource, "upstream request failed").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return s.upstreamError(resp)
	}

	p.StatusCode = resp.StatusCode
	if p.Stream {
		p.Events = pipeline.ReadCloserWithCancel(resp.Body, cancel)
		streamed = true
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.NewError(pipeline.KindTransportError, serverSource, "reading upstream response failed").WithCause(err)
	}
	p.Body = data
	return nil
}

// attemptContext scopes one attempt. Buffered attempts run under the
// per-attempt timeout together with the request deadline; streaming attempts
// get no timeout because the body outlives the attempt, leaving the caller's
// context and the transport's header timeout as the bounds.
func (s *serverStage) attemptContext(ctx context.Context, stream bool) (context.Context, context.CancelFunc) {
	if stream {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// applyAuth resolves the credential material and attaches it per the
// payload's auth spec. Resolution happens here, once per attempt, so a
// refresh landing between retries is picked up.
func (s *serverStage) applyAuth(h http.Header, auth *pipeline.AuthSpec) error {
	if auth == nil || auth.HeaderName == "" || s.ref == "" {
		return nil
	}
	material, err := s.creds.Material(s.ref)
	if err != nil {
		return pipeline.NewError(pipeline.KindAuthError, serverSource, "credential %q is unavailable", s.ref).
			WithContext("credentialRef", s.ref).
			WithCause(err)
	}
	if auth.OmitSentinel != "" && material == auth.OmitSentinel {
		h.Del(auth.HeaderName)
		return nil
	}
	value := material
	if auth.Scheme != "" {
		value = auth.Scheme + " " + material
	}
	h.Set(auth.HeaderName, value)
	return nil
}

// upstreamError converts a non-2xx response into the typed error the manager
// and the HTTP front end act on. 401 and 403 additionally notify the
// credential manager out of band.
func (s *serverStage) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	status := resp.StatusCode
	kind := pipeline.KindTransportError
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = pipeline.KindAuthError
		s.creds.ReportAuthFailure(s.ref)
	}
	err := pipeline.NewError(kind, serverSource, "upstream returned status %d", status).
		WithContext("status", status).
		WithContext("body", string(body)).
		WithContext("contentType", resp.Header.Get("Content-Type"))
	if kind == pipeline.KindAuthError {
		err = err.WithContext("credentialRef", s.ref)
	}
	return err
}

// backoff sleeps the full-jitter delay for attempt, honoring cancellation.
func (s *serverStage) backoff(ctx context.Context, attempt int) error {
	ceiling := backoffBase << (attempt - 1)
	if ceiling > backoffCap {
		ceiling = backoffCap
	}
	timer := time.NewTimer(rand.N(ceiling))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retriable reports whether err is worth another attempt: transport-level
// failures and 5xx statuses are, everything else is terminal.
func retriable(err error) bool {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		return false
	}
	if pe.Kind != pipeline.KindTransportError {
		return false
	}
	if status, ok := pe.Context["status"].(int); ok {
		return status >= 500
	}
	return true
}

func (s *serverStage) Health() bool { return true }

func (s *serverStage) Stop() {}
