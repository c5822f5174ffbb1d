// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stages

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipegate/pipegate/internal/pipeline"
)

// fakeTransport records every request and answers via fn.
type fakeTransport struct {
	mu    sync.Mutex
	reqs  []*http.Request
	bodys []string
	fn    func(call int, req *http.Request) (*http.Response, error)
}

func (f *fakeTransport) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	call := len(f.reqs)
	f.reqs = append(f.reqs, req)
	var body string
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err == nil {
			body = string(b)
		}
	}
	f.bodys = append(f.bodys, body)
	f.mu.Unlock()
	return f.fn(call, req)
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// fakeCreds hands out a fixed material and records auth failure reports.
type fakeCreds struct {
	material string
	err      error

	mu       sync.Mutex
	failures []string
}

func (f *fakeCreds) Material(string) (string, error) {
	return f.material, f.err
}

func (f *fakeCreds) ReportAuthFailure(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, ref)
}

func (f *fakeCreds) reported() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failures...)
}

func httpResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testDeps(transport Transport, creds CredentialReader) Deps {
	return Deps{
		Logger:      slog.New(slog.DiscardHandler),
		Transport:   transport,
		Credentials: creds,
	}
}

func serverLayer(ref string, retries int) *pipeline.LayerConfig {
	return &pipeline.LayerConfig{
		Tag:     pipeline.StageServer,
		Variant: VariantHTTP,
		Server: &pipeline.ServerLayerConfig{
			Endpoint:      "https://api.example.com/v1",
			CredentialRef: ref,
			Timeout:       5 * time.Second,
			MaxRetries:    retries,
		},
	}
}

func TestRegisterAll(t *testing.T) {
	r := pipeline.NewRegistry()
	deps := testDeps(&fakeTransport{}, &fakeCreds{})
	require.NoError(t, RegisterAll(r, deps))

	_, ok := r.Lookup(pipeline.StageTransformer, VariantAnthropicToOpenAI)
	require.True(t, ok)
	_, ok = r.Lookup(pipeline.StageProtocol, VariantOpenAI)
	require.True(t, ok)
	for _, profile := range Profiles() {
		_, ok = r.Lookup(pipeline.StageCompat, profile)
		require.True(t, ok, "profile %s not registered", profile)
	}
	_, ok = r.Lookup(pipeline.StageServer, VariantHTTP)
	require.True(t, ok)

	// Double registration must fail, not silently replace.
	require.Error(t, RegisterAll(r, deps))
}
