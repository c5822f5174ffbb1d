// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stages

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/pipegate/pipegate/internal/pipeline"
)

func serverPayload(stream bool) *pipeline.Payload {
	return &pipeline.Payload{
		RequestID: "req-1",
		OpenAI:    openAIRequest(stream),
		Endpoint:  "https://api.example.com/v1/chat/completions",
		Header:    http.Header{"Content-Type": []string{"application/json"}},
		Auth:      &pipeline.AuthSpec{HeaderName: "Authorization", Scheme: "Bearer"},
		Stream:    stream,
	}
}

const chatCompletionBody = `{"id":"chatcmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func TestServerStage_Build(t *testing.T) {
	deps := testDeps(&fakeTransport{}, &fakeCreds{})

	_, err := newServerStage(&pipeline.LayerConfig{Tag: pipeline.StageServer}, deps)
	require.Error(t, err)
	require.True(t, pipeline.IsKind(err, pipeline.KindAssemblyError))

	_, err = newServerStage(serverLayer("acme", 0), Deps{Logger: deps.Logger, Credentials: deps.Credentials})
	require.ErrorContains(t, err, "transport")

	_, err = newServerStage(serverLayer("acme", 0), Deps{Logger: deps.Logger, Transport: deps.Transport})
	require.ErrorContains(t, err, "credential")
}

func TestServerStage_Forward(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, chatCompletionBody), nil
	}}
	creds := &fakeCreds{material: "sk-test"}
	s, err := newServerStage(serverLayer("acme", 0), testDeps(transport, creds))
	require.NoError(t, err)

	p := serverPayload(false)
	out, err := s.Forward(t.Context(), p)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, out.StatusCode)
	require.JSONEq(t, chatCompletionBody, string(out.Body))
	require.Equal(t, 1, transport.calls())

	sent := transport.reqs[0]
	require.Equal(t, http.MethodPost, sent.Method)
	require.Equal(t, "https://api.example.com/v1/chat/completions", sent.URL.String())
	require.Equal(t, "Bearer sk-test", sent.Header.Get("Authorization"))
	require.Contains(t, transport.bodys[0], `"model":"gpt-4o"`)
	require.Empty(t, p.Header.Get("Authorization"), "material must not leak into the shared payload headers")
}

func TestServerStage_RetriesServerErrors(t *testing.T) {
	transport := &fakeTransport{fn: func(call int, _ *http.Request) (*http.Response, error) {
		if call < 2 {
			return httpResponse(http.StatusServiceUnavailable, `{"error":"overloaded"}`), nil
		}
		return httpResponse(http.StatusOK, chatCompletionBody), nil
	}}
	creds := &fakeCreds{material: "sk-test"}
	s, err := newServerStage(serverLayer("acme", 3), testDeps(transport, creds))
	require.NoError(t, err)

	out, err := s.Forward(t.Context(), serverPayload(false))
	require.NoError(t, err)
	require.Equal(t, 3, transport.calls())
	require.Equal(t, http.StatusOK, out.StatusCode)
}

func TestServerStage_RetriesExhausted(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusBadGateway, "upstream down"), nil
	}}
	s, err := newServerStage(serverLayer("acme", 1), testDeps(transport, &fakeCreds{material: "sk-test"}))
	require.NoError(t, err)

	_, err = s.Forward(t.Context(), serverPayload(false))
	require.Error(t, err)
	require.Equal(t, 2, transport.calls())
	require.True(t, pipeline.IsKind(err, pipeline.KindTransportError))

	var pe *pipeline.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, http.StatusBadGateway, pe.Context["status"])
	require.Equal(t, "upstream down", pe.Context["body"])
}

func TestServerStage_ClientErrorsAreTerminal(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusUnprocessableEntity, `{"error":{"message":"bad tool"}}`), nil
	}}
	s, err := newServerStage(serverLayer("acme", 3), testDeps(transport, &fakeCreds{material: "sk-test"}))
	require.NoError(t, err)

	_, err = s.Forward(t.Context(), serverPayload(false))
	require.Error(t, err)
	require.Equal(t, 1, transport.calls(), "4xx must not be retried")
	require.True(t, pipeline.IsKind(err, pipeline.KindTransportError))
}

func TestServerStage_AuthFailure(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusUnauthorized, `{"error":{"message":"invalid api key"}}`), nil
	}}
	creds := &fakeCreds{material: "sk-stale"}
	s, err := newServerStage(serverLayer("acme", 3), testDeps(transport, creds))
	require.NoError(t, err)

	_, err = s.Forward(t.Context(), serverPayload(false))
	require.Error(t, err)
	require.Equal(t, 1, transport.calls(), "auth failures must not be retried")
	require.True(t, pipeline.IsKind(err, pipeline.KindAuthError))
	require.Equal(t, []string{"acme"}, creds.reported())

	var pe *pipeline.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "acme", pe.Context["credentialRef"])
}

func TestServerStage_TransportErrorsRetried(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	}}
	s, err := newServerStage(serverLayer("acme", 2), testDeps(transport, &fakeCreds{material: "sk-test"}))
	require.NoError(t, err)

	_, err = s.Forward(t.Context(), serverPayload(false))
	require.Error(t, err)
	require.Equal(t, 3, transport.calls())
	require.True(t, pipeline.IsKind(err, pipeline.KindTransportError))
}

func TestServerStage_CredentialUnavailable(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, chatCompletionBody), nil
	}}
	creds := &fakeCreds{err: errors.New("credential file missing")}
	s, err := newServerStage(serverLayer("acme", 3), testDeps(transport, creds))
	require.NoError(t, err)

	_, err = s.Forward(t.Context(), serverPayload(false))
	require.Error(t, err)
	require.True(t, pipeline.IsKind(err, pipeline.KindAuthError))
	require.Zero(t, transport.calls(), "unresolvable credentials must fail before dialing")
}

func TestServerStage_OmitSentinel(t *testing.T) {
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		return httpResponse(http.StatusOK, chatCompletionBody), nil
	}}
	creds := &fakeCreds{material: "lm-studio"}
	s, err := newServerStage(serverLayer("local", 0), testDeps(transport, creds))
	require.NoError(t, err)

	p := serverPayload(false)
	p.Header.Set("Authorization", "Bearer stale")
	p.Auth.OmitSentinel = "lm-studio"
	_, err = s.Forward(t.Context(), p)
	require.NoError(t, err)

	_, present := transport.reqs[0].Header["Authorization"]
	require.False(t, present, "sentinel material must drop the header entirely")
}

func TestServerStage_Streaming(t *testing.T) {
	bodyClosed := false
	transport := &fakeTransport{fn: func(_ int, req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body: &closeRecorder{
				Reader: strings.NewReader("data: {\"id\":\"c1\"}\n\ndata: [DONE]\n\n"),
				closed: &bodyClosed,
			},
		}, nil
	}}
	s, err := newServerStage(serverLayer("acme", 0), testDeps(transport, &fakeCreds{material: "sk-test"}))
	require.NoError(t, err)

	out, err := s.Forward(t.Context(), serverPayload(true))
	require.NoError(t, err)
	require.NotNil(t, out.Events)
	require.Empty(t, out.Body)

	data, err := io.ReadAll(out.Events)
	require.NoError(t, err)
	require.Contains(t, string(data), "[DONE]")

	require.NoError(t, out.Events.Close())
	require.True(t, bodyClosed)
	require.ErrorIs(t, transport.reqs[0].Context().Err(), context.Canceled,
		"closing the stream must release the attempt context")
}

func TestServerStage_CancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	transport := &fakeTransport{fn: func(int, *http.Request) (*http.Response, error) {
		cancel()
		return httpResponse(http.StatusInternalServerError, "boom"), nil
	}}
	s, err := newServerStage(serverLayer("acme", 3), testDeps(transport, &fakeCreds{material: "sk-test"}))
	require.NoError(t, err)

	_, err = s.Forward(ctx, serverPayload(false))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, transport.calls(), "cancellation must stop the retry loop")
}

func TestServerStage_Back(t *testing.T) {
	s, err := newServerStage(serverLayer("acme", 0), testDeps(&fakeTransport{}, &fakeCreds{}))
	require.NoError(t, err)

	t.Run("parses buffered body", func(t *testing.T) {
		p := &pipeline.Payload{Body: []byte(chatCompletionBody)}
		out, err := s.Back(t.Context(), p)
		require.NoError(t, err)
		require.NotNil(t, out.Response)
		require.Equal(t, "chatcmpl-1", out.Response.ID)
		require.Equal(t, ptr.To("hi"), out.Response.Choices[0].Message.Content)
	})

	t.Run("rejects non-JSON body", func(t *testing.T) {
		p := &pipeline.Payload{Body: []byte("<html>bad gateway</html>")}
		_, err := s.Back(t.Context(), p)
		require.Error(t, err)
		require.True(t, pipeline.IsKind(err, pipeline.KindValidationError))
	})

	t.Run("streaming passes through", func(t *testing.T) {
		p := &pipeline.Payload{Stream: true, Events: io.NopCloser(strings.NewReader(""))}
		out, err := s.Back(t.Context(), p)
		require.NoError(t, err)
		require.Nil(t, out.Response)
	})
}

// closeRecorder flags when a response body is closed.
type closeRecorder struct {
	io.Reader
	closed *bool
}

func (c *closeRecorder) Close() error {
	*c.closed = true
	return nil
}
