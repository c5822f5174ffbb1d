// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"io"
	"net/http"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/apischema/openai"
	"github.com/pipegate/pipegate/internal/json"
)

// Payload is the single data vehicle a request occupies while moving through
// a pipeline. Stages own it exclusively for the duration of one call and
// communicate only through it; no other state is shared between stages.
//
// The forward path fills fields top to bottom, the back path bottom to top.
type Payload struct {
	// RequestID identifies the request across records, logs and spans.
	RequestID string

	// Anthropic is the parsed ingress request. Never nil on the forward path.
	Anthropic *anthropic.MessagesRequest

	// OpenAI is the translated upstream request, set by the transformer.
	OpenAI *openai.ChatCompletionRequest

	// Endpoint is the absolute upstream URL, set by the protocol stage.
	Endpoint string

	// Header is the outgoing header set, created by the protocol stage and
	// adjusted by the compat stage.
	Header http.Header

	// Auth is the credential attachment shape. The protocol stage sets the
	// default and the compat stage may reshape it; only the server stage reads
	// the credential material itself.
	Auth *AuthSpec

	// Stream indicates a streaming exchange, echoed from the request. Callers
	// set it before Execute so the manager scopes cancellation to the
	// stream's lifetime rather than the request deadline.
	Stream bool

	// StatusCode is the upstream HTTP status, set by the server stage.
	StatusCode int

	// Body is the upstream response body for non-streaming exchanges.
	Body []byte

	// Events is the upstream SSE body for streaming exchanges. Ownership
	// passes to the HTTP collaborator, which must close it.
	Events io.ReadCloser

	// Response is the parsed upstream response, set on the back path.
	Response *openai.ChatCompletion

	// Result is the final Anthropic response for non-streaming exchanges.
	Result *anthropic.MessagesResponse

	// EventTranslator converts upstream SSE events for streaming exchanges,
	// attached by the transformer's back path.
	EventTranslator EventTranslator
}

// AuthSpec describes how the server stage attaches credential material to the
// outgoing request. It carries the shape only, never the material itself.
type AuthSpec struct {
	// HeaderName is the header the material goes into, e.g. "Authorization"
	// or "api-key".
	HeaderName string
	// Scheme prefixes the material, e.g. "Bearer". Empty means the bare value.
	Scheme string
	// OmitSentinel, when non-empty and equal to the resolved material, drops
	// the header entirely. Local servers reject requests carrying stale keys.
	OmitSentinel string
}

// EventTranslator converts upstream SSE data payloads into client-facing
// Anthropic event bytes. Implementations keep per-stream state and are not
// safe for concurrent use; each streaming request gets its own instance.
type EventTranslator interface {
	// Translate consumes one upstream SSE data payload (the bytes after
	// "data: ") and returns zero or more complete SSE events to forward.
	Translate(data []byte) ([]byte, error)
	// Flush returns the trailing events after the upstream signals completion.
	Flush() ([]byte, error)
}

// ReadCloserWithCancel wraps rc so Close also releases cancel. It carries a
// context's lifetime across an API boundary when a stream outlives the
// function that created the context.
func ReadCloserWithCancel(rc io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	return &cancelReadCloser{ReadCloser: rc, cancel: cancel}
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// payloadSnapshot is the serialized view of a Payload captured at stage
// boundaries for execution records. Only fields set at capture time appear.
type payloadSnapshot struct {
	Anthropic *anthropic.MessagesRequest    `json:"anthropic,omitempty"`
	OpenAI    *openai.ChatCompletionRequest `json:"openai,omitempty"`
	Endpoint  string                        `json:"endpoint,omitempty"`
	Header    http.Header                   `json:"header,omitempty"`
	Stream    bool                          `json:"stream,omitempty"`
	Status    int                           `json:"status,omitempty"`
	Body      json.RawMessage               `json:"body,omitempty"`
	Response  *openai.ChatCompletion        `json:"response,omitempty"`
	Result    *anthropic.MessagesResponse   `json:"result,omitempty"`
	Truncated bool                          `json:"truncated,omitempty"`
	Note      string                        `json:"note,omitempty"`
}

// snapshotBodyLimit bounds response bodies captured into records so debug
// artifacts stay readable.
const snapshotBodyLimit = 32 << 10

// Snapshot serializes the payload's current state for an execution record.
// Redaction happens at artifact-write time, not here.
func (p *Payload) Snapshot() json.RawMessage {
	if p == nil {
		return nil
	}
	s := payloadSnapshot{
		Anthropic: p.Anthropic,
		OpenAI:    p.OpenAI,
		Endpoint:  p.Endpoint,
		Header:    p.Header,
		Stream:    p.Stream,
		Status:    p.StatusCode,
		Response:  p.Response,
		Result:    p.Result,
	}
	switch {
	case len(p.Body) > snapshotBodyLimit:
		s.Truncated = true
	case len(p.Body) > 0 && json.Valid(p.Body):
		s.Body = p.Body
	case len(p.Body) > 0:
		s.Note = "non-JSON body omitted"
	case p.Events != nil:
		s.Note = "streaming body"
	}
	out, err := json.Marshal(s)
	if err != nil {
		// Snapshots are best-effort; a marshal failure must never fail the
		// request itself.
		return json.RawMessage(`{"note":"snapshot failed"}`)
	}
	return out
}
