// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stages

import (
	"context"
	"net/http"
	"strings"

	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/translator"
)

const (
	protocolSource   = "protocol"
	defaultChatPath  = "/chat/completions"
	defaultUserAgent = "pipegate"
)

// protocolStage wraps the lowered request with its transport envelope: the
// absolute endpoint, the fixed headers and the default credential attachment
// shape. It carries no provider knowledge; deviations belong to the
// compatibility stage.
type protocolStage struct {
	endpoint  string
	userAgent string
}

func newProtocolStage(cfg *pipeline.LayerConfig) (pipeline.Stage, error) {
	pc := cfg.Protocol
	if pc == nil {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, protocolSource, "layer config has no protocol section")
	}
	if pc.BaseURL == "" {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, protocolSource, "baseUrl must not be empty")
	}
	path := pc.Path
	if path == "" {
		path = defaultChatPath
	}
	ua := pc.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	return &protocolStage{
		endpoint:  strings.TrimSuffix(pc.BaseURL, "/") + path,
		userAgent: ua,
	}, nil
}

func (s *protocolStage) Forward(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	if err := translator.ValidateOpenAIRequest(p.OpenAI); err != nil {
		return nil, pipeline.NewError(pipeline.KindValidationError, protocolSource, "request failed the envelope contract").WithCause(err)
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if p.Stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	h.Set("User-Agent", s.userAgent)
	p.Endpoint = s.endpoint
	p.Header = h
	// Material itself is resolved by the server stage, per attempt.
	p.Auth = &pipeline.AuthSpec{HeaderName: "Authorization", Scheme: "Bearer"}
	return p, nil
}

// Back validates buffered upstream responses before the transformer raises
// them. Streaming payloads pass through; their events are validated one by
// one as the event translator consumes them.
func (s *protocolStage) Back(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	if p.Stream && p.Events != nil {
		return p, nil
	}
	if err := translator.ValidateOpenAIResponse(p.Response); err != nil {
		return nil, pipeline.NewError(pipeline.KindValidationError, protocolSource, "upstream response failed the envelope contract").WithCause(err)
	}
	return p, nil
}

func (s *protocolStage) Health() bool { return true }

func (s *protocolStage) Stop() {}
