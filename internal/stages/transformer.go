// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stages

import (
	"context"
	"log/slog"

	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/translator"
)

const transformerSource = "transformer"

// transformerStage lowers the Anthropic request into an OpenAI request on the
// forward path and raises the upstream response back on the return path.
// Streaming responses get a per-request event translator instead of a
// buffered conversion; the HTTP front end drives it event by event.
type transformerStage struct {
	logger *slog.Logger
	opts   translator.Options
}

func newTransformerStage(cfg *pipeline.LayerConfig, logger *slog.Logger) (pipeline.Stage, error) {
	tc := cfg.Transformer
	if tc == nil {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, transformerSource, "layer config has no transformer section")
	}
	if tc.Direction != VariantAnthropicToOpenAI {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, transformerSource, "unsupported direction %q", tc.Direction)
	}
	return &transformerStage{
		logger: logger,
		opts: translator.Options{
			ModelOverride:     tc.ModelOverride,
			DefaultMaxTokens:  tc.DefaultMaxTokens,
			PreserveToolCalls: tc.PreserveToolCalls,
			MapSystemMessage:  tc.MapSystemMessage,
		},
	}, nil
}

func (s *transformerStage) Forward(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	if p.Anthropic == nil {
		return nil, pipeline.NewError(pipeline.KindTransformError, transformerSource, "payload has no request to lower")
	}
	req, warnings, err := translator.AnthropicToOpenAI(p.Anthropic, s.opts)
	s.warn(p.RequestID, warnings)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindTransformError, transformerSource, "request lowering failed").WithCause(err)
	}
	p.OpenAI = req
	p.Stream = req.Stream
	return p, nil
}

func (s *transformerStage) Back(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	if p.Stream && p.Events != nil {
		p.EventTranslator = translator.NewStreamTranslator(s.requestModel(p))
		return p, nil
	}
	if p.Response == nil {
		return nil, pipeline.NewError(pipeline.KindValidationError, transformerSource, "payload has no upstream response to raise")
	}
	res, warnings, err := translator.OpenAIToAnthropic(p.Response, s.requestModel(p))
	s.warn(p.RequestID, warnings)
	if err != nil {
		return nil, pipeline.NewError(pipeline.KindValidationError, transformerSource, "response raising failed").WithCause(err)
	}
	p.Result = res
	return p, nil
}

// requestModel is the model name sent upstream. Responses that omit their own
// model echo it back.
func (s *transformerStage) requestModel(p *pipeline.Payload) string {
	if p.OpenAI != nil {
		return p.OpenAI.Model
	}
	return ""
}

// warn surfaces lossy translation steps. Warnings never fail a request.
func (s *transformerStage) warn(requestID string, warnings []string) {
	for _, w := range warnings {
		s.logger.Warn("lossy translation",
			slog.String("requestId", requestID), slog.String("detail", w))
	}
}

func (s *transformerStage) Health() bool { return true }

func (s *transformerStage) Stop() {}
