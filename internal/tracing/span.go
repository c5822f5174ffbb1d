// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/pipeline"
)

const eventFirstToken = "first token"

// MessagesSpan records the rest of a messages request onto the span opened by
// MessagesTracer.StartSpan. Stage-level events come from the pipeline manager
// through the span carried on the request context; this interface covers what
// only the HTTP collaborator knows. Callers finish every span with exactly one
// of EndSpan or EndSpanOnError.
type MessagesSpan interface {
	// RecordRouting attaches the route and pipeline chosen for the request.
	RecordRouting(routeID, pipelineID string)
	// RecordFirstToken marks the arrival of the first streamed event.
	RecordFirstToken()
	// RecordResponse attaches response attributes and marks the span ok.
	RecordResponse(resp *anthropic.MessagesResponse)
	// EndSpan finishes the span.
	EndSpan()
	// EndSpanOnError records err and finishes the span with an error status.
	EndSpanOnError(err error)
}

// Ensure messagesSpan implements MessagesSpan.
var _ MessagesSpan = (*messagesSpan)(nil)

type messagesSpan struct {
	span trace.Span
}

// RecordRouting implements MessagesSpan.RecordRouting.
func (s *messagesSpan) RecordRouting(routeID, pipelineID string) {
	s.span.SetAttributes(
		attribute.String(attrRouteID, routeID),
		attribute.String(attrPipelineID, pipelineID),
	)
}

// RecordFirstToken implements MessagesSpan.RecordFirstToken.
func (s *messagesSpan) RecordFirstToken() {
	s.span.AddEvent(eventFirstToken)
}

// RecordResponse implements MessagesSpan.RecordResponse.
func (s *messagesSpan) RecordResponse(resp *anthropic.MessagesResponse) {
	if resp == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrResponseModel, resp.Model),
		attribute.String(attrResponseID, resp.ID),
		attribute.Int64(attrUsageInputTok, resp.Usage.InputTokens),
		attribute.Int64(attrUsageOutputTok, resp.Usage.OutputTokens),
	}
	if resp.StopReason != nil {
		attrs = append(attrs, attribute.StringSlice(attrFinishReasons, []string{string(*resp.StopReason)}))
	}
	s.span.SetAttributes(attrs...)
	s.span.SetStatus(codes.Ok, "")
}

// EndSpan implements MessagesSpan.EndSpan.
func (s *messagesSpan) EndSpan() {
	s.span.End()
}

// EndSpanOnError implements MessagesSpan.EndSpanOnError.
func (s *messagesSpan) EndSpanOnError(err error) {
	s.span.RecordError(err)
	s.span.SetAttributes(attribute.String(attrErrorType, string(pipeline.KindOf(err))))
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
}
