// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
)

// Attribute names follow the Semantic Conventions for Generative AI Spans.
// See: https://opentelemetry.io/docs/specs/semconv/gen-ai/gen-ai-spans/
const (
	attrOperationName  = "gen_ai.operation.name"
	attrRequestModel   = "gen_ai.request.model"
	attrRequestMaxTok  = "gen_ai.request.max_tokens"
	attrResponseModel  = "gen_ai.response.model"
	attrResponseID     = "gen_ai.response.id"
	attrFinishReasons  = "gen_ai.response.finish_reasons"
	attrUsageInputTok  = "gen_ai.usage.input_tokens"
	attrUsageOutputTok = "gen_ai.usage.output_tokens"
	attrErrorType      = "error.type"
	attrRouteID        = "pipegate.route"
	attrPipelineID     = "pipegate.pipeline"
	operationMessages  = "messages"
	spanNameMessages   = "messages"
)

// MessagesTracer starts one span per messages request.
type MessagesTracer interface {
	// StartSpan joins any trace context carried on the inbound headers and
	// starts the request span. The returned context carries the span for
	// downstream propagation; the span is nil when not sampled.
	StartSpan(ctx context.Context, headers http.Header, req *anthropic.MessagesRequest) (context.Context, MessagesSpan)
}

// NoopMessagesTracer is a MessagesTracer that does nothing.
type NoopMessagesTracer struct{}

// StartSpan implements MessagesTracer.StartSpan.
func (NoopMessagesTracer) StartSpan(ctx context.Context, _ http.Header, _ *anthropic.MessagesRequest) (context.Context, MessagesSpan) {
	return ctx, nil
}

var _ MessagesTracer = (*messagesTracer)(nil)

func newMessagesTracer(tracer trace.Tracer, propagator propagation.TextMapPropagator) MessagesTracer {
	if _, ok := tracer.(noop.Tracer); ok {
		return NoopMessagesTracer{}
	}
	return &messagesTracer{tracer: tracer, propagator: propagator}
}

type messagesTracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// StartSpan implements MessagesTracer.StartSpan.
func (t *messagesTracer) StartSpan(ctx context.Context, headers http.Header, req *anthropic.MessagesRequest) (context.Context, MessagesSpan) {
	parentCtx := t.propagator.Extract(ctx, propagation.HeaderCarrier(headers))

	spanName := spanNameMessages
	if req.Model != "" {
		spanName = operationMessages + " " + req.Model
	}
	newCtx, span := t.tracer.Start(parentCtx, spanName,
		trace.WithSpanKind(trace.SpanKindInternal))

	// Request attributes are recorded only for sampled spans; unsampled
	// requests skip the work entirely.
	if !span.IsRecording() {
		return newCtx, nil
	}
	attrs := []attribute.KeyValue{
		attribute.String(attrOperationName, operationMessages),
		attribute.String(attrRequestModel, req.Model),
	}
	if req.MaxTokens > 0 {
		attrs = append(attrs, attribute.Int64(attrRequestMaxTok, req.MaxTokens))
	}
	span.SetAttributes(attrs...)
	return newCtx, &messagesSpan{span: span}
}
