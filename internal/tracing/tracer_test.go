// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
)

func TestMessagesTracer_StartSpan(t *testing.T) {
	req := &anthropic.MessagesRequest{Model: "claude-sonnet-4-20250514", MaxTokens: 1024}

	tests := []struct {
		name            string
		headers         http.Header
		expectedTraceID string
	}{
		{
			name:    "no inbound trace context",
			headers: http.Header{},
		},
		{
			name: "joins inbound traceparent",
			headers: http.Header{
				"Traceparent": []string{"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
			},
			expectedTraceID: "4bf92f3577b34da6a3ce929d0e0e4736",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exporter := tracetest.NewInMemoryExporter()
			tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
			tracer := NewTracing(tp.Tracer("test"), autoprop.NewTextMapPropagator()).MessagesTracer()

			ctx, span := tracer.StartSpan(t.Context(), tt.headers, req)
			require.IsType(t, &messagesSpan{}, span)
			// The returned context carries the span for downstream propagation.
			require.True(t, oteltrace.SpanContextFromContext(ctx).IsValid())

			span.EndSpan()

			spans := exporter.GetSpans()
			require.Len(t, spans, 1)
			actual := spans[0]

			require.Equal(t, "messages claude-sonnet-4-20250514", actual.Name)
			require.Equal(t, oteltrace.SpanKindInternal, actual.SpanKind)
			require.Equal(t, []attribute.KeyValue{
				attribute.String("gen_ai.operation.name", "messages"),
				attribute.String("gen_ai.request.model", "claude-sonnet-4-20250514"),
				attribute.Int64("gen_ai.request.max_tokens", 1024),
			}, actual.Attributes)

			if tt.expectedTraceID != "" {
				require.Equal(t, tt.expectedTraceID, actual.SpanContext.TraceID().String())
			}
		})
	}
}

func TestMessagesTracer_SpanNameWithoutModel(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := NewTracing(tp.Tracer("test"), autoprop.NewTextMapPropagator()).MessagesTracer()

	_, span := tracer.StartSpan(t.Context(), http.Header{}, &anthropic.MessagesRequest{})
	require.NotNil(t, span)
	span.EndSpan()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "messages", spans[0].Name)
	// Zero max_tokens is not recorded.
	require.Equal(t, []attribute.KeyValue{
		attribute.String("gen_ai.operation.name", "messages"),
		attribute.String("gen_ai.request.model", ""),
	}, spans[0].Attributes)
}

func TestMessagesTracer_UnsampledSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tracer := NewTracing(tp.Tracer("test"), autoprop.NewTextMapPropagator()).MessagesTracer()

	ctx, span := tracer.StartSpan(t.Context(), http.Header{}, &anthropic.MessagesRequest{Model: "m"})
	require.Nil(t, span)
	// The context still carries the span context so sampling decisions
	// propagate downstream.
	require.True(t, oteltrace.SpanContextFromContext(ctx).IsValid())
}

func TestNewTracing_Noop(t *testing.T) {
	tr := NewTracing(noop.Tracer{}, autoprop.NewTextMapPropagator())
	require.IsType(t, NoopTracing{}, tr)

	tracer := tr.MessagesTracer()
	require.IsType(t, NoopMessagesTracer{}, tracer)

	ctx, span := tracer.StartSpan(t.Context(), http.Header{}, &anthropic.MessagesRequest{Model: "m"})
	require.Nil(t, span)
	require.Equal(t, t.Context(), ctx)
	require.NoError(t, tr.Shutdown(t.Context()))
}
