// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tracing builds the OpenTelemetry tracing graph. Each messages
// request gets one span carrying gen_ai attributes, an event per stage
// execution, and an error status on failure.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracing is the top of the tracing graph.
type Tracing interface {
	// MessagesTracer creates spans for messages requests.
	MessagesTracer() MessagesTracer
	// Shutdown shuts down the tracer, flushing any buffered spans.
	Shutdown(context.Context) error
}

var _ Tracing = (*tracingImpl)(nil)

type tracingImpl struct {
	messagesTracer MessagesTracer
	// shutdown is nil when the provider is not ours to stop.
	shutdown func(context.Context) error
}

// MessagesTracer implements the same method as documented on Tracing.
func (t *tracingImpl) MessagesTracer() MessagesTracer {
	return t.messagesTracer
}

// Shutdown implements the same method as documented on Tracing.
func (t *tracingImpl) Shutdown(ctx context.Context) error {
	if t.shutdown != nil {
		return t.shutdown(ctx)
	}
	return nil
}

// NoopTracing is the tracing graph used when the SDK is disabled.
type NoopTracing struct{}

// MessagesTracer implements Tracing.MessagesTracer.
func (NoopTracing) MessagesTracer() MessagesTracer { return NoopMessagesTracer{} }

// Shutdown implements Tracing.Shutdown.
func (NoopTracing) Shutdown(context.Context) error { return nil }

// NewTracingFromEnv configures OpenTelemetry tracing from the standard OTEL_*
// environment variables. Disabled unless an exporter or OTLP endpoint is
// configured. The stdout parameter receives console exporter output; pass
// os.Stdout outside tests.
func NewTracingFromEnv(ctx context.Context, stdout io.Writer) (Tracing, error) {
	exporter := os.Getenv("OTEL_TRACES_EXPORTER")
	if os.Getenv("OTEL_SDK_DISABLED") == "true" || exporter == "none" ||
		(exporter == "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" &&
			os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "") {
		return NoopTracing{}, nil
	}

	// Merge order: default, then our fallback name, then env. Environment
	// variables keep the last word on service.name.
	defaultRes := resource.Default()
	envRes, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource from env: %w", err)
	}
	fallbackRes := resource.NewSchemaless(
		semconv.ServiceName("pipegate"),
	)
	res, err := resource.Merge(defaultRes, fallbackRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge default resources: %w", err)
	}
	res, err = resource.Merge(res, envRes)
	if err != nil {
		return nil, fmt.Errorf("failed to merge env resource: %w", err)
	}

	// Console is special-cased as a synchronous exporter so tests and local
	// runs see spans immediately; everything else goes through autoexport
	// with the env-configured batcher.
	var tp *sdktrace.TracerProvider
	if exporter == "console" {
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithWriter(stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(stdoutExporter),
			sdktrace.WithResource(res),
		)
	} else {
		autoExporter, err := autoexport.NewSpanExporter(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(autoExporter),
			sdktrace.WithResource(res),
		)
	}

	// Propagation comes from the OTEL_PROPAGATORS variable, W3C by default.
	propagator := autoprop.NewTextMapPropagator()

	return &tracingImpl{
		messagesTracer: newMessagesTracer(tp.Tracer("pipegate/pipegate"), propagator),
		shutdown:       tp.Shutdown,
	}, nil
}

// NewTracing wraps an existing tracer and propagator, for callers that
// already own the provider. Shutdown is theirs too.
func NewTracing(tracer trace.Tracer, propagator propagation.TextMapPropagator) Tracing {
	if _, ok := tracer.(noop.Tracer); ok {
		return NoopTracing{}
	}
	return &tracingImpl{
		messagesTracer: newMessagesTracer(tracer, propagator),
		shutdown:       nil,
	}
}
