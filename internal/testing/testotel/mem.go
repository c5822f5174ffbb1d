// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package testotel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// RecordWithSpan executes the provided function with a recording span and
// returns the exported span. The function reports whether it ended the span
// itself. Timestamps are cleared so callers can compare spans directly.
func RecordWithSpan(t testing.TB, fn func(oteltrace.Span) bool) tracetest.SpanStub {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	_, span := tp.Tracer("test").Start(t.Context(), "test",
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal))

	if !fn(span) {
		span.End()
	}

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	actual := spans[0]
	// Clear timestamps for comparison.
	actual.StartTime = time.Time{}
	actual.EndTime = time.Time{}
	for i := range actual.Events {
		actual.Events[i].Time = time.Time{}
	}
	return actual
}
