// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pipegate/pipegate/internal/pipeline"
)

// Messages records gen_ai metrics for one messages request. Instances carry
// per-request timing state and must not be shared between requests.
type Messages interface {
	// StartRequest initializes timing for a new request.
	StartRequest()
	// SetModel sets the requested model, known once the body is parsed.
	SetModel(model string)
	// SetProvider sets the provider serving the request, known once the
	// route resolves to a pipeline.
	SetProvider(provider string)

	// RecordTokenUsage records the usage block of a completed response.
	RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens uint32)
	// RecordRequestCompletion records total latency. A non-nil err adds its
	// kind as the error.type attribute.
	RecordRequestCompletion(ctx context.Context, err error)
	// RecordTokenLatency records first-token or inter-token latency for each
	// streamed chunk carrying tokens.
	RecordTokenLatency(ctx context.Context, tokens uint32)
}

// MessagesFactory mints a Messages recorder per request. All recorders from
// one factory share the same registered instruments.
type MessagesFactory func() Messages

// NewMessagesFactory registers the gen_ai instruments on meter once and
// returns the per-request constructor.
func NewMessagesFactory(meter metric.Meter) MessagesFactory {
	g := newGenAI(meter)
	return func() Messages {
		return &messages{
			metrics:  g,
			model:    "unknown",
			provider: "unknown",
		}
	}
}

type messages struct {
	metrics        *genAI
	firstTokenSent bool
	requestStart   time.Time
	lastTokenTime  time.Time
	model          string
	provider       string
}

// StartRequest implements [Messages.StartRequest].
func (m *messages) StartRequest() {
	m.requestStart = time.Now()
	m.firstTokenSent = false
}

// SetModel implements [Messages.SetModel].
func (m *messages) SetModel(model string) {
	m.model = model
}

// SetProvider implements [Messages.SetProvider].
func (m *messages) SetProvider(provider string) {
	m.provider = provider
}

func (m *messages) baseAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Key(genaiAttributeOperationName).String(genaiOperationMessages),
		attribute.Key(genaiAttributeSystemName).String(m.provider),
		attribute.Key(genaiAttributeRequestModel).String(m.model),
	}
}

// RecordTokenUsage implements [Messages.RecordTokenUsage].
func (m *messages) RecordTokenUsage(ctx context.Context, inputTokens, outputTokens, totalTokens uint32) {
	attrs := m.baseAttributes()

	m.metrics.tokenUsage.Record(ctx, float64(inputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeInput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(outputTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeOutput)),
	)
	m.metrics.tokenUsage.Record(ctx, float64(totalTokens),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeTokenType).String(genaiTokenTypeTotal)),
	)
}

// RecordRequestCompletion implements [Messages.RecordRequestCompletion].
func (m *messages) RecordRequestCompletion(ctx context.Context, err error) {
	attrs := m.baseAttributes()

	// The semantic conventions reserve error.type for failed operations.
	if err == nil {
		m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
			metric.WithAttributes(attrs...))
		return
	}
	m.metrics.requestLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
		metric.WithAttributes(attrs...),
		metric.WithAttributes(attribute.Key(genaiAttributeErrorType).String(string(pipeline.KindOf(err)))),
	)
}

// RecordTokenLatency implements [Messages.RecordTokenLatency].
func (m *messages) RecordTokenLatency(ctx context.Context, tokens uint32) {
	attrs := m.baseAttributes()

	if !m.firstTokenSent {
		m.firstTokenSent = true
		m.metrics.firstTokenLatency.Record(ctx, time.Since(m.requestStart).Seconds(),
			metric.WithAttributes(attrs...))
	} else if tokens > 0 {
		itl := time.Since(m.lastTokenTime).Seconds() / float64(tokens)
		m.metrics.outputTokenLatency.Record(ctx, itl,
			metric.WithAttributes(attrs...))
	}
	m.lastTokenTime = time.Now()
}
