// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultRequestTimeout bounds a request end to end unless the manager is
// configured otherwise.
const defaultRequestTimeout = 60 * time.Second

// Manager owns the pipeline set and dispatches requests to them. It is the
// authoritative runtime entry; the HTTP collaborator never touches stages
// directly.
type Manager struct {
	logger  *slog.Logger
	sink    RecordSink
	timeout time.Duration

	// captureSnapshots controls whether stage inputs/outputs are serialized
	// into execution records. Enabled only with debug artifacts, the capture
	// cost is per stage boundary.
	captureSnapshots bool

	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	byRoute   map[string]string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRecordSink directs completed execution records to sink.
func WithRecordSink(sink RecordSink) ManagerOption {
	return func(m *Manager) { m.sink = sink }
}

// WithRequestTimeout overrides the default 60s end-to-end request deadline.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSnapshotCapture enables input/output snapshots in execution records.
func WithSnapshotCapture(enabled bool) ManagerOption {
	return func(m *Manager) { m.captureSnapshots = enabled }
}

// NewManager returns an empty manager.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:    logger,
		timeout:   defaultRequestTimeout,
		pipelines: map[string]*Pipeline{},
		byRoute:   map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPipeline registers a pipeline under its ID and route.
func (m *Manager) AddPipeline(p *Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := p.ID()
	if _, ok := m.pipelines[id]; ok {
		return NewError(KindAssemblyError, "manager", "pipeline %q already registered", id)
	}
	m.pipelines[id] = p
	if route := p.Config().RouteID; route != "" {
		m.byRoute[route] = id
	}
	return nil
}

// RemovePipeline stops and forgets a pipeline. Unknown IDs are a no-op.
func (m *Manager) RemovePipeline(id string) {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	if ok {
		delete(m.pipelines, id)
		if route := p.Config().RouteID; m.byRoute[route] == id {
			delete(m.byRoute, route)
		}
	}
	m.mu.Unlock()
	if ok {
		p.Stop()
	}
}

// Pipeline returns the pipeline registered under id.
func (m *Manager) Pipeline(id string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	return p, ok
}

// PipelineForRoute resolves the pipeline ID serving a route name.
func (m *Manager) PipelineForRoute(route string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRoute[route]
	return id, ok
}

// Pipelines snapshots the registered pipelines in no particular order.
func (m *Manager) Pipelines() []*Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	return out
}

// PipelinesForCredential lists pipeline IDs bound to a credential ref.
func (m *Manager) PipelinesForCredential(ref string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, p := range m.pipelines {
		if p.Config().CredentialRef == ref {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Quarantine takes a pipeline out of dispatch. In-flight requests finish;
// new requests are rejected before any stage runs.
func (m *Manager) Quarantine(id, reason string) bool {
	p, ok := m.Pipeline(id)
	if !ok {
		return false
	}
	p.setStatus(StatusQuarantined, reason)
	m.logger.Warn("pipeline quarantined", slog.String("pipeline", id), slog.String("reason", reason))
	return true
}

// Resume returns a quarantined pipeline to dispatch.
func (m *Manager) Resume(id string) bool {
	p, ok := m.Pipeline(id)
	if !ok {
		return false
	}
	if s, _ := p.Status(); s != StatusQuarantined {
		return false
	}
	p.setStatus(StatusRuntime, "")
	m.logger.Info("pipeline resumed", slog.String("pipeline", id))
	return true
}

// PipelineHealth is one entry of a health check report.
type PipelineHealth struct {
	PipelineID string `json:"pipelineId"`
	RouteID    string `json:"routeId"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Healthy    bool   `json:"healthy"`
}

// HealthReport aggregates per-pipeline health.
type HealthReport struct {
	Healthy   bool             `json:"healthy"`
	Pipelines []PipelineHealth `json:"pipelines"`
}

// HealthCheck reports per-pipeline health plus the aggregate. The aggregate
// is healthy while at least one pipeline is dispatchable.
func (m *Manager) HealthCheck() HealthReport {
	report := HealthReport{}
	for _, p := range m.Pipelines() {
		status, reason := p.Status()
		h := PipelineHealth{
			PipelineID: p.ID(),
			RouteID:    p.Config().RouteID,
			Status:     status,
			Reason:     reason,
			Healthy:    p.Healthy(),
		}
		report.Pipelines = append(report.Pipelines, h)
		if h.Healthy {
			report.Healthy = true
		}
	}
	slices.SortFunc(report.Pipelines, func(a, b PipelineHealth) int {
		return cmp.Compare(a.PipelineID, b.PipelineID)
	})
	return report
}

// Stop stops every pipeline. Used at shutdown after the listener drained.
func (m *Manager) Stop() {
	for _, p := range m.Pipelines() {
		p.Stop()
	}
}

// Execute drives one request through the pipeline registered under id:
// forward through the four stages in order, then back through them in
// reverse. An execution record is emitted on every terminal path.
//
// Callers must set payload.Stream before Execute for streaming requests.
// Those run without the request deadline, and the returned payload's Events
// must be closed to release the request's resources.
func (m *Manager) Execute(ctx context.Context, id string, payload *Payload) (*Payload, error) {
	m.mu.RLock()
	p, ok := m.pipelines[id]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError(KindPipelineNotFound, "manager", "pipeline %q not found", id)
	}
	// Status gate before any stage runs, so quarantined pipelines reject in
	// constant time.
	if status, reason := p.Status(); status != StatusRuntime {
		err := NewError(KindPipelineUnavailable, "manager",
			"pipeline %q is %s", id, status).
			WithContext("status", string(status))
		if reason != "" {
			err = err.WithContext("reason", reason)
		}
		rec := NewExecutionRecord(payload.RequestID, p.Config())
		rec.Finish(ExecutionFailed, err)
		m.emit(rec)
		return nil, err
	}

	// Buffered exchanges run under the request deadline. Streaming exchanges
	// outlive Execute because the caller drains payload.Events after it
	// returns, so they get a plain cancel whose ownership transfers to the
	// returned stream; closing the stream releases it.
	var cancel context.CancelFunc
	if payload.Stream {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			cancel()
		}
	}()

	rec := NewExecutionRecord(payload.RequestID, p.Config())
	span := trace.SpanFromContext(ctx)

	cur := payload
	for i, stage := range p.stages {
		out, err := m.runStage(ctx, rec, span, p.cfg.Layers[i].Tag, DirectionForward, stage.Forward, cur)
		if err != nil {
			return nil, m.fail(rec, err)
		}
		cur = out
	}
	for i, stage := range slices.Backward(p.stages) {
		out, err := m.runStage(ctx, rec, span, p.cfg.Layers[i].Tag, DirectionBack, stage.Back, cur)
		if err != nil {
			return nil, m.fail(rec, err)
		}
		cur = out
	}

	rec.Finish(ExecutionCompleted, nil)
	m.emit(rec)
	if cur.Events != nil {
		cur.Events = ReadCloserWithCancel(cur.Events, cancel)
		handedOff = true
	}
	return cur, nil
}

// stageFn is either Stage.Forward or Stage.Back.
type stageFn func(ctx context.Context, p *Payload) (*Payload, error)

func (m *Manager) runStage(ctx context.Context, rec *ExecutionRecord, span trace.Span, tag StageTag, dir Direction, fn stageFn, in *Payload) (*Payload, error) {
	// Cancellation is checked at stage boundaries; stages doing I/O also
	// observe ctx themselves.
	if err := ctx.Err(); err != nil {
		return nil, cancellationError(err)
	}
	var inSnap []byte
	if m.captureSnapshots {
		inSnap = in.Snapshot()
	}
	start := time.Now()
	out, err := fn(ctx, in)
	dur := time.Since(start)
	if err != nil {
		err = normalizeStageError(ctx, err, tag)
	}
	var outSnap []byte
	if m.captureSnapshots && err == nil {
		outSnap = out.Snapshot()
	}
	rec.AddStage(tag, dir, inSnap, outSnap, dur, err)
	if span.IsRecording() {
		span.AddEvent(string(tag)+"."+string(dir), trace.WithAttributes(
			attribute.Int64("duration_us", dur.Microseconds()),
			attribute.Bool("error", err != nil),
		))
	}
	return out, err
}

// fail seals and emits the record for an error path. The record keeps every
// completed entry plus exactly one failed entry.
func (m *Manager) fail(rec *ExecutionRecord, err error) error {
	status := ExecutionFailed
	if IsKind(err, KindCancelledError) {
		status = ExecutionCancelled
	}
	rec.Finish(status, err)
	m.emit(rec)
	return err
}

func (m *Manager) emit(rec *ExecutionRecord) {
	if m.sink != nil {
		m.sink.Emit(rec)
	}
}

// normalizeStageError maps context terminations onto the timeout/cancelled
// kinds and stamps the originating stage on errors that lack a source.
func normalizeStageError(ctx context.Context, err error, tag StageTag) error {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Source == "" {
			pe.Source = string(tag)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancellationError(err)
	}
	return NewError(KindInternalError, string(tag), "stage failed").WithCause(err)
}

func cancellationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeoutError, "manager", "request deadline exceeded").WithCause(err)
	}
	return NewError(KindCancelledError, "manager", "request cancelled").WithCause(err)
}
