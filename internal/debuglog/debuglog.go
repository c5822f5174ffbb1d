// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package debuglog persists per-request execution records as JSON artifacts
// on disk. One artifact per request, grouped by listener port and process
// session, redacted before anything touches the filesystem.
package debuglog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/redaction"
)

const (
	// defaultMaxArtifacts caps how many request artifacts one session keeps.
	// The worker deletes oldest-first past the cap.
	defaultMaxArtifacts = 1000
	defaultQueueSize    = 256
	artifactPrefix      = "req_"
)

// Sink writes completed execution records under
// <dir>/port-<port>/<sessionID>/requests/req_<requestID>.json. Emit never
// does IO on the caller's goroutine: records go onto a buffered queue and a
// single worker marshals, redacts, and writes them. A saturated queue drops
// the record and counts the drop rather than stalling a request.
type Sink struct {
	logger    *slog.Logger
	dir       string
	sessionID string
	max       int
	queueSize int

	queue     chan *pipeline.ExecutionRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64

	// names holds artifact file names oldest-first. Only the worker touches
	// it.
	names []string
}

var _ pipeline.RecordSink = (*Sink)(nil)

// Option adjusts sink construction.
type Option func(*Sink)

// WithMaxArtifacts overrides the rolling cap on artifacts kept per session.
func WithMaxArtifacts(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithQueueSize overrides the Emit buffer length.
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// NewSink creates the session directory under baseDir and starts the writer
// worker. Callers own the returned sink and must Close it to flush.
func NewSink(baseDir string, port int, logger *slog.Logger, opts ...Option) (*Sink, error) {
	s := &Sink{
		logger:    logger,
		sessionID: uuid.NewString(),
		max:       defaultMaxArtifacts,
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dir = filepath.Join(baseDir, fmt.Sprintf("port-%d", port), s.sessionID, "requests")
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug artifact directory: %w", err)
	}
	s.queue = make(chan *pipeline.ExecutionRecord, s.queueSize)
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Dir is the directory request artifacts land in.
func (s *Sink) Dir() string { return s.dir }

// SessionID names this process's artifact session.
func (s *Sink) SessionID() string { return s.sessionID }

// Dropped reports how many records were discarded because the sink was
// saturated or already closed.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Emit implements pipeline.RecordSink.
func (s *Sink) Emit(rec *pipeline.ExecutionRecord) {
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Close flushes everything already queued and stops the worker. Records
// emitted afterwards are counted as drops.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.done:
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(rec *pipeline.ExecutionRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal execution record",
			slog.String("requestId", rec.RequestID),
			slog.String("error", err.Error()))
		return
	}
	data = redaction.RedactJSON(data)

	name := artifactPrefix + rec.RequestID + ".json"
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
		s.logger.Error("write debug artifact",
			slog.String("requestId", rec.RequestID),
			slog.String("error", err.Error()))
		return
	}

	s.names = append(s.names, name)
	for len(s.names) > s.max {
		oldest := s.names[0]
		s.names = s.names[1:]
		if err := os.Remove(filepath.Join(s.dir, oldest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove rolled debug artifact",
				slog.String("name", oldest),
				slog.String("error", err.Error()))
		}
	}
}
