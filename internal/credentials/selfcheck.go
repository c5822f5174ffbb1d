// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultSelfCheckInterval = time.Minute

// SelfCheck sweeps the manager's credentials on a ticker: invalid ones get a
// recovery attempt, expiring ones a pre-emptive refresh, and optionally the
// rest an upstream probe. Recovery itself, including resuming quarantined
// pipelines, happens inside the manager's refresh path.
type SelfCheck struct {
	logger   *slog.Logger
	manager  *Manager
	interval time.Duration
	probe    bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SelfCheckOption adjusts the sweep behavior.
type SelfCheckOption func(*SelfCheck)

// WithInterval overrides the sweep interval.
func WithInterval(interval time.Duration) SelfCheckOption {
	return func(s *SelfCheck) { s.interval = interval }
}

// WithUpstreamProbes turns on per-sweep ValidateWithAPI probes.
func WithUpstreamProbes() SelfCheckOption {
	return func(s *SelfCheck) { s.probe = true }
}

// NewSelfCheck builds the sweeper; Start begins ticking.
func NewSelfCheck(manager *Manager, logger *slog.Logger, opts ...SelfCheckOption) *SelfCheck {
	s := &SelfCheck{
		logger:   logger,
		manager:  manager,
		interval: defaultSelfCheckInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop.
func (s *SelfCheck) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the loop and waits for a running sweep to finish. Idempotent.
func (s *SelfCheck) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *SelfCheck) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *SelfCheck) sweep(ctx context.Context) {
	for _, ref := range s.manager.Refs() {
		state, ok := s.manager.State(ref)
		if !ok {
			continue
		}
		switch {
		case state == StateRefreshing:
			// A refresh is already running; leave it alone.
		case state == StateInvalid:
			s.logger.Debug("retrying invalid credential", slog.String("ref", ref))
			s.manager.RefreshAuth(ref)
		case s.manager.CheckExpiry(ref):
			s.logger.Debug("credential near expiry", slog.String("ref", ref))
			s.manager.RefreshAuth(ref)
		case s.probe:
			if !s.manager.ValidateWithAPI(ctx, ref) {
				s.manager.ReportAuthFailure(ref)
			}
		}
	}
}
