// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"slices"
	"sync"
)

// Status is the lifecycle state of a pipeline.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRuntime      Status = "runtime"
	StatusQuarantined  Status = "quarantined"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Pipeline holds four assembled stage modules and their config. It owns no
// mutable per-request state; the only mutable field is the lifecycle status.
type Pipeline struct {
	cfg    *Config
	stages []Stage

	mu     sync.RWMutex
	status Status
	reason string
}

// newPipeline wraps assembled stages in the runtime state.
func newPipeline(cfg *Config, stages []Stage) *Pipeline {
	return &Pipeline{cfg: cfg, stages: stages, status: StatusRuntime}
}

// ID returns the pipeline identifier "{provider}_{model}_{route}".
func (p *Pipeline) ID() string { return p.cfg.PipelineID }

// Config returns the immutable pipeline config.
func (p *Pipeline) Config() *Config { return p.cfg }

// Status returns the current lifecycle state and, for quarantined pipelines,
// the reason.
func (p *Pipeline) Status() (Status, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, p.reason
}

func (p *Pipeline) setStatus(s Status, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
	p.reason = reason
}

// Healthy reports whether the pipeline is dispatchable and all stages report
// healthy.
func (p *Pipeline) Healthy() bool {
	if s, _ := p.Status(); s != StatusRuntime {
		return false
	}
	for _, stage := range p.stages {
		if !stage.Health() {
			return false
		}
	}
	return true
}

// Stop transitions the pipeline to stopped and stops all stages in reverse
// order. Safe to call more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.status == StatusStopped {
		p.mu.Unlock()
		return
	}
	p.status = StatusStopped
	p.mu.Unlock()
	for _, s := range slices.Backward(p.stages) {
		s.Stop()
	}
}
