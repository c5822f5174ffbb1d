// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// Assembler instantiates pipeline configs into runnable pipelines by looking
// up stage factories in the registry and wiring them in order.
type Assembler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewAssembler returns an assembler over the given registry.
func NewAssembler(registry *Registry, logger *slog.Logger) *Assembler {
	return &Assembler{registry: registry, logger: logger}
}

// AssemblyResult reports the outcome of assembling a batch of configs.
// Assembly is all-or-nothing per pipeline but partial across the fleet.
type AssemblyResult struct {
	// Pipelines are the successfully assembled pipelines, in config order.
	Pipelines []*Pipeline
	// Stats summarizes the batch.
	Stats AssemblyStats
	// Errors holds one entry per failed pipeline.
	Errors []error
}

// AssemblyStats summarizes an assembly batch.
type AssemblyStats struct {
	TotalPipelines     int    `json:"totalPipelines"`
	AssembledPipelines int    `json:"assembledPipelines"`
	FailedPipelines    int    `json:"failedPipelines"`
	AssemblyTime       Millis `json:"assemblyTimeMs"`
}

// Assemble realises every config in the batch. Individual failures are
// reported in the result but do not abort the batch.
func (a *Assembler) Assemble(ctx context.Context, configs []*Config) *AssemblyResult {
	start := time.Now()
	result := &AssemblyResult{}
	result.Stats.TotalPipelines = len(configs)
	for _, cfg := range configs {
		p, err := a.assembleOne(ctx, cfg)
		if err != nil {
			result.Stats.FailedPipelines++
			result.Errors = append(result.Errors, err)
			a.logger.Error("pipeline assembly failed",
				slog.String("pipeline", cfg.PipelineID), slog.String("error", err.Error()))
			continue
		}
		result.Stats.AssembledPipelines++
		result.Pipelines = append(result.Pipelines, p)
		a.logger.Info("pipeline assembled",
			slog.String("pipeline", p.ID()),
			slog.String("route", cfg.RouteID),
			slog.String("provider", cfg.Provider),
			slog.String("model", cfg.Model))
	}
	result.Stats.AssemblyTime = Millis(time.Since(start))
	return result
}

// assembleOne builds and starts the four stages of one config. The returned
// pipeline is in the runtime state; on any failure already-built stages are
// stopped and an error describing the first failing stage is returned.
func (a *Assembler) assembleOne(ctx context.Context, cfg *Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewError(KindAssemblyError, "assembler", "invalid pipeline config").WithCause(err)
	}
	stages := make([]Stage, 0, len(cfg.Layers))
	stop := func() {
		for _, s := range slices.Backward(stages) {
			s.Stop()
		}
	}
	for i := range cfg.Layers {
		layer := &cfg.Layers[i]
		factory, ok := a.registry.Lookup(layer.Tag, layer.Variant)
		if !ok {
			stop()
			return nil, NewError(KindAssemblyError, "assembler",
				"no factory for (%s, %s), registered variants: %v",
				layer.Tag, layer.Variant, a.registry.Variants(layer.Tag)).
				WithContext("pipelineId", cfg.PipelineID)
		}
		stage, err := factory.Build(layer)
		if err != nil {
			stop()
			return nil, NewError(KindAssemblyError, "assembler",
				"failed to build stage (%s, %s)", layer.Tag, layer.Variant).
				WithContext("pipelineId", cfg.PipelineID).WithCause(err)
		}
		if starter, ok := stage.(Starter); ok {
			if err := starter.Start(ctx); err != nil {
				stage.Stop()
				stop()
				return nil, NewError(KindAssemblyError, "assembler",
					"failed to start stage (%s, %s)", layer.Tag, layer.Variant).
					WithContext("pipelineId", cfg.PipelineID).WithCause(err)
			}
		}
		stages = append(stages, stage)
	}
	return newPipeline(cfg, stages), nil
}
