// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRegistry registers a fake factory for every (stage, variant) pair that
// testConfig references.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for tag, variant := range map[StageTag]string{
		StageTransformer: "anthropic-to-openai",
		StageProtocol:    "openai",
		StageCompat:      "openai-generic",
		StageServer:      "http",
	} {
		require.NoError(t, r.Register(tag, variant, FactoryFunc(func(*LayerConfig) (Stage, error) {
			return newFakeStage(), nil
		})))
	}
	return r
}

// starterStage also implements Starter so assembly exercises the start hook.
type starterStage struct {
	*fakeStage
	startErr error
	started  bool
}

func (s *starterStage) Start(context.Context) error {
	s.started = true
	return s.startErr
}

func TestAssembler_AssembleFleet(t *testing.T) {
	a := NewAssembler(testRegistry(t), slog.New(slog.DiscardHandler))
	routes := []string{"default", "longContext", "background", "think", "webSearch"}
	configs := make([]*Config, len(routes))
	for i, route := range routes {
		configs[i] = testConfig("local_test-model_"+route, route)
	}

	result := a.Assemble(t.Context(), configs)

	require.Empty(t, result.Errors)
	require.Equal(t, 5, result.Stats.TotalPipelines)
	require.Equal(t, 5, result.Stats.AssembledPipelines)
	require.Zero(t, result.Stats.FailedPipelines)
	require.Len(t, result.Pipelines, 5)
	for i, p := range result.Pipelines {
		require.Equal(t, "local_test-model_"+routes[i], p.ID(), "pipelines keep config order")
		status, _ := p.Status()
		require.Equal(t, StatusRuntime, status)
		layers := p.Config().Layers
		require.Len(t, layers, len(StageOrder))
		for j, l := range layers {
			require.Equal(t, StageOrder[j], l.Tag)
			require.NotEmpty(t, l.Variant)
		}
	}
}

func TestAssembler_PartialFleetOnUnknownVariant(t *testing.T) {
	a := NewAssembler(testRegistry(t), slog.New(slog.DiscardHandler))
	good := testConfig("local_test-model_default", "default")
	bad := testConfig("local_test-model_think", "think")
	bad.Layers[3].Variant = "grpc"

	result := a.Assemble(t.Context(), []*Config{good, bad})

	require.Len(t, result.Pipelines, 1, "one bad config must not sink the batch")
	require.Equal(t, "local_test-model_default", result.Pipelines[0].ID())
	require.Len(t, result.Errors, 1)
	require.True(t, IsKind(result.Errors[0], KindAssemblyError))
	require.Contains(t, result.Errors[0].Error(), "no factory for (server, grpc)")
	require.Contains(t, result.Errors[0].Error(), "http", "registered variants are named for the operator")
	require.Equal(t, 2, result.Stats.TotalPipelines)
	require.Equal(t, 1, result.Stats.AssembledPipelines)
	require.Equal(t, 1, result.Stats.FailedPipelines)
}

func TestAssembler_RejectsInvalidConfig(t *testing.T) {
	a := NewAssembler(testRegistry(t), slog.New(slog.DiscardHandler))
	missing := testConfig("local_test-model_default", "default")
	missing.Layers = missing.Layers[:3]
	swapped := testConfig("local_test-model_think", "think")
	swapped.Layers[0], swapped.Layers[1] = swapped.Layers[1], swapped.Layers[0]

	result := a.Assemble(t.Context(), []*Config{missing, swapped})

	require.Empty(t, result.Pipelines)
	require.Len(t, result.Errors, 2)
	for _, err := range result.Errors {
		require.True(t, IsKind(err, KindAssemblyError))
		require.Contains(t, err.Error(), "invalid pipeline config")
	}
	require.Contains(t, result.Errors[0].Error(), "expected 4 layers, got 3")
	require.Contains(t, result.Errors[1].Error(), `layer 0 has tag "protocol", want "transformer"`)
	require.Equal(t, 2, result.Stats.FailedPipelines)
}

func TestAssembler_BuildFailureStopsBuiltStages(t *testing.T) {
	r := NewRegistry()
	var built []*fakeStage
	tracking := FactoryFunc(func(*LayerConfig) (Stage, error) {
		s := newFakeStage()
		built = append(built, s)
		return s, nil
	})
	require.NoError(t, r.Register(StageTransformer, "anthropic-to-openai", tracking))
	require.NoError(t, r.Register(StageProtocol, "openai", tracking))
	require.NoError(t, r.Register(StageCompat, "openai-generic", FactoryFunc(func(*LayerConfig) (Stage, error) {
		return nil, errors.New("unknown profile option")
	})))
	require.NoError(t, r.Register(StageServer, "http", tracking))
	a := NewAssembler(r, slog.New(slog.DiscardHandler))

	result := a.Assemble(t.Context(), []*Config{testConfig("local_test-model_default", "default")})

	require.Empty(t, result.Pipelines)
	require.Len(t, result.Errors, 1)
	require.True(t, IsKind(result.Errors[0], KindAssemblyError))
	require.Contains(t, result.Errors[0].Error(), "failed to build stage (server-compatibility, openai-generic)")
	require.Len(t, built, 2, "transformer and protocol were built before the failure")
	for _, s := range built {
		require.True(t, s.stopped)
	}
}

func TestAssembler_StartsStartableStages(t *testing.T) {
	starter := &starterStage{fakeStage: newFakeStage()}
	r := NewRegistry()
	fake := FactoryFunc(func(*LayerConfig) (Stage, error) { return newFakeStage(), nil })
	require.NoError(t, r.Register(StageTransformer, "anthropic-to-openai", fake))
	require.NoError(t, r.Register(StageProtocol, "openai", fake))
	require.NoError(t, r.Register(StageCompat, "openai-generic", fake))
	require.NoError(t, r.Register(StageServer, "http", FactoryFunc(func(*LayerConfig) (Stage, error) {
		return starter, nil
	})))
	a := NewAssembler(r, slog.New(slog.DiscardHandler))

	result := a.Assemble(t.Context(), []*Config{testConfig("local_test-model_default", "default")})

	require.Empty(t, result.Errors)
	require.Len(t, result.Pipelines, 1)
	require.True(t, starter.started)
}

func TestAssembler_StartFailureStopsBuiltStages(t *testing.T) {
	starter := &starterStage{fakeStage: newFakeStage(), startErr: errors.New("address already in use")}
	var built []*fakeStage
	tracking := FactoryFunc(func(*LayerConfig) (Stage, error) {
		s := newFakeStage()
		built = append(built, s)
		return s, nil
	})
	r := NewRegistry()
	require.NoError(t, r.Register(StageTransformer, "anthropic-to-openai", tracking))
	require.NoError(t, r.Register(StageProtocol, "openai", tracking))
	require.NoError(t, r.Register(StageCompat, "openai-generic", tracking))
	require.NoError(t, r.Register(StageServer, "http", FactoryFunc(func(*LayerConfig) (Stage, error) {
		return starter, nil
	})))
	a := NewAssembler(r, slog.New(slog.DiscardHandler))

	result := a.Assemble(t.Context(), []*Config{testConfig("local_test-model_default", "default")})

	require.Empty(t, result.Pipelines)
	require.Len(t, result.Errors, 1)
	require.True(t, IsKind(result.Errors[0], KindAssemblyError))
	require.Contains(t, result.Errors[0].Error(), "failed to start stage (server, http)")
	require.True(t, starter.stopped, "the failing stage itself is stopped")
	require.Len(t, built, 3)
	for _, s := range built {
		require.True(t, s.stopped)
	}
}
