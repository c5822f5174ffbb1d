// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package router expands a compiled routing table into the pipeline configs
// the assembler realises, and picks a route for each incoming request.
package router

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/pipegate/pipegate/internal/config"
	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/stages"
)

// Built-in route names. Feature selection only ever yields these; any other
// route is reachable through a rule or an explicit target in the model field.
const (
	RouteDefault     = "default"
	RouteLongContext = "longContext"
	RouteBackground  = "background"
	RouteThink       = "think"
	RouteWebSearch   = "webSearch"
)

const (
	chatCompletionsPath = "/chat/completions"
	routerUserAgent     = "pipegate"
	upstreamTimeout     = 60 * time.Second
	upstreamMaxRetries  = 3
)

func newError(format string, args ...any) *pipeline.Error {
	return pipeline.NewError(pipeline.KindRouterConfigError, "router", format, args...)
}

// Compile expands table into one pipeline config per route. Routes are
// processed in sorted name order so the emitted slice is deterministic.
// Warnings flag routes that no selection path can reach.
func Compile(table *config.RoutingTable) ([]pipeline.Config, []string, error) {
	if table == nil || len(table.Routes) == 0 {
		return nil, nil, newError("routing table has no routes")
	}
	routes := slices.Sorted(maps.Keys(table.Routes))
	configs := make([]pipeline.Config, 0, len(routes))
	seen := make(map[string]string, len(routes))
	var warnings []string
	for _, route := range routes {
		target := table.Routes[route]
		p, _ := table.Provider(target.Provider)
		if p == nil {
			return nil, nil, newError("route %q: unknown provider %q", route, target.Provider)
		}
		m, _ := p.Model(target.Model)
		if m == nil {
			return nil, nil, newError("route %q: provider %q has no model %q", route, target.Provider, target.Model)
		}
		cfg := buildConfig(route, p, m)
		if err := cfg.Validate(); err != nil {
			return nil, nil, newError("route %q: %s", route, err.Error()).WithCause(err)
		}
		if prev, dup := seen[cfg.PipelineID]; dup {
			return nil, nil, newError("routes %q and %q both compile to pipeline %q", prev, route, cfg.PipelineID)
		}
		seen[cfg.PipelineID] = route
		configs = append(configs, cfg)
		if !builtinRoute(route) && !ruleTargets(table.Rules, route) {
			warnings = append(warnings, fmt.Sprintf("route %q matches no rule and no built-in feature; it is reachable only through an explicit target", route))
		}
	}
	return configs, warnings, nil
}

func buildConfig(route string, p *config.Provider, m *config.ModelSpec) pipeline.Config {
	profile := stages.ProfileOpenAIGeneric
	var options map[string]string
	if p.Compatibility != nil {
		profile = p.Compatibility.Use
		options = p.Compatibility.Options
	}
	return pipeline.Config{
		PipelineID:    p.Name + "_" + m.Name + "_" + route,
		RouteID:       route,
		Provider:      p.Name,
		Model:         m.Name,
		Endpoint:      p.APIBaseURL,
		CredentialRef: p.CredentialRef,
		MaxTokens:     m.MaxTokens,
		Layers: []pipeline.LayerConfig{
			{
				Tag:     pipeline.StageTransformer,
				Variant: stages.VariantAnthropicToOpenAI,
				Transformer: &pipeline.TransformerLayerConfig{
					Direction:         stages.VariantAnthropicToOpenAI,
					ModelOverride:     m.Name,
					PreserveToolCalls: true,
					MapSystemMessage:  true,
					DefaultMaxTokens:  m.MaxTokens,
				},
			},
			{
				Tag:     pipeline.StageProtocol,
				Variant: stages.VariantOpenAI,
				Protocol: &pipeline.ProtocolLayerConfig{
					BaseURL:       p.APIBaseURL,
					Path:          chatCompletionsPath,
					StreamDefault: true,
					UserAgent:     routerUserAgent,
				},
			},
			{
				Tag:     pipeline.StageCompat,
				Variant: profile,
				Compat: &pipeline.CompatLayerConfig{
					Profile: profile,
					Options: options,
				},
			},
			{
				Tag:     pipeline.StageServer,
				Variant: stages.VariantHTTP,
				Server: &pipeline.ServerLayerConfig{
					Endpoint:      p.APIBaseURL,
					CredentialRef: p.CredentialRef,
					Timeout:       upstreamTimeout,
					MaxRetries:    upstreamMaxRetries,
				},
			},
		},
	}
}

func builtinRoute(name string) bool {
	switch name {
	case RouteDefault, RouteLongContext, RouteBackground, RouteThink, RouteWebSearch:
		return true
	}
	return false
}

func ruleTargets(rules []config.RouterRule, route string) bool {
	for _, r := range rules {
		if r.Route == route {
			return true
		}
	}
	return false
}
