// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/config"
	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/routecel"

	"github.com/google/cel-go/cel"
)

// LongContextThreshold is the token estimate above which requests route to
// longContext.
const LongContextThreshold = 60000

// backgroundModelPrefix marks the model family clients use for cheap
// background work.
const backgroundModelPrefix = "claude-3-5-haiku"

// Selector picks a route name for each request. Rules compiled from the
// routing table run first in declaration order; the built-in feature logic
// covers everything else. Safe for concurrent use.
type Selector struct {
	logger    *slog.Logger
	threshold int64
	routes    map[string]config.Target
	rules     []compiledRule
}

type compiledRule struct {
	name  string
	route string
	prog  cel.Program
}

// SelectorOption adjusts selector construction.
type SelectorOption func(*Selector)

// WithLongContextThreshold overrides the token estimate boundary for the
// longContext route.
func WithLongContextThreshold(n int64) SelectorOption {
	return func(s *Selector) { s.threshold = n }
}

// NewSelector compiles table's rules and captures its route set.
func NewSelector(table *config.RoutingTable, logger *slog.Logger, opts ...SelectorOption) (*Selector, error) {
	s := &Selector{
		logger:    logger,
		threshold: LongContextThreshold,
		routes:    table.Routes,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, rule := range table.Rules {
		prog, err := routecel.NewProgram(rule.When)
		if err != nil {
			return nil, newError("rule %q: %s", rule.Name, err.Error()).WithCause(err)
		}
		s.rules = append(s.rules, compiledRule{name: rule.Name, route: rule.Route, prog: prog})
	}
	return s, nil
}

// SelectRoute returns the route name for one request's features. A route that
// selection names but the table lacks falls back to default.
func (s *Selector) SelectRoute(f routecel.Features) string {
	for _, r := range s.rules {
		match, err := routecel.EvaluateProgram(r.prog, f)
		if err != nil {
			// A rule that cannot evaluate must not take down the request.
			s.logger.Warn("router rule skipped",
				slog.String("rule", r.name),
				slog.String("error", err.Error()))
			continue
		}
		if match {
			return s.resolve(r.route)
		}
	}
	switch {
	case f.TokenCount > s.threshold:
		return s.resolve(RouteLongContext)
	case f.IsBackground:
		return s.resolve(RouteBackground)
	case f.HasThinking:
		return s.resolve(RouteThink)
	case f.HasWebSearch:
		return s.resolve(RouteWebSearch)
	default:
		return RouteDefault
	}
}

// RouteForTarget returns a route bound to exactly the given provider and
// model. When several match, the default route wins, then sorted name order.
func (s *Selector) RouteForTarget(target config.Target) (string, bool) {
	if t, ok := s.routes[RouteDefault]; ok && t == target {
		return RouteDefault, true
	}
	for _, route := range slices.Sorted(maps.Keys(s.routes)) {
		if s.routes[route] == target {
			return route, true
		}
	}
	return "", false
}

func (s *Selector) resolve(route string) string {
	if _, ok := s.routes[route]; ok {
		return route
	}
	return RouteDefault
}

// FeaturesOf extracts the routing inputs from one parsed request.
func FeaturesOf(req *anthropic.MessagesRequest) routecel.Features {
	f := routecel.Features{
		TokenCount:   EstimateTokens(req),
		Model:        req.Model,
		IsBackground: strings.HasPrefix(req.Model, backgroundModelPrefix),
		HasThinking:  req.Thinking.Enabled(),
	}
	for _, tool := range req.Tools {
		if tool.WebSearchTool != nil {
			f.HasWebSearch = true
			break
		}
	}
	return f
}

// EstimateTokens approximates the prompt size of req. One token per four
// bytes of serialized content tracks real tokenizers closely enough for
// threshold routing and for count_tokens estimates.
func EstimateTokens(req *anthropic.MessagesRequest) int64 {
	var n int
	if len(req.Messages) > 0 {
		if b, err := json.Marshal(req.Messages); err == nil {
			n += len(b)
		}
	}
	if req.System != nil {
		if b, err := json.Marshal(req.System); err == nil {
			n += len(b)
		}
	}
	if len(req.Tools) > 0 {
		if b, err := json.Marshal(req.Tools); err == nil {
			n += len(b)
		}
	}
	return int64(n / 4)
}
