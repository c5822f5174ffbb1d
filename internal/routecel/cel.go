// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package routecel compiles router rule expressions. A rule sees one
// request's routing features and must evaluate to a boolean.
package routecel

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Variables available to rule expressions.
const (
	celTokenCountKey   = "token_count"
	celIsBackgroundKey = "is_background"
	celHasThinkingKey  = "has_thinking"
	celHasWebSearchKey = "has_web_search"
	celModelKey        = "model"
)

var celEnv *cel.Env

func init() {
	var err error
	celEnv, err = cel.NewEnv(
		cel.Variable(celTokenCountKey, cel.IntType),
		cel.Variable(celIsBackgroundKey, cel.BoolType),
		cel.Variable(celHasThinkingKey, cel.BoolType),
		cel.Variable(celHasWebSearchKey, cel.BoolType),
		cel.Variable(celModelKey, cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create CEL environment: %v", err))
	}
}

// Features are one request's routing inputs.
type Features struct {
	// TokenCount is the estimated prompt size in tokens.
	TokenCount int64
	// IsBackground marks requests sent by a background-class model name.
	IsBackground bool
	// HasThinking marks requests with extended thinking enabled.
	HasThinking bool
	// HasWebSearch marks requests declaring a web_search tool.
	HasWebSearch bool
	// Model is the model name the client asked for.
	Model string
}

// NewProgram compiles expr into an evaluable program. Programs are safe for
// concurrent evaluation.
func NewProgram(expr string) (cel.Program, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program for %q: %w", expr, err)
	}
	// Sanity check with dummy features so broken expressions surface at
	// startup, not per request.
	if _, err := EvaluateProgram(prog, Features{Model: "dummy"}); err != nil {
		return nil, err
	}
	return prog, nil
}

// EvaluateProgram evaluates prog against one request's features.
func EvaluateProgram(prog cel.Program, f Features) (bool, error) {
	out, _, err := prog.Eval(map[string]any{
		celTokenCountKey:   f.TokenCount,
		celIsBackgroundKey: f.IsBackground,
		celHasThinkingKey:  f.HasThinking,
		celHasWebSearchKey: f.HasWebSearch,
		celModelKey:        f.Model,
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	match, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression produced %T, want bool", out.Value())
	}
	return match, nil
}
