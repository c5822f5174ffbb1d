// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package translator converts between the Anthropic Messages schema and the
// OpenAI Chat Completions schema, in both directions, including tool
// definitions, tool-use turns and streaming events.
//
// Conversion is strict: a payload that cannot be expressed on the other side
// either degrades to a documented textual form (and surfaces a warning) or
// fails with an error. The package never synthesizes a best-effort request.
package translator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/apischema/openai"
)

// Options control the request conversion. They mirror the transformer layer
// settings compiled by the router.
type Options struct {
	// ModelOverride replaces the request model when non-empty. The router sets
	// it to the model a pipeline is bound to.
	ModelOverride string
	// DefaultMaxTokens fills max_tokens when the request omits it.
	DefaultMaxTokens int64
	// PreserveToolCalls keeps tool definitions and tool turns intact. When
	// false, tools are dropped and tool_use parts degrade to their textual form.
	PreserveToolCalls bool
	// MapSystemMessage lowers the top-level system prompt into a leading
	// system-role message. When false, the system prompt is dropped.
	MapSystemMessage bool
}

// newToolCallID synthesizes an id for tool calls that arrive without one, in
// the "call_<timestamp>_<suffix>" form.
func newToolCallID() string {
	return fmt.Sprintf("call_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:6])
}

// ValidateOpenAIRequest checks the contract every upstream request must
// satisfy: a model, a messages list, and well-formed function tools.
func ValidateOpenAIRequest(req *openai.ChatCompletionRequest) error {
	if req == nil {
		return errors.New("request must not be nil")
	}
	if req.Model == "" {
		return errors.New("request has no model")
	}
	if req.Messages == nil {
		return errors.New("request messages must be a list")
	}
	for i := range req.Tools {
		t := &req.Tools[i]
		if t.Type != openai.ToolTypeFunction {
			return fmt.Errorf("tools[%d]: type must be %q, got %q", i, openai.ToolTypeFunction, t.Type)
		}
		if t.Function.Name == "" {
			return fmt.Errorf("tools[%d]: function has no name", i)
		}
	}
	return nil
}

// ValidateOpenAIResponse checks the contract an upstream response must satisfy
// before it is converted back: a choices list.
func ValidateOpenAIResponse(resp *openai.ChatCompletion) error {
	if resp == nil {
		return errors.New("response must not be nil")
	}
	if resp.Choices == nil {
		return errors.New("response choices must be a list")
	}
	return nil
}

// ValidateAnthropicResponse checks the contract every response returned to the
// caller must satisfy: type "message" and a content list.
func ValidateAnthropicResponse(resp *anthropic.MessagesResponse) error {
	if resp == nil {
		return errors.New("response must not be nil")
	}
	if resp.Type != anthropic.ResponseTypeMessage {
		return fmt.Errorf("response type must be %q, got %q", anthropic.ResponseTypeMessage, resp.Type)
	}
	if resp.Content == nil {
		return errors.New("response content must be a list")
	}
	return nil
}
