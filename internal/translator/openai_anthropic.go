// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"cmp"
	"fmt"
	"net/http"
	"strings"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/apischema/openai"
	"github.com/pipegate/pipegate/internal/json"
)

// OpenAIToAnthropic converts an OpenAI Chat Completions response into an
// Anthropic Messages response. requestModel is the fallback when the upstream
// omits the model field. Tool call arguments that are not valid JSON degrade
// to an empty input with a warning.
func OpenAIToAnthropic(resp *openai.ChatCompletion, requestModel string) (*anthropic.MessagesResponse, []string, error) {
	if resp == nil {
		return nil, nil, fmt.Errorf("response must not be nil")
	}

	var warnings []string
	content := make([]anthropic.MessagesContentBlock, 0, 2)
	var stopReason *anthropic.StopReason

	if len(resp.Choices) > 0 {
		choice := &resp.Choices[0]
		msg := &choice.Message

		if msg.ReasoningContent != "" {
			content = append(content, anthropic.MessagesContentBlock{
				Thinking: &anthropic.ThinkingBlock{Type: "thinking", Thinking: msg.ReasoningContent},
			})
		}
		if msg.Content != nil && *msg.Content != "" {
			content = append(content, anthropic.MessagesContentBlock{
				Text: &anthropic.TextBlock{Type: "text", Text: *msg.Content},
			})
		}
		for i := range msg.ToolCalls {
			block, w := raiseToolCall(&msg.ToolCalls[i])
			content = append(content, anthropic.MessagesContentBlock{ToolUse: block})
			warnings = append(warnings, w...)
		}

		sr := StopReasonFromFinishReason(choice.FinishReason)
		stopReason = &sr
	}

	out := &anthropic.MessagesResponse{
		ID:         resp.ID,
		Type:       anthropic.ResponseTypeMessage,
		Role:       "assistant",
		Content:    content,
		Model:      cmp.Or(resp.Model, requestModel),
		StopReason: stopReason,
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if err := ValidateAnthropicResponse(out); err != nil {
		return nil, warnings, err
	}
	return out, warnings, nil
}

// raiseToolCall converts an OpenAI tool call into a tool_use content block,
// JSON-parsing the arguments string.
func raiseToolCall(tc *openai.ChatCompletionMessageToolCall) (*anthropic.ToolUseBlock, []string) {
	var warnings []string
	input := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			input = map[string]any{}
			warnings = append(warnings, fmt.Sprintf("tool call %s: arguments are not valid JSON, using empty input", tc.ID))
		}
		if input == nil {
			input = map[string]any{}
		}
	}
	id := tc.ID
	if id == "" {
		id = newToolCallID()
		warnings = append(warnings, fmt.Sprintf("tool call for %q has no id, synthesized %s", tc.Function.Name, id))
	}
	return &anthropic.ToolUseBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  tc.Function.Name,
		Input: input,
	}, warnings
}

// StopReasonFromFinishReason maps an OpenAI finish_reason to the Anthropic
// stop_reason: stop→end_turn, length→max_tokens, tool_calls→tool_use,
// content_filter→stop_sequence. Unknown reasons map to end_turn.
func StopReasonFromFinishReason(reason openai.ChatCompletionFinishReason) anthropic.StopReason {
	switch reason {
	case openai.FinishReasonStop:
		return anthropic.StopReasonEndTurn
	case openai.FinishReasonLength:
		return anthropic.StopReasonMaxTokens
	case openai.FinishReasonToolCalls:
		return anthropic.StopReasonToolUse
	case openai.FinishReasonContentFilter:
		return anthropic.StopReasonStopSequence
	default:
		return anthropic.StopReasonEndTurn
	}
}

// UpstreamErrorToAnthropic converts an upstream error response into the
// Anthropic error shape. Structured OpenAI error bodies keep their message;
// anything else is wrapped with the error type matching the status code.
func UpstreamErrorToAnthropic(statusCode int, contentType string, body []byte) *anthropic.ErrorResponse {
	if strings.Contains(contentType, "application/json") {
		var openaiErr openai.Error
		if err := json.Unmarshal(body, &openaiErr); err == nil && openaiErr.Error.Message != "" {
			typ := cmp.Or(openaiErr.Error.Type, AnthropicErrorTypeForStatus(statusCode))
			return anthropic.NewErrorResponse(typ, openaiErr.Error.Message)
		}
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = fmt.Sprintf("upstream returned status %d", statusCode)
	}
	return anthropic.NewErrorResponse(AnthropicErrorTypeForStatus(statusCode), message)
}

// AnthropicErrorTypeForStatus returns the Anthropic error type that accompanies
// an HTTP status code.
func AnthropicErrorTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return anthropic.ErrorTypeInvalidRequest
	case http.StatusUnauthorized:
		return anthropic.ErrorTypeAuthentication
	case http.StatusForbidden:
		return anthropic.ErrorTypePermission
	case http.StatusNotFound:
		return anthropic.ErrorTypeNotFound
	case http.StatusRequestEntityTooLarge:
		return anthropic.ErrorTypeRequestTooLarge
	case http.StatusTooManyRequests:
		return anthropic.ErrorTypeRateLimit
	case http.StatusServiceUnavailable:
		return anthropic.ErrorTypeServiceUnavailable
	case 529:
		return anthropic.ErrorTypeOverloaded
	default:
		return anthropic.ErrorTypeAPIError
	}
}
