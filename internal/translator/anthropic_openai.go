// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"cmp"
	"fmt"
	"strings"

	"k8s.io/utils/ptr"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/apischema/openai"
	"github.com/pipegate/pipegate/internal/json"
)

// AnthropicToOpenAI converts an Anthropic Messages request into an OpenAI Chat
// Completions request. It returns the converted request together with warnings
// for the parts that degraded (dropped tools, synthesized ids). Inputs that
// cannot be converted at all fail with an error; there is no fallback payload.
func AnthropicToOpenAI(body *anthropic.MessagesRequest, opts Options) (*openai.ChatCompletionRequest, []string, error) {
	if body == nil {
		return nil, nil, fmt.Errorf("request must not be nil")
	}
	model := cmp.Or(opts.ModelOverride, body.Model)

	var warnings []string
	messages := make([]openai.ChatCompletionMessage, 0, len(body.Messages)+1)

	if body.System != nil {
		if opts.MapSystemMessage {
			if text := body.System.Joined(); text != "" {
				messages = append(messages, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleSystem,
					Content: ptr.To(text),
				})
			}
		} else {
			warnings = append(warnings, "system prompt dropped: system message mapping is disabled")
		}
	}

	for i := range body.Messages {
		lowered, w, err := lowerMessage(&body.Messages[i], opts.PreserveToolCalls)
		if err != nil {
			return nil, warnings, fmt.Errorf("messages[%d]: %w", i, err)
		}
		messages = append(messages, lowered...)
		warnings = append(warnings, w...)
	}

	req := &openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		TopK:        body.TopK,
		Stop:        body.StopSequences,
		Stream:      body.Stream,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = opts.DefaultMaxTokens
	}
	if body.Stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if body.Metadata != nil && body.Metadata.UserID != nil {
		req.User = *body.Metadata.UserID
	}
	if body.Thinking.Enabled() {
		warnings = append(warnings, "thinking configuration has no Chat Completions equivalent and was dropped")
	}

	if opts.PreserveToolCalls {
		tools, w := lowerTools(body.Tools)
		warnings = append(warnings, w...)
		if len(tools) > 0 {
			req.Tools = tools
			if tc := lowerToolChoice(body.ToolChoice); tc != nil {
				req.ToolChoice = tc
			}
		}
	} else if len(body.Tools) > 0 {
		warnings = append(warnings, "tool definitions dropped: tool call preservation is disabled")
	}

	if err := ValidateOpenAIRequest(req); err != nil {
		return nil, warnings, err
	}
	return req, warnings, nil
}

// lowerMessage converts one Anthropic message into one or more OpenAI
// messages. tool_result parts each become their own user-role message, emitted
// in part order ahead of the aggregate text/tool-call message.
func lowerMessage(msg *anthropic.MessageParam, preserveToolCalls bool) ([]openai.ChatCompletionMessage, []string, error) {
	role := openai.ChatMessageRoleUser
	if msg.Role == anthropic.MessageRoleAssistant {
		role = openai.ChatMessageRoleAssistant
	}

	if msg.Content.IsText {
		return []openai.ChatCompletionMessage{{Role: role, Content: ptr.To(msg.Content.Text)}}, nil, nil
	}

	var (
		warnings  []string
		out       []openai.ChatCompletionMessage
		textParts []string
		toolCalls []openai.ChatCompletionMessageToolCall
	)
	for i := range msg.Content.Array {
		part := &msg.Content.Array[i]
		switch {
		case part.Text != nil:
			textParts = append(textParts, part.Text.Text)
		case part.ToolUse != nil:
			if !preserveToolCalls {
				textParts = append(textParts, objectPlaceholder(part.ToolUse))
				continue
			}
			call, w, err := lowerToolUse(part.ToolUse)
			if err != nil {
				return nil, warnings, fmt.Errorf("content[%d]: %w", i, err)
			}
			toolCalls = append(toolCalls, call)
			warnings = append(warnings, w...)
		case part.ToolResult != nil:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: ptr.To(fmt.Sprintf("[Tool Result for %s]: %s", part.ToolResult.ToolUseID, toolResultText(part.ToolResult.Content))),
			})
		case part.Thinking != nil:
			// Thinking turns cannot be replayed through Chat Completions.
		case part.Unknown != nil:
			textParts = append(textParts, "[Object: "+string(part.Unknown)+"]")
		default:
			textParts = append(textParts, objectPlaceholder(part))
		}
	}

	content := strings.Join(textParts, " ")
	switch {
	case content == "" && len(toolCalls) > 0:
		// Tool-call-only turns carry a null content.
		out = append(out, openai.ChatCompletionMessage{Role: role, ToolCalls: toolCalls})
	case content != "" || len(toolCalls) > 0:
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: ptr.To(content), ToolCalls: toolCalls})
	case len(out) == 0:
		// Nothing lowered; keep the turn so the conversation stays alternating.
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: ptr.To("")})
	}
	return out, warnings, nil
}

// lowerToolUse converts a tool_use part into an OpenAI tool call with
// JSON-stringified arguments, synthesizing an id when the part has none.
func lowerToolUse(block *anthropic.ToolUseBlockParam) (openai.ChatCompletionMessageToolCall, []string, error) {
	var warnings []string
	id := block.ID
	if id == "" {
		id = newToolCallID()
		warnings = append(warnings, fmt.Sprintf("tool_use block for %q has no id, synthesized %s", block.Name, id))
	}
	input := block.Input
	if input == nil {
		input = map[string]any{}
	}
	args, err := json.Marshal(input)
	if err != nil {
		return openai.ChatCompletionMessageToolCall{}, warnings, fmt.Errorf("tool_use input for %q is not serializable: %w", block.Name, err)
	}
	return openai.ChatCompletionMessageToolCall{
		ID:   id,
		Type: openai.ToolTypeFunction,
		Function: openai.ChatCompletionMessageToolCallFunction{
			Name:      block.Name,
			Arguments: string(args),
		},
	}, warnings, nil
}

// toolResultText renders a tool_result payload as a string: string results
// verbatim, text parts concatenated, anything else JSON-serialized.
func toolResultText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, item := range v {
			if m, ok := item.(map[string]any); ok && m["type"] == "text" {
				if s, ok := m["text"].(string); ok {
					sb.WriteString(s)
					continue
				}
			}
			if raw, err := json.Marshal(item); err == nil {
				sb.Write(raw)
			}
		}
		return sb.String()
	default:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
		return fmt.Sprintf("%v", v)
	}
}

// objectPlaceholder serializes a content part the Chat Completions schema
// cannot express into its "[Object: <json>]" textual form.
func objectPlaceholder(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "[Object: unserializable]"
	}
	return "[Object: " + string(raw) + "]"
}

// lowerTools converts Anthropic tool definitions to OpenAI function tools.
// Tools without a name and server tools with no function equivalent are
// dropped with a warning.
func lowerTools(tools []anthropic.ToolUnion) ([]openai.ChatCompletionTool, []string) {
	if len(tools) == 0 {
		return nil, nil
	}
	var warnings []string
	out := make([]openai.ChatCompletionTool, 0, len(tools))
	for i := range tools {
		switch {
		case tools[i].Tool != nil:
			t := tools[i].Tool
			if t.Name == "" {
				warnings = append(warnings, fmt.Sprintf("dropping tools[%d]: missing name", i))
				continue
			}
			out = append(out, openai.ChatCompletionTool{
				Type: openai.ToolTypeFunction,
				Function: openai.ChatCompletionToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toolParameters(t.InputSchema),
				},
			})
		case tools[i].WebSearchTool != nil:
			warnings = append(warnings, fmt.Sprintf("dropping tools[%d]: web_search is a server tool with no Chat Completions equivalent", i))
		default:
			warnings = append(warnings, fmt.Sprintf("dropping tools[%d]: unrecognized tool type", i))
		}
	}
	return out, warnings
}

// toolParameters maps an input_schema to the function parameters object.
func toolParameters(schema anthropic.ToolInputSchema) map[string]any {
	params := map[string]any{"type": cmp.Or(schema.Type, "object")}
	if schema.Properties != nil {
		params["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		params["required"] = schema.Required
	}
	return params
}

// lowerToolChoice maps an Anthropic tool_choice to its OpenAI counterpart:
// auto→"auto", any→"required", none→"none", tool→{type:"function",function:{name}}.
func lowerToolChoice(tc *anthropic.ToolChoice) any {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case anthropic.ToolChoiceTypeAuto:
		return openai.ToolChoiceAuto
	case anthropic.ToolChoiceTypeAny:
		return openai.ToolChoiceRequired
	case anthropic.ToolChoiceTypeNone:
		return openai.ToolChoiceNone
	case anthropic.ToolChoiceTypeTool:
		return openai.ChatCompletionToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ChatCompletionToolChoiceFunction{Name: tc.Name},
		}
	default:
		return nil
	}
}
