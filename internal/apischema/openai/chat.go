// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package openai defines the subset of the OpenAI Chat Completions wire schema
// the router speaks when talking to upstreams. Requests are authored by the
// transformer stage, so only response types need to tolerate provider drift.
package openai

// ChatCompletionRequest represents a request to the Chat Completions API.
// https://platform.openai.com/docs/api-reference/chat/create
type ChatCompletionRequest struct {
	// Model is the model to use for the completion.
	Model string `json:"model"`

	// Messages is the conversation so far, including the system message.
	Messages []ChatCompletionMessage `json:"messages"`

	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens int64 `json:"max_tokens,omitempty"`

	// Temperature controls the randomness of the output.
	Temperature *float64 `json:"temperature,omitempty"`

	// TopP is the cumulative probability for nucleus sampling.
	TopP *float64 `json:"top_p,omitempty"`

	// TopK is not part of the upstream OpenAI schema but is accepted by many
	// OpenAI-compatible servers, so it is passed through when present.
	TopK *int `json:"top_k,omitempty"`

	// Stop is the list of sequences that stop generation.
	Stop []string `json:"stop,omitempty"`

	// Stream indicates whether to stream the response. Always serialized so
	// upstreams with a streaming default behave deterministically.
	Stream bool `json:"stream"`

	// StreamOptions configures streaming behavior when Stream is true.
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`

	// Tools is the list of tools available to the model.
	Tools []ChatCompletionTool `json:"tools,omitempty"`

	// ToolChoice is either a mode string ("auto", "required", "none") or a
	// ChatCompletionToolChoice selecting a single function.
	ToolChoice any `json:"tool_choice,omitempty"`

	// User is an end-user identifier for abuse monitoring.
	User string `json:"user,omitempty"`
}

// ChatCompletionMessage is one entry of the messages array in a request.
// https://platform.openai.com/docs/api-reference/chat/create#chat-create-messages
type ChatCompletionMessage struct {
	// Role is "system", "user", "assistant" or "tool".
	Role string `json:"role"`

	// Content is the message text. Serialized as null for assistant messages
	// that carry only tool calls.
	Content *string `json:"content"`

	// Name disambiguates participants sharing a role.
	Name string `json:"name,omitempty"`

	// ToolCalls are the tool invocations requested by an assistant message.
	ToolCalls []ChatCompletionMessageToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Message roles used on the OpenAI side.
const (
	ChatMessageRoleSystem    = "system"
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
	ChatMessageRoleTool      = "tool"
)

// StreamOptions configures streaming responses.
// https://platform.openai.com/docs/api-reference/chat/create#chat-create-stream_options
type StreamOptions struct {
	// IncludeUsage requests a final chunk carrying token usage.
	IncludeUsage bool `json:"include_usage"`
}

type (
	// ChatCompletionTool is a tool definition in a request.
	// https://platform.openai.com/docs/api-reference/chat/create#chat-create-tools
	ChatCompletionTool struct {
		Type     string                     `json:"type"` // Always "function".
		Function ChatCompletionToolFunction `json:"function"`
	}

	// ChatCompletionToolFunction describes a callable function.
	ChatCompletionToolFunction struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	}

	// ChatCompletionToolChoice forces the model to call a specific function.
	ChatCompletionToolChoice struct {
		Type     string                           `json:"type"` // Always "function".
		Function ChatCompletionToolChoiceFunction `json:"function"`
	}

	// ChatCompletionToolChoiceFunction names the forced function.
	ChatCompletionToolChoiceFunction struct {
		Name string `json:"name"`
	}
)

// ToolTypeFunction is the only tool type in the Chat Completions schema.
const ToolTypeFunction = "function"

// Tool choice mode strings.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// ChatCompletion represents a non-streaming Chat Completions response.
// https://platform.openai.com/docs/api-reference/chat/object
type ChatCompletion struct {
	// ID is the unique identifier of the completion.
	ID string `json:"id"`
	// Object is always "chat.completion".
	Object string `json:"object"`
	// Created is the Unix timestamp of creation in seconds.
	Created int64 `json:"created"`
	// Model is the model that produced the completion.
	Model string `json:"model"`
	// Choices is the list of generated completions.
	Choices []ChatCompletionChoice `json:"choices"`
	// Usage is the token accounting for the request.
	Usage ChatCompletionUsage `json:"usage"`
}

// ChatCompletionChoice is one generated completion.
type ChatCompletionChoice struct {
	Index        int                           `json:"index"`
	Message      ChatCompletionResponseMessage `json:"message"`
	FinishReason ChatCompletionFinishReason    `json:"finish_reason"`
}

// ChatCompletionResponseMessage is the assistant message of a choice.
type ChatCompletionResponseMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
	// ReasoningContent carries chain-of-thought text from reasoning models.
	// Non-standard but emitted by several OpenAI-compatible servers.
	ReasoningContent string                          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatCompletionMessageToolCall `json:"tool_calls,omitempty"`
}

// ChatCompletionMessageToolCall is a tool invocation in a response message or
// streaming delta.
type ChatCompletionMessageToolCall struct {
	// Index orders partial tool calls across streaming chunks. Absent in
	// non-streaming responses.
	Index *int `json:"index,omitempty"`
	// ID identifies the call for the follow-up tool result.
	ID string `json:"id,omitempty"`
	// Type is always "function".
	Type string `json:"type,omitempty"`
	// Function is the invoked function with its arguments.
	Function ChatCompletionMessageToolCallFunction `json:"function"`
}

// ChatCompletionMessageToolCallFunction carries the function name and its
// arguments as a JSON-encoded string, possibly partial when streaming.
type ChatCompletionMessageToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChatCompletionFinishReason is the reason a choice stopped generating.
// https://platform.openai.com/docs/api-reference/chat/object#chat/object-choices
type ChatCompletionFinishReason string

const (
	FinishReasonStop          ChatCompletionFinishReason = "stop"
	FinishReasonLength        ChatCompletionFinishReason = "length"
	FinishReasonToolCalls     ChatCompletionFinishReason = "tool_calls"
	FinishReasonContentFilter ChatCompletionFinishReason = "content_filter"
)

// ChatCompletionUsage is the token accounting block of a response.
// https://platform.openai.com/docs/api-reference/chat/object#chat/object-usage
type ChatCompletionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	// PromptTokensDetails is present on servers that report cache hits.
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

// PromptTokensDetails breaks down prompt token accounting.
type PromptTokensDetails struct {
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}

// ChatCompletionChunk represents one SSE event of a streaming response.
// https://platform.openai.com/docs/api-reference/chat/streaming
type ChatCompletionChunk struct {
	// ID is the unique identifier of the completion, stable across chunks.
	ID string `json:"id"`
	// Object is always "chat.completion.chunk".
	Object string `json:"object"`
	// Created is the Unix timestamp of creation in seconds.
	Created int64 `json:"created"`
	// Model is the model producing the completion.
	Model string `json:"model"`
	// Choices is the list of partial completions.
	Choices []ChatCompletionChunkChoice `json:"choices"`
	// Usage is only present on the final chunk when stream_options requests it.
	Usage *ChatCompletionUsage `json:"usage,omitempty"`
}

// ChatCompletionChunkChoice is one partial completion in a chunk.
type ChatCompletionChunkChoice struct {
	Index int                      `json:"index"`
	Delta ChatCompletionChunkDelta `json:"delta"`
	// FinishReason is null until the terminating chunk of the choice.
	FinishReason ChatCompletionFinishReason `json:"finish_reason,omitempty"`
}

// ChatCompletionChunkDelta is the incremental message update in a chunk.
type ChatCompletionChunkDelta struct {
	Role             string                          `json:"role,omitempty"`
	Content          *string                         `json:"content,omitempty"`
	ReasoningContent string                          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatCompletionMessageToolCall `json:"tool_calls,omitempty"`
}

// Error represents an error response from the Chat Completions API.
// https://platform.openai.com/docs/guides/error-codes/api-errors
type Error struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the error payload of an OpenAI-style error response.
type ErrorDetail struct {
	Message string  `json:"message"`
	Type    string  `json:"type,omitempty"`
	Param   *string `json:"param,omitempty"`
	// Code is a string on OpenAI but a number on some compatible servers.
	Code any `json:"code,omitempty"`
}

// ModelList is the response of the models listing endpoint, used by the
// credential probe.
// https://platform.openai.com/docs/api-reference/models/list
type ModelList struct {
	Object string  `json:"object"` // Always "list".
	Data   []Model `json:"data"`
}

// Model is one entry of a ModelList.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"` // Always "model".
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}
