// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package anthropic defines the subset of the Anthropic Messages API wire
// schema that the router translates. Unlike an SDK client, the router must
// round-trip requests it did not author, so all union types keep their
// original JSON shape on re-marshal.
package anthropic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pipegate/pipegate/internal/json"
)

// MessagesRequest represents a request to the Anthropic Messages API.
// https://docs.claude.com/en/api/messages
type MessagesRequest struct {
	// Model is the model to use for the request.
	Model string `json:"model"`

	// Messages is the list of messages in the conversation.
	// https://docs.claude.com/en/api/messages#body-messages
	Messages []MessageParam `json:"messages"`

	// MaxTokens is the maximum number of tokens to generate.
	// https://docs.claude.com/en/api/messages#body-max-tokens
	MaxTokens int64 `json:"max_tokens,omitempty"`

	// Metadata is the metadata for the request.
	// https://docs.claude.com/en/api/messages#body-metadata
	Metadata *MessagesMetadata `json:"metadata,omitempty"`

	// StopSequences is the list of stop sequences.
	// https://docs.claude.com/en/api/messages#body-stop-sequences
	StopSequences []string `json:"stop_sequences,omitempty"`

	// System is the system prompt to guide the model's behavior.
	// https://docs.claude.com/en/api/messages#body-system
	System *SystemPrompt `json:"system,omitempty"`

	// Temperature controls the randomness of the output.
	Temperature *float64 `json:"temperature,omitempty"`

	// Thinking is the configuration for the model's "thinking" behavior.
	// https://docs.claude.com/en/api/messages#body-thinking
	Thinking *Thinking `json:"thinking,omitempty"`

	// ToolChoice indicates the tool choice for the model.
	// https://docs.claude.com/en/api/messages#body-tool-choice
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// Tools is the list of tools available to the model.
	// https://docs.claude.com/en/api/messages#body-tools
	Tools []ToolUnion `json:"tools,omitempty"`

	// Stream indicates whether to stream the response.
	Stream bool `json:"stream,omitempty"`

	// TopP is the cumulative probability for nucleus sampling.
	TopP *float64 `json:"top_p,omitempty"`

	// TopK is the number of highest probability vocabulary tokens to keep for top-k-filtering.
	TopK *int `json:"top_k,omitempty"`
}

// MessageParam represents a single message in the Anthropic Messages API.
// https://platform.claude.com/docs/en/api/messages#message_param
type MessageParam struct {
	// Role is the role of the message. "user" or "assistant".
	Role MessageRole `json:"role"`

	// Content is the content of the message.
	Content MessageContent `json:"content"`
}

// MessageRole represents the role of a message in the Anthropic Messages API.
// https://docs.claude.com/en/api/messages#body-messages-role
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageContent represents the content of a message in the Anthropic Messages API.
// https://docs.claude.com/en/api/messages#body-messages-content
type MessageContent struct {
	Text   string              // Set if this is plain string content.
	IsText bool                // True when the wire form was a string, even an empty one.
	Array  []ContentBlockParam // Non-empty if this is array content.
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as string first.
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		m.IsText = true
		return nil
	}

	// Try to unmarshal as array of content blocks.
	var array []ContentBlockParam
	if err := json.Unmarshal(data, &array); err == nil {
		m.Array = array
		return nil
	}
	return fmt.Errorf("message content must be either text or array")
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsText {
		return json.Marshal(m.Text)
	}
	if m.Array != nil {
		return json.Marshal(m.Array)
	}
	return nil, fmt.Errorf("message content must have either text or array")
}

type (
	// ContentBlockParam represents an element of the array content in a message.
	// https://platform.claude.com/docs/en/api/messages#body-messages-content
	ContentBlockParam struct {
		Text       *TextBlockParam
		Image      *ImageBlockParam
		Thinking   *ThinkingBlockParam
		ToolUse    *ToolUseBlockParam
		ToolResult *ToolResultBlockParam
		// Unknown keeps the raw bytes of block types the router does not
		// interpret so they survive a re-marshal untouched.
		Unknown json.RawMessage
	}

	// TextBlockParam represents a text content block.
	// https://platform.claude.com/docs/en/api/messages#text_block_param
	TextBlockParam struct {
		Type string `json:"type"` // Always "text".
		Text string `json:"text"`
	}

	// ImageBlockParam represents an image content block.
	// https://platform.claude.com/docs/en/api/messages#image_block_param
	ImageBlockParam struct {
		Type   string `json:"type"` // Always "image".
		Source any    `json:"source"`
	}

	// ThinkingBlockParam represents a thinking content block in a request.
	// https://platform.claude.com/docs/en/api/messages#thinking_block_param
	ThinkingBlockParam struct {
		Type      string `json:"type"` // Always "thinking".
		Thinking  string `json:"thinking"`
		Signature string `json:"signature,omitempty"`
	}

	// ToolUseBlockParam represents a tool use content block in a request.
	// https://platform.claude.com/docs/en/api/messages#tool_use_block_param
	ToolUseBlockParam struct {
		Type  string         `json:"type"` // Always "tool_use".
		ID    string         `json:"id,omitempty"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}

	// ToolResultBlockParam represents a tool result content block.
	// https://platform.claude.com/docs/en/api/messages#tool_result_block_param
	ToolResultBlockParam struct {
		Type      string `json:"type"` // Always "tool_result".
		ToolUseID string `json:"tool_use_id"`
		Content   any    `json:"content,omitempty"` // string or array of content blocks.
		IsError   bool   `json:"is_error,omitempty"`
	}
)

func (m *ContentBlockParam) UnmarshalJSON(data []byte) error {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		return errors.New("missing type field in message content block")
	}
	switch typ.String() {
	case "text":
		var block TextBlockParam
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal text block: %w", err)
		}
		m.Text = &block
	case "image":
		var block ImageBlockParam
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal image block: %w", err)
		}
		m.Image = &block
	case "thinking":
		var block ThinkingBlockParam
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal thinking block: %w", err)
		}
		m.Thinking = &block
	case "tool_use":
		var block ToolUseBlockParam
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal tool use block: %w", err)
		}
		m.ToolUse = &block
	case "tool_result":
		var block ToolResultBlockParam
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal tool result block: %w", err)
		}
		m.ToolResult = &block
	default:
		// Keep unknown types raw for forward compatibility.
		m.Unknown = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (m ContentBlockParam) MarshalJSON() ([]byte, error) {
	switch {
	case m.Text != nil:
		return json.Marshal(m.Text)
	case m.Image != nil:
		return json.Marshal(m.Image)
	case m.Thinking != nil:
		return json.Marshal(m.Thinking)
	case m.ToolUse != nil:
		return json.Marshal(m.ToolUse)
	case m.ToolResult != nil:
		return json.Marshal(m.ToolResult)
	case m.Unknown != nil:
		return m.Unknown, nil
	}
	return nil, fmt.Errorf("content block must have a defined type")
}

// MessagesMetadata represents the metadata for the Anthropic Messages API request.
// https://docs.claude.com/en/api/messages#body-metadata
type MessagesMetadata struct {
	// UserID is an optional user identifier for tracking purposes.
	UserID *string `json:"user_id,omitempty"`
}

type (
	// ToolUnion represents a tool available to the model. Custom tools may
	// omit the "type" discriminator on the wire.
	// https://platform.claude.com/docs/en/api/messages#tool_union
	ToolUnion struct {
		Tool          *Tool
		WebSearchTool *WebSearchTool
		// Unknown keeps server-tool definitions the router does not interpret.
		Unknown json.RawMessage
	}

	// Tool represents a custom tool definition.
	// https://platform.claude.com/docs/en/api/messages#tool
	Tool struct {
		Type        string          `json:"type,omitempty"` // Empty or "custom".
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema ToolInputSchema `json:"input_schema"`
	}

	// WebSearchTool represents the web search server tool.
	// https://platform.claude.com/docs/en/api/messages#web_search_tool_20250305
	WebSearchTool struct {
		Type           string   `json:"type"` // "web_search_20250305" and successors.
		Name           string   `json:"name"` // Always "web_search".
		AllowedDomains []string `json:"allowed_domains,omitempty"`
		BlockedDomains []string `json:"blocked_domains,omitempty"`
		MaxUses        *int     `json:"max_uses,omitempty"`
	}

	// ToolInputSchema is the JSON schema for a custom tool's input.
	ToolInputSchema struct {
		Type       string         `json:"type"` // Always "object".
		Properties map[string]any `json:"properties,omitempty"`
		Required   []string       `json:"required,omitempty"`
	}
)

func (t *ToolUnion) UnmarshalJSON(data []byte) error {
	typ := gjson.GetBytes(data, "type").String()
	switch {
	case typ == "" || typ == "custom":
		var tool Tool
		if err := json.Unmarshal(data, &tool); err != nil {
			return fmt.Errorf("failed to unmarshal tool: %w", err)
		}
		t.Tool = &tool
	case strings.HasPrefix(typ, "web_search"):
		var tool WebSearchTool
		if err := json.Unmarshal(data, &tool); err != nil {
			return fmt.Errorf("failed to unmarshal web search tool: %w", err)
		}
		t.WebSearchTool = &tool
	default:
		t.Unknown = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (t ToolUnion) MarshalJSON() ([]byte, error) {
	switch {
	case t.Tool != nil:
		return json.Marshal(t.Tool)
	case t.WebSearchTool != nil:
		return json.Marshal(t.WebSearchTool)
	case t.Unknown != nil:
		return t.Unknown, nil
	}
	return nil, fmt.Errorf("tool union must have a defined type")
}

// ToolChoice represents the tool choice for the model.
// https://docs.claude.com/en/api/messages#body-tool-choice
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	// Name is the tool to use when Type is "tool".
	Name string `json:"name,omitempty"`
	// DisableParallelToolUse disables parallel tool use when set.
	DisableParallelToolUse *bool `json:"disable_parallel_tool_use,omitempty"`
}

// ToolChoiceType enumerates the tool choice modes.
type ToolChoiceType string

const (
	ToolChoiceTypeAuto ToolChoiceType = "auto"
	ToolChoiceTypeAny  ToolChoiceType = "any"
	ToolChoiceTypeTool ToolChoiceType = "tool"
	ToolChoiceTypeNone ToolChoiceType = "none"
)

// Thinking represents the configuration for the model's "thinking" behavior.
// https://docs.claude.com/en/api/messages#body-thinking
type Thinking struct {
	Type ThinkingType `json:"type"`
	// BudgetTokens is the token budget for thinking when enabled.
	BudgetTokens int64 `json:"budget_tokens,omitempty"`
}

// ThinkingType enumerates the thinking modes.
type ThinkingType string

const (
	ThinkingTypeEnabled  ThinkingType = "enabled"
	ThinkingTypeDisabled ThinkingType = "disabled"
)

// Enabled reports whether thinking is requested.
func (t *Thinking) Enabled() bool {
	return t != nil && t.Type == ThinkingTypeEnabled
}

// SystemPrompt represents a system prompt to guide the model's behavior.
// https://docs.claude.com/en/api/messages#body-system
type SystemPrompt struct {
	Text  string
	Texts []TextBlockParam
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	// Try to unmarshal as string first.
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}

	// Try to unmarshal as array of TextBlockParam.
	var texts []TextBlockParam
	if err := json.Unmarshal(data, &texts); err == nil {
		s.Texts = texts
		return nil
	}
	return fmt.Errorf("system prompt must be either string or array of text blocks")
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Text != "" {
		return json.Marshal(s.Text)
	}
	if len(s.Texts) > 0 {
		return json.Marshal(s.Texts)
	}
	return nil, fmt.Errorf("system prompt must have either text or texts")
}

// Joined returns the prompt as a single string, concatenating text parts with
// a single space.
func (s *SystemPrompt) Joined() string {
	if s == nil {
		return ""
	}
	if s.Text != "" {
		return s.Text
	}
	parts := make([]string, 0, len(s.Texts))
	for _, t := range s.Texts {
		parts = append(parts, t.Text)
	}
	return strings.Join(parts, " ")
}

// MessagesResponse represents a response from the Anthropic Messages API.
// https://docs.claude.com/en/api/messages
type MessagesResponse struct {
	// ID is the unique identifier for the response.
	ID string `json:"id"`
	// Type is always "message".
	Type string `json:"type"`
	// Role is always "assistant".
	Role string `json:"role"`
	// Content is the content of the message in the response.
	Content []MessagesContentBlock `json:"content"`
	// Model is the model used for the response.
	Model string `json:"model"`
	// StopReason is the reason for stopping the generation.
	StopReason *StopReason `json:"stop_reason"`
	// StopSequence is the stop sequence that was encountered, if any.
	StopSequence *string `json:"stop_sequence"`
	// Usage contains token usage information for the response.
	Usage Usage `json:"usage"`
}

// ResponseTypeMessage is the constant "type" of a Messages API response.
const ResponseTypeMessage = "message"

type (
	// MessagesContentBlock represents a block of content in the Anthropic Messages API response.
	// https://docs.claude.com/en/api/messages#response-content
	MessagesContentBlock struct {
		Text     *TextBlock
		ToolUse  *ToolUseBlock
		Thinking *ThinkingBlock
	}

	// TextBlock is a text content block in a response.
	TextBlock struct {
		Type string `json:"type"` // Always "text".
		Text string `json:"text"`
	}

	// ToolUseBlock is a tool use content block in a response.
	ToolUseBlock struct {
		Type  string         `json:"type"` // Always "tool_use".
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	}

	// ThinkingBlock is a thinking content block in a response.
	ThinkingBlock struct {
		Type      string `json:"type"` // Always "thinking".
		Thinking  string `json:"thinking"`
		Signature string `json:"signature,omitempty"`
	}
)

func (m *MessagesContentBlock) UnmarshalJSON(data []byte) error {
	typ := gjson.GetBytes(data, "type")
	if !typ.Exists() {
		return errors.New("missing type field in message content block")
	}
	switch typ.String() {
	case "text":
		var block TextBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal text block: %w", err)
		}
		m.Text = &block
	case "tool_use":
		var block ToolUseBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal tool use block: %w", err)
		}
		m.ToolUse = &block
	case "thinking":
		var block ThinkingBlock
		if err := json.Unmarshal(data, &block); err != nil {
			return fmt.Errorf("failed to unmarshal thinking block: %w", err)
		}
		m.Thinking = &block
	default:
		// Ignore unknown types for forward compatibility.
	}
	return nil
}

func (m MessagesContentBlock) MarshalJSON() ([]byte, error) {
	switch {
	case m.Text != nil:
		return json.Marshal(m.Text)
	case m.ToolUse != nil:
		return json.Marshal(m.ToolUse)
	case m.Thinking != nil:
		return json.Marshal(m.Thinking)
	}
	return nil, fmt.Errorf("content block must have a defined type")
}

// StopReason represents the reason for stopping the generation.
// https://docs.claude.com/en/api/messages#response-stop-reason
type StopReason string

const (
	StopReasonEndTurn      StopReason = "end_turn"
	StopReasonMaxTokens    StopReason = "max_tokens"
	StopReasonStopSequence StopReason = "stop_sequence"
	StopReasonToolUse      StopReason = "tool_use"
)

// Usage represents token usage information for the Anthropic Messages API response.
// https://docs.claude.com/en/api/messages#response-usage
type Usage struct {
	// InputTokens is the number of input tokens which were used.
	InputTokens int64 `json:"input_tokens"`
	// OutputTokens is the number of output tokens which were used.
	OutputTokens int64 `json:"output_tokens"`
}

// CountTokensResponse represents a response from the count tokens endpoint.
// https://docs.claude.com/en/api/messages-count-tokens
type CountTokensResponse struct {
	InputTokens int64 `json:"input_tokens"`
}

// MessagesStreamEvent represents a single event in the streaming response from
// the Anthropic Messages API.
// https://docs.claude.com/en/docs/build-with-claude/streaming
type MessagesStreamEvent struct {
	Type MessagesStreamEventType
	// MessageStart is present if the event type is "message_start".
	MessageStart *MessagesResponse
	// MessageDelta is present if the event type is "message_delta".
	MessageDelta *MessageDeltaEvent
	// ContentBlockStart is present if the event type is "content_block_start".
	ContentBlockStart *ContentBlockStartEvent
	// ContentBlockDelta is present if the event type is "content_block_delta".
	ContentBlockDelta *ContentBlockDeltaEvent
	// ContentBlockStop is present if the event type is "content_block_stop".
	ContentBlockStop *ContentBlockStopEvent
}

// MessagesStreamEventType represents the type of a streaming event.
// https://docs.claude.com/en/docs/build-with-claude/streaming#event-types
type MessagesStreamEventType string

const (
	StreamEventTypeMessageStart      MessagesStreamEventType = "message_start"
	StreamEventTypeMessageDelta      MessagesStreamEventType = "message_delta"
	StreamEventTypeMessageStop       MessagesStreamEventType = "message_stop"
	StreamEventTypeContentBlockStart MessagesStreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta MessagesStreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  MessagesStreamEventType = "content_block_stop"
	StreamEventTypePing              MessagesStreamEventType = "ping"
)

type (
	// ContentBlockStartEvent opens a content block at the given index.
	ContentBlockStartEvent struct {
		Type         MessagesStreamEventType `json:"type"` // Always "content_block_start".
		Index        int                     `json:"index"`
		ContentBlock MessagesContentBlock    `json:"content_block"`
	}
	// ContentBlockDeltaEvent carries an incremental update for a block.
	ContentBlockDeltaEvent struct {
		Type  MessagesStreamEventType `json:"type"` // Always "content_block_delta".
		Index int                     `json:"index"`
		Delta ContentBlockDelta       `json:"delta"`
	}
	// ContentBlockStopEvent closes a content block.
	ContentBlockStopEvent struct {
		Type  MessagesStreamEventType `json:"type"` // Always "content_block_stop".
		Index int                     `json:"index"`
	}
	// MessageDeltaEvent carries top-level message changes and cumulative usage.
	MessageDeltaEvent struct {
		Type  MessagesStreamEventType `json:"type"` // Always "message_delta".
		Delta MessageDelta            `json:"delta"`
		Usage Usage                   `json:"usage"`
	}
)

// MessageDelta is the delta payload of a "message_delta" event.
type MessageDelta struct {
	StopReason   *StopReason `json:"stop_reason,omitempty"`
	StopSequence *string     `json:"stop_sequence,omitempty"`
}

// ContentBlockDelta is the delta payload of a "content_block_delta" event.
type ContentBlockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// Content block delta types.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

func (m *MessagesStreamEvent) UnmarshalJSON(data []byte) error {
	eventType := gjson.GetBytes(data, "type")
	if !eventType.Exists() {
		return fmt.Errorf("missing type field in stream event")
	}
	m.Type = MessagesStreamEventType(eventType.String())
	switch m.Type {
	case StreamEventTypeMessageStart:
		messageBytes := gjson.GetBytes(data, "message")
		r := strings.NewReader(messageBytes.Raw)
		var message MessagesResponse
		if err := json.NewDecoder(r).Decode(&message); err != nil {
			return fmt.Errorf("failed to unmarshal message in stream event: %w", err)
		}
		m.MessageStart = &message
	case StreamEventTypeMessageDelta:
		var delta MessageDeltaEvent
		if err := json.Unmarshal(data, &delta); err != nil {
			return fmt.Errorf("failed to unmarshal message delta in stream event: %w", err)
		}
		m.MessageDelta = &delta
	case StreamEventTypeMessageStop, StreamEventTypePing:
		// No payload beyond the type.
	case StreamEventTypeContentBlockStart:
		var start ContentBlockStartEvent
		if err := json.Unmarshal(data, &start); err != nil {
			return fmt.Errorf("failed to unmarshal content block start in stream event: %w", err)
		}
		m.ContentBlockStart = &start
	case StreamEventTypeContentBlockDelta:
		var delta ContentBlockDeltaEvent
		if err := json.Unmarshal(data, &delta); err != nil {
			return fmt.Errorf("failed to unmarshal content block delta in stream event: %w", err)
		}
		m.ContentBlockDelta = &delta
	case StreamEventTypeContentBlockStop:
		var stop ContentBlockStopEvent
		if err := json.Unmarshal(data, &stop); err != nil {
			return fmt.Errorf("failed to unmarshal content block stop in stream event: %w", err)
		}
		m.ContentBlockStop = &stop
	default:
		return fmt.Errorf("unknown stream event type: %s", m.Type)
	}
	return nil
}

// ErrorResponse represents an error response from the Anthropic API.
// https://platform.claude.com/docs/en/api/errors
type ErrorResponse struct {
	// Type is always "error".
	Type  string               `json:"type"`
	Error ErrorResponseMessage `json:"error"`
}

// ErrorResponseMessage represents the error message in an Anthropic API error
// response which corresponds to the HTTP status code.
// https://platform.claude.com/docs/en/api/errors#http-errors
type ErrorResponseMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error types defined by the Anthropic API, keyed by the HTTP status code they
// accompany.
const (
	ErrorTypeInvalidRequest     = "invalid_request_error" // 400
	ErrorTypeAuthentication     = "authentication_error"  // 401
	ErrorTypePermission         = "permission_error"      // 403
	ErrorTypeNotFound           = "not_found_error"       // 404
	ErrorTypeRequestTooLarge    = "request_too_large"     // 413
	ErrorTypeRateLimit          = "rate_limit_error"      // 429
	ErrorTypeAPIError           = "api_error"             // 500
	ErrorTypeServiceUnavailable = "service_unavailable_error"
	ErrorTypeOverloaded         = "overloaded_error" // 529
)

// NewErrorResponse builds an Anthropic-shaped error body.
func NewErrorResponse(errType, message string) *ErrorResponse {
	return &ErrorResponse{
		Type:  "error",
		Error: ErrorResponseMessage{Type: errType, Message: message},
	}
}
