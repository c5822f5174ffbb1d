// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"bytes"
	"cmp"
	"fmt"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/apischema/openai"
	"github.com/pipegate/pipegate/internal/json"
)

// doneMessage is the sentinel data payload that terminates an OpenAI stream.
var doneMessage = []byte("[DONE]")

// Content block kinds tracked while a stream is open.
const (
	blockTypeText     = "text"
	blockTypeThinking = "thinking"
	blockTypeToolUse  = "tool_use"
)

// StreamTranslator converts an OpenAI Chat Completions SSE stream into the
// Anthropic Messages event stream: message_start, content_block_start/delta/
// stop per block, message_delta with the stop reason and usage, message_stop.
// Events are emitted in upstream order; tool call arguments stream as
// incremental input_json_delta events without coalescing.
//
// A StreamTranslator serves exactly one stream and is not safe for concurrent
// use.
type StreamTranslator struct {
	requestModel string
	messageID    string
	model        string
	stopReason   anthropic.StopReason
	usage        anthropic.Usage
	started      bool // message_start emitted
	closed       bool // message_delta + message_stop emitted
	blockOpen    bool
	blockType    string
	blockIndex   int
	// tools maps the OpenAI tool_call index to the Anthropic block it streams
	// into.
	tools map[int]*streamToolCall
}

type streamToolCall struct {
	blockIndex int
}

// NewStreamTranslator returns a translator for one streaming exchange.
// requestModel is the fallback for the message_start model field when the
// upstream chunks omit it.
func NewStreamTranslator(requestModel string) *StreamTranslator {
	return &StreamTranslator{
		requestModel: requestModel,
		tools:        make(map[int]*streamToolCall),
	}
}

// Translate consumes one upstream SSE data payload and returns zero or more
// complete Anthropic SSE events. Malformed chunks are dropped; the [DONE]
// sentinel triggers the closing events when the usage chunk has not already.
func (s *StreamTranslator) Translate(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	if bytes.Equal(data, doneMessage) {
		var out []byte
		if err := s.emitClosing(&out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		// Keep-alive noise from compatible servers; skip it.
		return nil, nil
	}
	return s.handleChunk(&chunk)
}

// Flush returns the trailing events when the upstream ends without a usage
// chunk or [DONE] sentinel.
func (s *StreamTranslator) Flush() ([]byte, error) {
	var out []byte
	if err := s.emitClosing(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Usage reports the token usage observed on the stream.
func (s *StreamTranslator) Usage() anthropic.Usage { return s.usage }

// Model reports the upstream model, falling back to the request model.
func (s *StreamTranslator) Model() string { return cmp.Or(s.model, s.requestModel) }

// Response summarizes the stream in buffered form for logging and tracing.
// Fields the upstream never reported stay zero; the stop reason is only set
// once the closing events have gone out.
func (s *StreamTranslator) Response() *anthropic.MessagesResponse {
	resp := &anthropic.MessagesResponse{
		ID:    s.messageID,
		Type:  anthropic.ResponseTypeMessage,
		Role:  "assistant",
		Model: s.Model(),
		Usage: s.usage,
	}
	if s.closed {
		stop := cmp.Or(s.stopReason, anthropic.StopReasonEndTurn)
		resp.StopReason = &stop
	}
	return resp
}

// handleChunk converts a single OpenAI chunk into Anthropic events.
func (s *StreamTranslator) handleChunk(chunk *openai.ChatCompletionChunk) ([]byte, error) {
	if s.messageID == "" && chunk.ID != "" {
		s.messageID = chunk.ID
	}
	if s.model == "" && chunk.Model != "" {
		s.model = chunk.Model
	}
	if chunk.Usage != nil {
		s.usage.InputTokens = chunk.Usage.PromptTokens
		s.usage.OutputTokens = chunk.Usage.CompletionTokens
	}

	var out []byte
	if len(chunk.Choices) == 0 {
		// A usage-only chunk ends the logical message.
		if chunk.Usage != nil {
			if err := s.emitClosing(&out); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	choice := &chunk.Choices[0]
	if !s.started {
		if err := s.emitMessageStart(&out); err != nil {
			return nil, err
		}
	}

	delta := &choice.Delta
	if delta.ReasoningContent != "" {
		if s.blockType != blockTypeThinking {
			if err := s.closeBlock(&out); err != nil {
				return nil, err
			}
			if err := s.openBlock(&out, blockTypeThinking, map[string]any{"type": "thinking", "thinking": ""}); err != nil {
				return nil, err
			}
		}
		if err := s.appendEvent(&out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": delta.ReasoningContent},
		}); err != nil {
			return nil, err
		}
	}
	if delta.Content != nil && *delta.Content != "" {
		if s.blockType != blockTypeText {
			if err := s.closeBlock(&out); err != nil {
				return nil, err
			}
			if err := s.openBlock(&out, blockTypeText, map[string]any{"type": "text", "text": ""}); err != nil {
				return nil, err
			}
		}
		if err := s.appendEvent(&out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": *delta.Content},
		}); err != nil {
			return nil, err
		}
	}
	for i := range delta.ToolCalls {
		if err := s.handleToolCallDelta(&out, &delta.ToolCalls[i]); err != nil {
			return nil, err
		}
	}

	if choice.FinishReason != "" {
		s.stopReason = StopReasonFromFinishReason(choice.FinishReason)
	}
	return out, nil
}

// handleToolCallDelta opens a tool_use block for a new tool call and streams
// its argument fragments as input_json_delta events.
func (s *StreamTranslator) handleToolCallDelta(out *[]byte, tc *openai.ChatCompletionMessageToolCall) error {
	idx := 0
	if tc.Index != nil {
		idx = *tc.Index
	}
	tool, ok := s.tools[idx]
	if !ok {
		if err := s.closeBlock(out); err != nil {
			return err
		}
		id := tc.ID
		if id == "" {
			id = newToolCallID()
		}
		tool = &streamToolCall{blockIndex: s.blockIndex}
		s.tools[idx] = tool
		if err := s.openBlock(out, blockTypeToolUse, map[string]any{
			"type":  "tool_use",
			"id":    id,
			"name":  tc.Function.Name,
			"input": map[string]any{},
		}); err != nil {
			return err
		}
	}
	if tc.Function.Arguments != "" {
		return s.appendEvent(out, "content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": tool.blockIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
		})
	}
	return nil
}

// emitMessageStart emits the message_start event on the first delta.
func (s *StreamTranslator) emitMessageStart(out *[]byte) error {
	s.started = true
	return s.appendEvent(out, "message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         cmp.Or(s.model, s.requestModel),
			"stop_reason":   nil,
			"stop_sequence": nil,
			// Input tokens are not known yet; message_delta reports usage.
			"usage": map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

// openBlock emits content_block_start for a new block at the current index.
func (s *StreamTranslator) openBlock(out *[]byte, blockType string, contentBlock map[string]any) error {
	s.blockOpen = true
	s.blockType = blockType
	return s.appendEvent(out, "content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": contentBlock,
	})
}

// closeBlock emits content_block_stop for the open block, if any, and
// advances the block index.
func (s *StreamTranslator) closeBlock(out *[]byte) error {
	if !s.blockOpen {
		return nil
	}
	if err := s.appendEvent(out, "content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	}); err != nil {
		return err
	}
	s.blockOpen = false
	s.blockType = ""
	s.blockIndex++
	return nil
}

// emitClosing emits content_block_stop (if a block is open), message_delta
// with the stop reason and output tokens, and message_stop. Idempotent.
func (s *StreamTranslator) emitClosing(out *[]byte) error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.closeBlock(out); err != nil {
		return err
	}

	stopReason := s.stopReason
	if stopReason == "" {
		stopReason = anthropic.StopReasonEndTurn
	}
	if err := s.appendEvent(out, "message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]int64{"output_tokens": s.usage.OutputTokens},
	}); err != nil {
		return err
	}
	return s.appendEvent(out, "message_stop", map[string]any{"type": "message_stop"})
}

// appendEvent appends one formatted Anthropic SSE event to the output buffer.
func (s *StreamTranslator) appendEvent(out *[]byte, eventType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	*out = append(*out, "event: "...)
	*out = append(*out, eventType...)
	*out = append(*out, '\n')
	*out = append(*out, "data: "...)
	*out = append(*out, data...)
	*out = append(*out, '\n', '\n')
	return nil
}
