// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseEvent holds parsed Anthropic SSE event data.
type sseEvent struct {
	eventType string
	data      string
}

// parseSSEEvents parses raw Anthropic SSE output into individual events.
func parseSSEEvents(output []byte) []sseEvent {
	var events []sseEvent
	for block := range bytes.SplitSeq(output, []byte("\n\n")) {
		block = bytes.TrimSpace(block)
		if len(block) == 0 {
			continue
		}
		var e sseEvent
		for line := range bytes.SplitSeq(block, []byte("\n")) {
			if after, ok := bytes.CutPrefix(line, []byte("event: ")); ok {
				e.eventType = string(after)
			} else if after, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				e.data = string(after)
			}
		}
		if e.eventType != "" || e.data != "" {
			events = append(events, e)
		}
	}
	return events
}

// translateAll feeds a sequence of upstream data payloads and collects the
// emitted Anthropic events.
func translateAll(t *testing.T, s *StreamTranslator, payloads ...string) []byte {
	t.Helper()
	var out []byte
	for _, p := range payloads {
		b, err := s.Translate([]byte(p))
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func TestStreamTranslator_TextStream(t *testing.T) {
	s := NewStreamTranslator("claude-3-haiku")

	// Chunk 1: text delta → message_start + content_block_start + content_block_delta.
	// Chunk 2: finish_reason → stores stop reason.
	// Chunk 3: usage-only → content_block_stop + message_delta + message_stop.
	// [DONE]: already closed, emits nothing.
	out := translateAll(t, s,
		`{"id":"chatcmpl-xyz","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello!"}}],"model":"gpt-4o"}`,
		`{"id":"chatcmpl-xyz","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-xyz","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5}}`,
		`[DONE]`,
	)

	events := parseSSEEvents(out)
	require.Len(t, events, 6)
	assert.Equal(t, "message_start", events[0].eventType)
	assert.Equal(t, "content_block_start", events[1].eventType)
	assert.Equal(t, "content_block_delta", events[2].eventType)
	assert.Equal(t, "content_block_stop", events[3].eventType)
	assert.Equal(t, "message_delta", events[4].eventType)
	assert.Equal(t, "message_stop", events[5].eventType)

	require.JSONEq(t, `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`, events[1].data)
	require.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello!"}}`, events[2].data)
	require.JSONEq(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}`, events[4].data)
	require.JSONEq(t, `{"type":"message_stop"}`, events[5].data)

	// Model taken from the chunks, usage from the usage chunk.
	assert.Equal(t, "gpt-4o", s.Model())
	assert.Equal(t, int64(10), s.Usage().InputTokens)
	assert.Equal(t, int64(5), s.Usage().OutputTokens)
}

func TestStreamTranslator_MessageStartModelFallback(t *testing.T) {
	s := NewStreamTranslator("claude-3-haiku")
	out := translateAll(t, s,
		`{"id":"chatcmpl-1","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
	)
	events := parseSSEEvents(out)
	require.NotEmpty(t, events)
	assert.Equal(t, "message_start", events[0].eventType)
	assert.Contains(t, events[0].data, `"model":"claude-3-haiku"`)
	assert.Equal(t, "claude-3-haiku", s.Model())
}

func TestStreamTranslator_ToolCallStream(t *testing.T) {
	s := NewStreamTranslator("claude-3-haiku")

	// Text first, then a tool call: the text block closes at index 0 and the
	// tool_use block opens at index 1. Arguments stream incrementally.
	out := translateAll(t, s,
		`{"id":"chatcmpl-t","choices":[{"index":0,"delta":{"content":"Let me check."}}]}`,
		`{"id":"chatcmpl-t","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_w1","type":"function","function":{"name":"get_weather","arguments":""}}]}}]}`,
		`{"id":"chatcmpl-t","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"location\":"}}]}}]}`,
		`{"id":"chatcmpl-t","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"SF\"}"}}]}}]}`,
		`{"id":"chatcmpl-t","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"chatcmpl-t","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":15}}`,
	)

	events := parseSSEEvents(out)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.eventType
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text at index 0
		"content_block_delta",
		"content_block_stop", // text closes
		"content_block_start", // tool_use at index 1
		"content_block_delta", // first argument fragment
		"content_block_delta", // second argument fragment
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, types)

	require.JSONEq(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"call_w1","name":"get_weather","input":{}}}`, events[4].data)
	require.JSONEq(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"location\":"}}`, events[5].data)
	require.JSONEq(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"SF\"}"}}`, events[6].data)
	require.JSONEq(t, `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":15}}`, events[8].data)
}

func TestStreamTranslator_SecondToolCallOpensNewBlock(t *testing.T) {
	s := NewStreamTranslator("m")
	out := translateAll(t, s,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"first","arguments":"{}"}}]}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"second","arguments":"{}"}}]}}]}`,
	)
	events := parseSSEEvents(out)
	require.Len(t, events, 6)
	assert.Equal(t, "message_start", events[0].eventType)
	require.JSONEq(t, `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"call_a","name":"first","input":{}}}`, events[1].data)
	assert.Equal(t, "content_block_stop", events[3].eventType)
	require.JSONEq(t, `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"call_b","name":"second","input":{}}}`, events[4].data)
}

func TestStreamTranslator_ThinkingStream(t *testing.T) {
	s := NewStreamTranslator("m")
	out := translateAll(t, s,
		`{"id":"c","choices":[{"index":0,"delta":{"reasoning_content":"pondering"}}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"Answer."}}]}`,
	)
	events := parseSSEEvents(out)
	require.Len(t, events, 6)
	require.JSONEq(t, `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`, events[1].data)
	require.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"pondering"}}`, events[2].data)
	assert.Equal(t, "content_block_stop", events[3].eventType)
	require.JSONEq(t, `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`, events[4].data)
}

func TestStreamTranslator_DoneWithoutUsageChunk(t *testing.T) {
	s := NewStreamTranslator("m")
	out := translateAll(t, s,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`,
		`{"id":"c","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`,
		`[DONE]`,
	)
	events := parseSSEEvents(out)
	require.Len(t, events, 6)
	require.JSONEq(t, `{"type":"message_delta","delta":{"stop_reason":"max_tokens","stop_sequence":null},"usage":{"output_tokens":0}}`, events[4].data)
}

func TestStreamTranslator_FlushClosesUnterminatedStream(t *testing.T) {
	s := NewStreamTranslator("m")
	_ = translateAll(t, s, `{"id":"c","choices":[{"index":0,"delta":{"content":"partial"}}]}`)

	out, err := s.Flush()
	require.NoError(t, err)
	events := parseSSEEvents(out)
	require.Len(t, events, 3)
	assert.Equal(t, "content_block_stop", events[0].eventType)
	assert.Equal(t, "message_delta", events[1].eventType)
	assert.Equal(t, "message_stop", events[2].eventType)

	// Closing is idempotent.
	out, err = s.Flush()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStreamTranslator_MalformedChunksSkipped(t *testing.T) {
	s := NewStreamTranslator("m")
	out, err := s.Translate([]byte(`{"id": truncated`))
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = s.Translate(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestStreamTranslator_UsageOnFinalContentChunk(t *testing.T) {
	// Some compatible servers attach usage to the last content chunk instead
	// of a dedicated usage-only chunk.
	s := NewStreamTranslator("m")
	_ = translateAll(t, s,
		`{"id":"c","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`,
	)
	out, err := s.Flush()
	require.NoError(t, err)
	events := parseSSEEvents(out)
	require.Len(t, events, 3)
	require.JSONEq(t, `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":1}}`, events[1].data)
	assert.Equal(t, int64(3), s.Usage().InputTokens)
}
