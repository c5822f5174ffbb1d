// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package redaction

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pipegate/pipegate/internal/json"
)

func TestComputeContentHash(t *testing.T) {
	h := ComputeContentHash("hello world")
	require.Len(t, h, 8)
	require.Equal(t, h, ComputeContentHash("hello world"))
	require.NotEqual(t, h, ComputeContentHash("hello worlz"))
}

func TestRedactString(t *testing.T) {
	require.Empty(t, RedactString(""))

	s := "sk-ant-very-secret"
	got := RedactString(s)
	require.Equal(t, "[REDACTED LENGTH=18 HASH="+ComputeContentHash(s)+"]", got)
	require.NotContains(t, got, "secret")
}

func TestScrubText(t *testing.T) {
	require.Empty(t, ScrubText(""))
	require.Equal(t, "plain error text", ScrubText("plain error text"))

	got := ScrubText("upstream rejected Bearer sk-or-v1-abcdef: invalid key")
	require.Equal(t, "upstream rejected [FILTERED]: invalid key", got)

	blob := strings.Repeat("a1B2", 13)
	require.Equal(t, "key [FILTERED] expired", ScrubText("key "+blob+" expired"))
}

func TestRedactJSON_SensitiveKeys(t *testing.T) {
	in := []byte(`{
		"api_key": "sk-live-123",
		"Authorization": "Bearer abc",
		"client_secret": "hunter2",
		"password": "pw",
		"access_token": "at-1",
		"refresh_token": "rt-1",
		"token_url": "https://idp.example.com/token",
		"max_tokens": 1024,
		"model": "gpt-4o",
		"usage": {"input_tokens": 10, "output_tokens": 20}
	}`)

	out := RedactJSON(in)

	for _, key := range []string{
		"api_key", "Authorization", "client_secret", "password",
		"access_token", "refresh_token", "token_url",
	} {
		require.Equal(t, Filtered, gjson.GetBytes(out, key).String(), "key %s", key)
	}

	// Counter fields and ordinary members keep their values.
	require.Equal(t, int64(1024), gjson.GetBytes(out, "max_tokens").Int())
	require.Equal(t, int64(10), gjson.GetBytes(out, "usage.input_tokens").Int())
	require.Equal(t, int64(20), gjson.GetBytes(out, "usage.output_tokens").Int())
	require.Equal(t, "gpt-4o", gjson.GetBytes(out, "model").String())

	// The input is never mutated in place.
	require.Equal(t, "sk-live-123", gjson.GetBytes(in, "api_key").String())
}

func TestRedactJSON_NestedAndArrays(t *testing.T) {
	in := []byte(`{
		"stageExecutions": [
			{"input": {"headers": {"x-api-key": "k-123"}}, "status": "completed"},
			{"output": {"choices": [{"text": "fine"}]}, "status": "completed"}
		]
	}`)

	out := RedactJSON(in)
	require.Equal(t, Filtered, gjson.GetBytes(out, "stageExecutions.0.input.headers.x-api-key").String())
	require.Equal(t, "fine", gjson.GetBytes(out, "stageExecutions.1.output.choices.0.text").String())
	require.Equal(t, "completed", gjson.GetBytes(out, "stageExecutions.0.status").String())
}

func TestRedactJSON_SensitiveKeyDropsWholeSubtree(t *testing.T) {
	in := []byte(`{"authorization": {"scheme": "Bearer", "credential": "x"}, "kept": true}`)

	out := RedactJSON(in)
	auth := gjson.GetBytes(out, "authorization")
	require.Equal(t, Filtered, auth.String())
	require.False(t, auth.IsObject())
	require.True(t, gjson.GetBytes(out, "kept").Bool())
}

func TestRedactJSON_ValuePatterns(t *testing.T) {
	longHex := strings.Repeat("a0", 20)  // 40 chars
	longBlob := strings.Repeat("Zz", 24) // 48 chars, not hex

	tests := []struct {
		name     string
		value    string
		filtered bool
	}{
		{name: "bearer credential", value: "retry with Bearer abc.123-xyz next time", filtered: true},
		{name: "uppercase scheme", value: "BEARER tok_0", filtered: true},
		{name: "long hex run", value: "digest " + longHex + " end", filtered: true},
		{name: "long base64 run", value: longBlob, filtered: true},
		{name: "short hex run", value: strings.Repeat("a", 39), filtered: false},
		{name: "short base64 run", value: strings.Repeat("z", 47), filtered: false},
		{name: "prose", value: "the capital of France is Paris", filtered: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in, err := json.Marshal(map[string]string{"note": tc.value})
			require.NoError(t, err)

			got := gjson.GetBytes(RedactJSON(in), "note").String()
			if tc.filtered {
				require.Contains(t, got, Filtered)
				require.NotEqual(t, tc.value, got)
			} else {
				require.Equal(t, tc.value, got)
			}
		})
	}
}

func TestRedactJSON_PathMetacharacters(t *testing.T) {
	in := []byte(`{"fav.movie": "Bearer zzz.yyy", "123": {"api_key": "sk"}, "a:b": "Bearer q1"}`)

	out := RedactJSON(in)
	require.Equal(t, Filtered, gjson.GetBytes(out, `fav\.movie`).String())
	require.Equal(t, Filtered, gjson.GetBytes(out, "123.api_key").String())
	require.Equal(t, Filtered, gjson.GetBytes(out, `a\:b`).String())
}

func TestRedactJSON_TopLevelValues(t *testing.T) {
	require.Equal(t, `"`+Filtered+`"`, string(RedactJSON([]byte(`"Bearer abc"`))))
	require.Equal(t, `42`, string(RedactJSON([]byte(`42`))))
}

func TestRedactJSON_InvalidJSONUntouched(t *testing.T) {
	in := []byte("Bearer abc, not json {")
	require.Equal(t, in, RedactJSON(in))
}

func TestRedactJSON_Idempotent(t *testing.T) {
	in := []byte(`{"api_key": "sk", "note": "Bearer abc"}`)
	once := RedactJSON(in)
	require.Equal(t, string(once), string(RedactJSON(once)))
}
