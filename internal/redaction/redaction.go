// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package redaction scrubs credential-shaped material out of debug artifacts
// and folds sensitive strings into stable placeholders for logs. It runs only
// when an artifact is written, never on the request path.
package redaction

import (
	"fmt"
	"hash/crc32"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pipegate/pipegate/internal/json"
)

// Filtered replaces credential-shaped values in debug artifacts.
const Filtered = "[FILTERED]"

var (
	// sensitiveKeyRE names the members whose values never reach an artifact,
	// whatever their type. token only counts at a word edge so counter fields
	// such as max_tokens or input_tokens stay readable.
	sensitiveKeyRE = regexp.MustCompile(`(?i)api[_-]?key|authorization|secret|password|(?:^|[_-])token(?:$|[_-])`)

	// bearerRE matches Authorization-style scheme plus credential embedded in
	// a string value.
	bearerRE = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)

	// blobRE matches unbroken base64 or hex runs long enough to be key
	// material rather than prose.
	blobRE = regexp.MustCompile(`[A-Za-z0-9+/_-]{48,}={0,2}|\b[0-9a-fA-F]{40,}\b`)
)

// RedactJSON returns a copy of data with sensitive content replaced by
// Filtered. A member whose key matches sensitiveKeyRE loses its entire value,
// nested or not. String values anywhere lose embedded bearer credentials and
// long base64 or hex runs. Input that is not valid JSON comes back untouched.
func RedactJSON(data []byte) []byte {
	if !gjson.ValidBytes(data) {
		return data
	}
	root := gjson.ParseBytes(data)
	if root.IsObject() || root.IsArray() {
		out := make([]byte, len(data))
		copy(out, data)
		return redactNode(out, "", root)
	}
	if root.Type == gjson.String {
		if s := scrubString(root.Str); s != root.Str {
			if quoted, err := json.Marshal(s); err == nil {
				return quoted
			}
		}
	}
	return data
}

// redactNode walks one object or array, rewriting out as it goes. Paths name
// nodes of the original document; every edit lands on a disjoint subtree, so
// earlier edits never invalidate later paths.
func redactNode(out []byte, prefix string, node gjson.Result) []byte {
	node.ForEach(func(key, value gjson.Result) bool {
		var seg string
		if key.Type == gjson.String {
			seg = escapeSegment(key.Str)
		} else {
			seg = strconv.Itoa(int(key.Num))
		}
		path := seg
		if prefix != "" {
			path = prefix + "." + seg
		}
		if key.Type == gjson.String && sensitiveKeyRE.MatchString(key.Str) {
			if next, err := sjson.SetBytes(out, path, Filtered); err == nil {
				out = next
			}
			return true
		}
		switch {
		case value.IsObject() || value.IsArray():
			out = redactNode(out, path, value)
		case value.Type == gjson.String:
			if s := scrubString(value.Str); s != value.Str {
				if next, err := sjson.SetBytes(out, path, s); err == nil {
					out = next
				}
			}
		}
		return true
	})
	return out
}

// scrubString rewrites the two value patterns inside s.
func scrubString(s string) string {
	if s == "" {
		return s
	}
	s = bearerRE.ReplaceAllString(s, Filtered)
	return blobRE.ReplaceAllString(s, Filtered)
}

// ScrubText rewrites embedded bearer credentials and long key-shaped runs in
// s, keeping the surrounding prose readable. Client-facing error messages go
// through here; upstream bodies occasionally echo credential material back.
func ScrubText(s string) string {
	return scrubString(s)
}

// escapeSegment quotes a member name so the path engine takes it literally.
// All-digit names need the colon form to stay object keys instead of array
// indexes.
func escapeSegment(key string) string {
	if key != "" && strings.Trim(key, "0123456789") == "" {
		return ":" + key
	}
	if !strings.ContainsAny(key, `.*?|#@:\`) {
		return key
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '.', '*', '?', '|', '#', '@', ':', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

// ComputeContentHash returns a short fingerprint for content so logs can
// correlate identical payloads without storing them. CRC32 keeps it cheap on
// large message bodies; the hash is a correlation aid, not a security
// boundary.
//
// Returns an 8-character hex string.
func ComputeContentHash(s string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(s)))
}

// RedactString folds a sensitive string down to its length and fingerprint,
// which keeps log lines comparable across credential rotations without
// exposing the value.
//
// Format: [REDACTED LENGTH=n HASH=xxxxxxxx]
func RedactString(s string) string {
	if s == "" {
		return ""
	}
	return fmt.Sprintf("[REDACTED LENGTH=%d HASH=%s]", len(s), ComputeContentHash(s))
}
