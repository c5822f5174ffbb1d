// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package json routes every JSON encode and decode in the gateway through
// sonic. Under `go test` the std-compatible profile is active instead, so
// fixtures compare byte-for-byte with encoding/json output.
package json

import (
	"testing"

	"github.com/bytedance/sonic" // nolint: depguard
)

// api is the sonic configuration in effect for the process lifetime.
var api = func() sonic.API {
	if testing.Testing() {
		return sonic.ConfigStd
	}
	return sonic.ConfigDefault
}()

var (
	Marshal    = api.Marshal
	Unmarshal  = api.Unmarshal
	NewDecoder = api.NewDecoder
	Valid      = api.Valid
)

// RawMessage defers decoding of a JSON fragment without copying it out of the
// source buffer.
type RawMessage = sonic.NoCopyRawMessage
