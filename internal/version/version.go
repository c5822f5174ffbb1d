// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package version

// Version is the current version of build. This is populated by the Go linker
// and remains "dev" for builds made outside the release tooling.
var Version = "dev"
