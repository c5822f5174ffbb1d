// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"io"
	"strconv"

	"github.com/pipegate/pipegate/cmd/pipegate/mainlib"
)

// serveMain is swappable for tests.
var serveMain = mainlib.Main

// run translates the kong command into mainlib flags and blocks until the
// gateway exits.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	args := []string{
		"-configPath", c.Path,
		"-logLevel", c.LogLevel,
		"-adminPort", strconv.Itoa(c.AdminPort),
	}
	if c.CredentialsDir != "" {
		args = append(args, "-credentialsDir", c.CredentialsDir)
	}
	return serveMain(ctx, args, stderr)
}
