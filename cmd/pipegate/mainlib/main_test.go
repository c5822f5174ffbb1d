// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mainlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pipegate/pipegate/internal/pipeline"
)

func Test_parseAndValidateFlags(t *testing.T) {
	t.Run("ok serveFlags", func(t *testing.T) {
		for _, tc := range []struct {
			name           string
			args           []string
			configPath     string
			credentialsDir string
			adminPort      int
			logLevel       slog.Level
		}{
			{
				name:       "minimal serveFlags",
				args:       []string{"-configPath", "/path/to/config.yaml"},
				configPath: "/path/to/config.yaml",
				adminPort:  1064,
				logLevel:   slog.LevelInfo,
			},
			{
				name:       "log level debug",
				args:       []string{"-configPath", "/path/to/config.yaml", "-logLevel", "debug"},
				configPath: "/path/to/config.yaml",
				adminPort:  1064,
				logLevel:   slog.LevelDebug,
			},
			{
				name:       "log level warn",
				args:       []string{"-configPath", "/path/to/config.yaml", "-logLevel", "warn"},
				configPath: "/path/to/config.yaml",
				adminPort:  1064,
				logLevel:   slog.LevelWarn,
			},
			{
				name:       "log level error",
				args:       []string{"-configPath", "/path/to/config.yaml", "-logLevel", "error"},
				configPath: "/path/to/config.yaml",
				adminPort:  1064,
				logLevel:   slog.LevelError,
			},
			{
				name: "all serveFlags",
				args: []string{
					"-configPath", "/path/to/config.yaml",
					"-credentialsDir", "/path/to/creds",
					"-logLevel", "debug",
					"-adminPort", "9010",
				},
				configPath:     "/path/to/config.yaml",
				credentialsDir: "/path/to/creds",
				adminPort:      9010,
				logLevel:       slog.LevelDebug,
			},
		} {
			t.Run(tc.name, func(t *testing.T) {
				flags, err := parseAndValidateFlags(tc.args)
				require.NoError(t, err)
				require.Equal(t, tc.configPath, flags.configPath)
				require.Equal(t, tc.credentialsDir, flags.credentialsDir)
				require.Equal(t, tc.adminPort, flags.adminPort)
				require.Equal(t, tc.logLevel, flags.logLevel)
			})
		}
	})

	t.Run("invalid serveFlags", func(t *testing.T) {
		_, err := parseAndValidateFlags([]string{"-logLevel", "invalid"})
		require.EqualError(t, err,
			"configPath must be provided\nfailed to unmarshal log level: slog: level string \"invalid\": unknown name")
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		exp  int
	}{
		{name: "nil", err: nil, exp: 0},
		{name: "flag failure", err: fmt.Errorf("%w: configPath must be provided", errConfig), exp: 2},
		{name: "config kind", err: pipeline.NewError(pipeline.KindConfigError, "config", "version is required"), exp: 2},
		{name: "router config kind", err: pipeline.NewError(pipeline.KindRouterConfigError, "router", "bad rule"), exp: 2},
		{name: "no pipelines", err: fmt.Errorf("%w: 3 configured", errNoPipelines), exp: 3},
		{name: "bind failure", err: fmt.Errorf("%w for api server", errListen), exp: 4},
		{name: "anything else", err: errors.New("boom"), exp: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.exp, ExitCode(tt.err))
		})
	}
}

func TestMain_startupFailures(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		exitCode int
	}{
		{
			name:     "no flags",
			args:     nil,
			exitCode: 2,
		},
		{
			name:     "missing config file",
			args:     []string{"-configPath", filepath.Join(t.TempDir(), "nope.yaml")},
			exitCode: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Main(t.Context(), tt.args, io.Discard)
			require.Error(t, err)
			require.Equal(t, tt.exitCode, ExitCode(err))
		})
	}
}

func TestMain_bindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close() //nolint:errcheck
	port := taken.Addr().(*net.TCPAddr).Port

	configPath := writeConfig(t, port)
	err = Main(t.Context(), []string{"-configPath", configPath, "-adminPort", strconv.Itoa(requireAvailablePort(t))}, io.Discard)
	require.ErrorIs(t, err, errListen)
	require.Equal(t, 4, ExitCode(err))
}

// TestMain_servesHealth boots the whole process against a synthetic config
// and watches both listeners come up.
func TestMain_servesHealth(t *testing.T) {
	t.Setenv("OTEL_METRICS_EXPORTER", "prometheus")
	apiPort := requireAvailablePort(t)
	adminPort := requireAvailablePort(t)
	configPath := writeConfig(t, apiPort)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Main(ctx, []string{
			"-configPath", configPath,
			"-adminPort", strconv.Itoa(adminPort),
		}, os.Stderr)
	}()

	client := &http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", apiPort))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond, "api listener never became healthy")

	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", adminPort))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", adminPort))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// The resource always gathers even before the first request lands.
	require.Contains(t, string(body), "target_info")

	cancel()
	require.NoError(t, <-errCh)
}

func writeConfig(t *testing.T, apiPort int) string {
	t.Helper()
	doc := fmt.Sprintf(`
version: "4.0"
server:
  port: %d
  host: 127.0.0.1
Providers:
  - name: openrouter
    api_base_url: http://127.0.0.1:1/v1
    api_key: sk-test
    models:
      - gpt-4o
router:
  default: "openrouter,gpt-4o"
`, apiPort)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func requireAvailablePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
