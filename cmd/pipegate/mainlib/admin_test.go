// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package mainlib

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	prometheusmodel "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/pipeline"
)

func TestStartAdminServer_Metrics(t *testing.T) {
	tests := []struct {
		name           string
		metricFamilies []*prometheusmodel.MetricFamily
		expectedBody   string
	}{
		{
			name: "one request recorded",
			metricFamilies: []*prometheusmodel.MetricFamily{
				{
					Name: proto.String("gen_ai_client_token_usage_token"),
					Help: proto.String("Number of tokens processed."),
					Type: prometheusmodel.MetricType_COUNTER.Enum(),
					Metric: []*prometheusmodel.Metric{
						{
							Label: []*prometheusmodel.LabelPair{
								{Name: proto.String("gen_ai_operation_name"), Value: proto.String("messages")},
								{Name: proto.String("gen_ai_provider_name"), Value: proto.String("openrouter")},
							},
							Counter: &prometheusmodel.Counter{Value: proto.Float64(44)},
						},
					},
				},
			},
			expectedBody: `# HELP gen_ai_client_token_usage_token Number of tokens processed.
# TYPE gen_ai_client_token_usage_token counter
gen_ai_client_token_usage_token{gen_ai_operation_name="messages",gen_ai_provider_name="openrouter"} 44
`,
		},
		{
			name:           "no metrics - no requests made yet",
			metricFamilies: []*prometheusmodel.MetricFamily{},
			expectedBody:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lis, err := listen(t.Context(), t.Name(), "127.0.0.1:0")
			require.NoError(t, err)
			defer lis.Close() //nolint:errcheck

			mockRegistry := &mockPrometheusGatherer{metricFamilies: tt.metricFamilies}
			s := startAdminServer(lis, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})), mockRegistry, &mockHealthChecker{})
			defer s.Shutdown(context.Background()) //nolint:errcheck

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			s.Handler.ServeHTTP(rr, req)

			require.Equal(t, http.StatusOK, rr.Code)
			require.Equal(t, tt.expectedBody, rr.Body.String())
		})
	}
}

// A nil registry means metrics export goes over OTLP; the scrape endpoint is
// not installed at all.
func TestStartAdminServer_MetricsDisabled(t *testing.T) {
	lis, err := listen(t.Context(), t.Name(), "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close() //nolint:errcheck

	s := startAdminServer(lis, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})), nil, &mockHealthChecker{})
	defer s.Shutdown(context.Background()) //nolint:errcheck

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStartAdminServer_Health(t *testing.T) {
	tests := []struct {
		name               string
		report             pipeline.HealthReport
		expectedStatusCode int
	}{
		{
			name: "healthy - at least one pipeline dispatchable",
			report: pipeline.HealthReport{
				Healthy: true,
				Pipelines: []pipeline.PipelineHealth{
					{PipelineID: "openrouter_gpt-4o_default", RouteID: "default", Status: pipeline.StatusRuntime, Healthy: true},
					{PipelineID: "openrouter_gpt-4o-mini_background", RouteID: "background", Status: pipeline.StatusQuarantined, Reason: "auth_failure", Healthy: false},
				},
			},
			expectedStatusCode: http.StatusOK,
		},
		{
			name: "unhealthy - everything quarantined",
			report: pipeline.HealthReport{
				Pipelines: []pipeline.PipelineHealth{
					{PipelineID: "openrouter_gpt-4o_default", RouteID: "default", Status: pipeline.StatusQuarantined, Reason: "auth_failure", Healthy: false},
				},
			},
			expectedStatusCode: http.StatusServiceUnavailable,
		},
		{
			name:               "unhealthy - no pipelines",
			report:             pipeline.HealthReport{},
			expectedStatusCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lis, err := listen(t.Context(), t.Name(), "127.0.0.1:0")
			require.NoError(t, err)
			defer lis.Close() //nolint:errcheck

			s := startAdminServer(lis, slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})), nil, &mockHealthChecker{report: tt.report})
			defer s.Shutdown(context.Background()) //nolint:errcheck

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			s.Handler.ServeHTTP(rr, req)

			require.Equal(t, tt.expectedStatusCode, rr.Code)
			require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			var got pipeline.HealthReport
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			require.Equal(t, tt.report, got)
		})
	}
}

type mockPrometheusGatherer struct {
	metricFamilies []*prometheusmodel.MetricFamily
}

func (m *mockPrometheusGatherer) Gather() ([]*prometheusmodel.MetricFamily, error) {
	return m.metricFamilies, nil
}

type mockHealthChecker struct {
	report pipeline.HealthReport
}

func (m *mockHealthChecker) HealthCheck() pipeline.HealthReport { return m.report }
