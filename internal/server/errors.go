// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/metrics"
	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/redaction"
	"github.com/pipegate/pipegate/internal/tracing"
	"github.com/pipegate/pipegate/internal/translator"
)

// apiError is a client-facing rejection produced before a pipeline runs:
// malformed bodies, schema violations, unroutable explicit targets.
type apiError struct {
	status  int
	errType string
	message string
}

func (e *apiError) Error() string { return e.message }

func badRequest(format string, args ...any) *apiError {
	return &apiError{
		status:  http.StatusBadRequest,
		errType: anthropic.ErrorTypeInvalidRequest,
		message: fmt.Sprintf(format, args...),
	}
}

// reject writes a pre-pipeline failure and closes out the request's metrics
// and span. The recorded kind is always ValidationError so the error.type
// attribute stays low-cardinality. span is nil before tracing starts.
func (s *Server) reject(ctx context.Context, w http.ResponseWriter, mm metrics.Messages, span tracing.MessagesSpan, e *apiError) {
	s.writeErrorBody(w, e.status, anthropic.NewErrorResponse(e.errType, e.message))
	err := pipeline.NewError(pipeline.KindValidationError, httpSource, "%s", e.message)
	mm.RecordRequestCompletion(ctx, err)
	if span != nil {
		span.EndSpanOnError(err)
	}
}

// finishWithError terminates a request that failed at or past pipeline
// dispatch.
func (s *Server) finishWithError(ctx context.Context, w http.ResponseWriter, mm metrics.Messages, span tracing.MessagesSpan, err error) {
	s.writeExecuteError(w, err)
	mm.RecordRequestCompletion(ctx, err)
	if span != nil {
		span.EndSpanOnError(err)
	}
}

// writeExecuteError maps a pipeline failure onto the wire. Auth failures are
// 401, a missing or quarantined pipeline is 503, an upstream response that
// broke the format contract is 502. Everything else keeps the upstream status
// when the error carries one and falls back to 500.
func (s *Server) writeExecuteError(w http.ResponseWriter, err error) {
	info := pipeline.InfoOf(err)
	switch info.Kind {
	case pipeline.KindAuthError, pipeline.KindAuthRecreate:
		s.writeErrorBody(w, http.StatusUnauthorized,
			anthropic.NewErrorResponse(anthropic.ErrorTypeAuthentication, info.Message))
	case pipeline.KindPipelineUnavailable, pipeline.KindPipelineNotFound:
		s.writeErrorBody(w, http.StatusServiceUnavailable,
			anthropic.NewErrorResponse(anthropic.ErrorTypeServiceUnavailable, info.Message))
	case pipeline.KindValidationError:
		s.writeErrorBody(w, http.StatusBadGateway,
			anthropic.NewErrorResponse(translator.AnthropicErrorTypeForStatus(http.StatusBadGateway), info.Message))
	default:
		if status, body, contentType, ok := upstreamFailure(info); ok {
			s.writeErrorBody(w, status, translator.UpstreamErrorToAnthropic(status, contentType, body))
			return
		}
		s.writeErrorBody(w, http.StatusInternalServerError,
			anthropic.NewErrorResponse(anthropic.ErrorTypeAPIError, info.Message))
	}
}

// upstreamFailure extracts the upstream status and body the server stage
// attaches to dispatch errors. Those pass through so callers see what the
// provider actually said.
func upstreamFailure(info *pipeline.ErrorInfo) (status int, body []byte, contentType string, ok bool) {
	status, ok = info.Context["status"].(int)
	if !ok || status < http.StatusBadRequest {
		return 0, nil, "", false
	}
	if b, bok := info.Context["body"].(string); bok {
		body = []byte(b)
	}
	contentType, _ = info.Context["contentType"].(string)
	return status, body, contentType, true
}

// writeErrorBody serializes one Anthropic-shaped error. Messages run through
// the redaction scrubber; upstream bodies occasionally echo credentials back.
func (s *Server) writeErrorBody(w http.ResponseWriter, status int, body *anthropic.ErrorResponse) {
	body.Error.Message = redaction.ScrubText(body.Error.Message)
	s.writeJSON(w, status, body)
}
