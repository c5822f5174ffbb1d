// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package server is the HTTP front end. It speaks the Anthropic Messages API
// to clients, resolves a route for every request, and drives the routed
// pipeline, relaying buffered responses as JSON and streamed ones as SSE.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/config"
	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/metrics"
	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/router"
	"github.com/pipegate/pipegate/internal/tracing"
)

const httpSource = "http"

// maxRequestBytes caps request bodies, mirroring the Anthropic API limit.
const maxRequestBytes = 32 << 20

// Executor is the slice of the pipeline manager the front end drives.
type Executor interface {
	Execute(ctx context.Context, id string, payload *pipeline.Payload) (*pipeline.Payload, error)
	PipelineForRoute(route string) (string, bool)
	HealthCheck() pipeline.HealthReport
}

// Server handles the client-facing endpoints. One instance serves all
// requests; per-request state lives on the handler stack.
type Server struct {
	logger   *slog.Logger
	exec     Executor
	selector *router.Selector
	table    *config.RoutingTable
	messages metrics.MessagesFactory
	tracer   tracing.MessagesTracer
}

// New builds the front end over an assembled pipeline set.
func New(logger *slog.Logger, exec Executor, selector *router.Selector, table *config.RoutingTable,
	factory metrics.MessagesFactory, tracer tracing.MessagesTracer,
) *Server {
	return &Server{
		logger:   logger,
		exec:     exec,
		selector: selector,
		table:    table,
		messages: factory,
		tracer:   tracer,
	}
}

// Handler returns the route table for the main listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.handleMessages)
	mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mm := s.messages()
	mm.StartRequest()

	req, aerr := s.decodeMessages(w, r)
	if aerr != nil {
		s.reject(ctx, w, mm, nil, aerr)
		return
	}
	mm.SetModel(req.Model)

	ctx, span := s.tracer.StartSpan(ctx, r.Header, req)

	// An explicit "provider,model" in the model field addresses a target
	// directly; everything else goes through feature-based selection.
	var route string
	if strings.Contains(req.Model, ",") {
		target, err := config.ParseTarget(req.Model)
		if err != nil {
			s.reject(ctx, w, mm, span, badRequest("%v", err))
			return
		}
		mm.SetModel(target.Model)
		resolved, ok := s.selector.RouteForTarget(target)
		if !ok {
			s.reject(ctx, w, mm, span, &apiError{
				status:  http.StatusNotFound,
				errType: anthropic.ErrorTypeNotFound,
				message: fmt.Sprintf("no route serves model %q", req.Model),
			})
			return
		}
		route = resolved
	} else {
		route = s.selector.SelectRoute(router.FeaturesOf(req))
	}
	if target, ok := s.table.Routes[route]; ok {
		mm.SetProvider(target.Provider)
	}

	pipelineID, ok := s.exec.PipelineForRoute(route)
	if !ok {
		s.finishWithError(ctx, w, mm, span,
			pipeline.NewError(pipeline.KindPipelineNotFound, httpSource, "no pipeline serves route %q", route))
		return
	}
	if span != nil {
		span.RecordRouting(route, pipelineID)
	}

	payload := &pipeline.Payload{
		RequestID: uuid.NewString(),
		Anthropic: req,
		Stream:    req.Stream,
	}
	s.logger.Debug("request routed",
		slog.String("requestId", payload.RequestID),
		slog.String("route", route),
		slog.String("pipeline", pipelineID),
		slog.Bool("stream", req.Stream))

	out, err := s.exec.Execute(ctx, pipelineID, payload)
	if err != nil {
		s.finishWithError(ctx, w, mm, span, err)
		return
	}
	if out.Stream && out.Events != nil {
		s.streamResponse(ctx, w, out, mm, span)
		return
	}
	s.writeResult(ctx, w, out, mm, span)
}

// decodeMessages reads and validates the request body shared by the messages
// and count_tokens endpoints.
func (s *Server) decodeMessages(w http.ResponseWriter, r *http.Request) (*anthropic.MessagesRequest, *apiError) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &apiError{
				status:  http.StatusRequestEntityTooLarge,
				errType: anthropic.ErrorTypeRequestTooLarge,
				message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return nil, badRequest("reading request body failed: %v", err)
	}
	req := &anthropic.MessagesRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		return nil, badRequest("request body is not valid JSON: %v", err)
	}
	if req.Model == "" {
		return nil, badRequest("model: field required")
	}
	if len(req.Messages) == 0 {
		return nil, badRequest("messages: at least one message is required")
	}
	return req, nil
}

// writeResult writes a buffered pipeline response.
func (s *Server) writeResult(ctx context.Context, w http.ResponseWriter, p *pipeline.Payload, mm metrics.Messages, span tracing.MessagesSpan) {
	if p.Result == nil {
		s.finishWithError(ctx, w, mm, span,
			pipeline.NewError(pipeline.KindInternalError, httpSource, "pipeline returned no response"))
		return
	}
	s.writeJSON(w, http.StatusOK, p.Result)
	usage := p.Result.Usage
	mm.RecordTokenUsage(ctx, uint32(usage.InputTokens), uint32(usage.OutputTokens),
		uint32(usage.InputTokens+usage.OutputTokens))
	mm.RecordRequestCompletion(ctx, nil)
	if span != nil {
		span.RecordResponse(p.Result)
		span.EndSpan()
	}
}

// handleCountTokens estimates the input token count without running a
// pipeline. The estimate matches what route selection uses.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	req, aerr := s.decodeMessages(w, r)
	if aerr != nil {
		s.writeErrorBody(w, aerr.status, anthropic.NewErrorResponse(aerr.errType, aerr.message))
		return
	}
	s.writeJSON(w, http.StatusOK, &anthropic.CountTokensResponse{InputTokens: router.EstimateTokens(req)})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := s.exec.HealthCheck()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("response marshal failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
