// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/pipegate/pipegate/internal/apischema/anthropic"
	"github.com/pipegate/pipegate/internal/json"
	"github.com/pipegate/pipegate/internal/metrics"
	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/redaction"
	"github.com/pipegate/pipegate/internal/tracing"
)

// streamSummary is implemented by event translators that can summarize the
// finished stream for observability.
type streamSummary interface {
	Response() *anthropic.MessagesResponse
}

// streamResponse drives the event translator over the upstream stream and
// relays the translated events. The response status is committed before the
// first byte, so failures past that point surface as a terminal error event.
func (s *Server) streamResponse(ctx context.Context, w http.ResponseWriter, p *pipeline.Payload, mm metrics.Messages, span tracing.MessagesSpan) {
	defer p.Events.Close()

	if p.EventTranslator == nil {
		s.finishWithError(ctx, w, mm, span,
			pipeline.NewError(pipeline.KindInternalError, httpSource, "pipeline returned a stream without a translator"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	first := true
	emit := func(events []byte) {
		if len(events) == 0 {
			return
		}
		if _, err := w.Write(events); err != nil {
			// The client went away; the deferred Close releases the upstream.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if first {
			first = false
			if span != nil {
				span.RecordFirstToken()
			}
		}
		// Upstream chunks almost always carry one token; each flushed batch
		// counts as one token step.
		mm.RecordTokenLatency(ctx, 1)
	}

	reader := newEventReader(p.Events)
	for {
		data, err := reader.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				s.failStream(ctx, w, p.RequestID, mm, span, flusher,
					pipeline.NewError(pipeline.KindCancelledError, httpSource, "client disconnected").WithCause(ctx.Err()))
				return
			}
			s.failStream(ctx, w, p.RequestID, mm, span, flusher,
				pipeline.NewError(pipeline.KindTransportError, httpSource, "upstream stream failed").WithCause(err))
			return
		}
		events, err := p.EventTranslator.Translate(data)
		if err != nil {
			s.failStream(ctx, w, p.RequestID, mm, span, flusher,
				pipeline.NewError(pipeline.KindTransformError, httpSource, "event translation failed").WithCause(err))
			return
		}
		emit(events)
	}
	tail, err := p.EventTranslator.Flush()
	if err != nil {
		s.failStream(ctx, w, p.RequestID, mm, span, flusher,
			pipeline.NewError(pipeline.KindTransformError, httpSource, "event translation failed").WithCause(err))
		return
	}
	emit(tail)

	if sum, ok := p.EventTranslator.(streamSummary); ok {
		resp := sum.Response()
		mm.RecordTokenUsage(ctx, uint32(resp.Usage.InputTokens), uint32(resp.Usage.OutputTokens),
			uint32(resp.Usage.InputTokens+resp.Usage.OutputTokens))
		if span != nil {
			span.RecordResponse(resp)
		}
	}
	mm.RecordRequestCompletion(ctx, nil)
	if span != nil {
		span.EndSpan()
	}
}

// failStream terminates a committed stream with an Anthropic error event.
func (s *Server) failStream(ctx context.Context, w http.ResponseWriter, requestID string, mm metrics.Messages, span tracing.MessagesSpan, flusher http.Flusher, err *pipeline.Error) {
	s.logger.Error("stream aborted",
		slog.String("requestId", requestID),
		slog.String("error", err.Error()))
	resp := anthropic.NewErrorResponse(anthropic.ErrorTypeAPIError, redaction.ScrubText(err.Error()))
	if body, merr := json.Marshal(resp); merr == nil {
		_, _ = w.Write([]byte("event: error\ndata: "))
		_, _ = w.Write(body)
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
	mm.RecordRequestCompletion(ctx, err)
	if span != nil {
		span.EndSpanOnError(err)
	}
}

// lineSeparator is a detected SSE line ending: LF, CR, or CRLF. Events end at
// a blank line, i.e. two consecutive line endings.
type lineSeparator struct {
	field []byte
	event []byte
}

func newLineSeparator(ending []byte) *lineSeparator {
	event := make([]byte, 0, len(ending)*2)
	event = append(event, ending...)
	event = append(event, ending...)
	return &lineSeparator{field: ending, event: event}
}

var (
	sseDataPrefix = []byte("data:")
	sseSpace      = []byte(" ")

	sepLF   = newLineSeparator([]byte{'\n'})
	sepCR   = newLineSeparator([]byte{'\r'})
	sepCRLF = newLineSeparator([]byte{'\r', '\n'})
)

// eventReader incrementally splits an upstream SSE byte stream into data
// payloads. OpenAI-compatible streams are data-only, so event and id fields
// are dropped and comment lines ignored. Multi-line data fields join with a
// newline per the SSE spec.
type eventReader struct {
	r       io.Reader
	readBuf [4096]byte
	buf     []byte
	sep     *lineSeparator
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: r}
}

// next returns the data payload of the next event, skipping events without
// one. io.EOF signals the end of the stream; a trailing event the upstream
// never terminated with a blank line is surfaced first.
func (p *eventReader) next() ([]byte, error) {
	for {
		idx := p.findSeparator()
		if idx < 0 {
			n, err := p.r.Read(p.readBuf[:])
			if n > 0 {
				p.buf = append(p.buf, p.readBuf[:n]...)
				continue
			}
			if err == nil {
				continue
			}
			if len(p.buf) > 0 {
				data := p.extractData(p.buf)
				p.buf = nil
				if len(data) > 0 {
					return data, nil
				}
			}
			return nil, err
		}
		event := p.buf[:idx]
		p.buf = p.buf[idx+len(p.sep.event):]
		if data := p.extractData(event); len(data) > 0 {
			return data, nil
		}
	}
}

// findSeparator locates the next event boundary, detecting the stream's line
// ending on first use. CRLF is probed before LF so its LF half cannot match
// alone.
func (p *eventReader) findSeparator() int {
	if p.sep != nil {
		return bytes.Index(p.buf, p.sep.event)
	}
	for _, sep := range []*lineSeparator{sepCRLF, sepLF, sepCR} {
		if idx := bytes.Index(p.buf, sep.event); idx >= 0 {
			p.sep = sep
			return idx
		}
	}
	return -1
}

// extractData joins the data lines of one raw event. The colon may be
// followed by one optional space, which is not part of the value.
func (p *eventReader) extractData(event []byte) []byte {
	sep := p.sep
	if sep == nil {
		sep = sepLF
	}
	var data []byte
	found := false
	for _, line := range bytes.Split(event, sep.field) {
		if !bytes.HasPrefix(line, sseDataPrefix) {
			continue
		}
		value := bytes.TrimPrefix(line[len(sseDataPrefix):], sseSpace)
		if found {
			data = append(data, '\n')
		}
		found = true
		data = append(data, value...)
	}
	return data
}
