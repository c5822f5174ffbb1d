package testotel

import (
	"github.com/pipegate/pipegate/internal/apischema/anthropic"
)

// MockSpan is a mock implementation of tracing.MessagesSpan for testing purposes.
type MockSpan struct {
	RouteID     string
	PipelineID  string
	FirstTokens int
	Resp        *anthropic.MessagesResponse
	Err         error
	Ended       bool
}

// RecordRouting implements tracing.MessagesSpan.
func (s *MockSpan) RecordRouting(routeID, pipelineID string) {
	s.RouteID = routeID
	s.PipelineID = pipelineID
}

// RecordFirstToken implements tracing.MessagesSpan.
func (s *MockSpan) RecordFirstToken() { s.FirstTokens++ }

// RecordResponse implements tracing.MessagesSpan.
func (s *MockSpan) RecordResponse(resp *anthropic.MessagesResponse) { s.Resp = resp }

// EndSpan implements tracing.MessagesSpan.
func (s *MockSpan) EndSpan() { s.Ended = true }

// EndSpanOnError implements tracing.MessagesSpan.
func (s *MockSpan) EndSpanOnError(err error) {
	s.Err = err
	s.Ended = true
}
