// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"time"

	"github.com/pipegate/pipegate/internal/json"
)

// Millis is a duration serialized as fractional milliseconds, keeping debug
// artifacts readable without a unit suffix per value.
type Millis time.Duration

// MarshalJSON implements json.Marshaler.
func (m Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(time.Duration(m)) / float64(time.Millisecond))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*m = Millis(ms * float64(time.Millisecond))
	return nil
}

// ExecutionStatus is the terminal status of a request or a single stage call.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Direction labels which path of a stage produced a record entry.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionBack    Direction = "back"
)

// ExecutionRecord is the per-request structured trace covering all stage
// invocations. It is owned exclusively by the executing task and handed to the
// observability sink exactly once, on completion.
type ExecutionRecord struct {
	RequestID       string           `json:"requestId"`
	PipelineID      string           `json:"pipelineId"`
	RouteID         string           `json:"routeId,omitempty"`
	Provider        string           `json:"provider,omitempty"`
	Model           string           `json:"model,omitempty"`
	StartTime       time.Time        `json:"startTime"`
	StageExecutions []StageExecution `json:"stageExecutions"`
	TotalTime       Millis           `json:"totalTimeMs"`
	Status          ExecutionStatus  `json:"status"`
	Error           *ErrorInfo       `json:"error,omitempty"`
}

// StageExecution is one stage invocation within a request.
type StageExecution struct {
	Stage     StageTag        `json:"stage"`
	Direction Direction       `json:"direction"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Duration  Millis          `json:"durationMs"`
	Status    ExecutionStatus `json:"status"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// NewExecutionRecord starts a record for one request on one pipeline.
func NewExecutionRecord(requestID string, cfg *Config) *ExecutionRecord {
	rec := &ExecutionRecord{
		RequestID: requestID,
		StartTime: time.Now(),
	}
	if cfg != nil {
		rec.PipelineID = cfg.PipelineID
		rec.RouteID = cfg.RouteID
		rec.Provider = cfg.Provider
		rec.Model = cfg.Model
	}
	return rec
}

// AddStage appends one stage invocation. Snapshots are nil unless snapshot
// capture is enabled on the manager.
func (r *ExecutionRecord) AddStage(stage StageTag, dir Direction, input, output json.RawMessage, dur time.Duration, err error) {
	entry := StageExecution{
		Stage:     stage,
		Direction: dir,
		Input:     input,
		Output:    output,
		Duration:  Millis(dur),
		Status:    ExecutionCompleted,
	}
	if err != nil {
		entry.Status = ExecutionFailed
		entry.Error = InfoOf(err)
	}
	r.StageExecutions = append(r.StageExecutions, entry)
}

// Finish seals the record with its terminal status.
func (r *ExecutionRecord) Finish(status ExecutionStatus, err error) {
	r.TotalTime = Millis(time.Since(r.StartTime))
	r.Status = status
	if err != nil {
		r.Error = InfoOf(err)
	}
}

// FailedStages counts entries with a failed status.
func (r *ExecutionRecord) FailedStages() int {
	n := 0
	for _, s := range r.StageExecutions {
		if s.Status == ExecutionFailed {
			n++
		}
	}
	return n
}

// RecordSink receives completed execution records. Implementations must not
// retain the record past the call; managers may reuse nothing, but sinks run
// on the request task and should return quickly.
type RecordSink interface {
	Emit(rec *ExecutionRecord)
}

// RecordSinkFunc adapts a function to the RecordSink interface.
type RecordSinkFunc func(rec *ExecutionRecord)

// Emit implements RecordSink.
func (f RecordSinkFunc) Emit(rec *ExecutionRecord) { f(rec) }
