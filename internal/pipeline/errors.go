// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pipegate/pipegate/internal/json"
)

// ErrorKind classifies pipeline errors for propagation decisions. The HTTP
// boundary maps kinds to status codes; everything else passes them through
// unchanged.
type ErrorKind string

const (
	KindConfigError         ErrorKind = "ConfigError"
	KindRouterConfigError   ErrorKind = "RouterConfigError"
	KindAssemblyError       ErrorKind = "AssemblyError"
	KindPipelineNotFound    ErrorKind = "PipelineNotFound"
	KindPipelineUnavailable ErrorKind = "PipelineUnavailable"
	KindValidationError     ErrorKind = "ValidationError"
	KindTransformError      ErrorKind = "TransformError"
	KindProtocolError       ErrorKind = "ProtocolError"
	KindCompatibilityError  ErrorKind = "CompatibilityError"
	KindTransportError      ErrorKind = "TransportError"
	KindAuthError           ErrorKind = "AuthError"
	KindAuthRecreate        ErrorKind = "AuthRecreateRequired"
	KindTimeoutError        ErrorKind = "TimeoutError"
	KindCancelledError      ErrorKind = "CancelledError"
	KindInternalError       ErrorKind = "InternalError"
)

// Error is the structured error carried across stage and component
// boundaries. Source names the component that produced it.
type Error struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Source  string         `json:"source"`
	Context map[string]any `json:"context,omitempty"`

	cause error
}

// NewError builds an Error with the given kind and source.
func NewError(kind ErrorKind, source, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Source: source}
}

// WithCause attaches the underlying error for errors.Is/As chains.
func (e *Error) WithCause(cause error) *Error {
	e.cause = cause
	return e
}

// WithContext attaches one context key/value and returns the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Source != "" {
		sb.WriteString("[")
		sb.WriteString(e.Source)
		sb.WriteString("]")
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, or KindInternalError when err does
// not carry one.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternalError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// ErrorInfo is the redactable serialized form of an Error used in execution
// records.
type ErrorInfo struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Source  string         `json:"source,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// InfoOf converts any error into its record form.
func InfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return &ErrorInfo{Kind: pe.Kind, Message: pe.Message, Source: pe.Source, Context: pe.Context}
	}
	return &ErrorInfo{Kind: KindInternalError, Message: err.Error()}
}

// MarshalJSON keeps the wrapped cause out of artifacts; causes may embed
// transport detail that the redaction walker cannot classify.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(InfoOf(e))
}
