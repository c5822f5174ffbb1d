// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package pipeline implements the four-stage request engine: configuration
// compiled into pipeline configs, configs assembled into runnable pipelines,
// and a manager that drives each request forward through the stages and back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StageTag identifies one of the four stage positions of a pipeline.
type StageTag string

const (
	StageTransformer StageTag = "transformer"
	StageProtocol    StageTag = "protocol"
	StageCompat      StageTag = "server-compatibility"
	StageServer      StageTag = "server"
)

// StageOrder is the canonical forward order of the four stages.
var StageOrder = [4]StageTag{StageTransformer, StageProtocol, StageCompat, StageServer}

// Stage is one preconfigured bidirectional processor of a pipeline. Stages are
// configured exactly once at assembly, hold no per-request state, and must be
// safe for concurrent use.
type Stage interface {
	// Forward processes the payload on the request path.
	Forward(ctx context.Context, p *Payload) (*Payload, error)
	// Back processes the payload on the response path.
	Back(ctx context.Context, p *Payload) (*Payload, error)
	// Health reports whether the stage considers itself operational.
	Health() bool
	// Stop releases background resources. Idempotent.
	Stop()
}

// Starter is implemented by stages that warm up background resources at
// assembly time.
type Starter interface {
	Start(ctx context.Context) error
}

// Factory builds a Stage from its layer config. Factories are registered in
// the Registry under (stage tag, variant tag).
type Factory interface {
	Build(cfg *LayerConfig) (Stage, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(cfg *LayerConfig) (Stage, error)

// Build implements Factory.
func (f FactoryFunc) Build(cfg *LayerConfig) (Stage, error) { return f(cfg) }

// LayerConfig is the resolved configuration of one stage position in a
// pipeline. Exactly one of the typed sub-configs is set, matching Tag.
type LayerConfig struct {
	// Tag is the stage position. Never empty in a valid config.
	Tag StageTag `json:"tag"`
	// Variant selects the factory within the stage position, for example
	// "anthropic-to-openai" for the transformer or a compat profile name.
	Variant string `json:"variant"`

	Transformer *TransformerLayerConfig `json:"transformer,omitempty"`
	Protocol    *ProtocolLayerConfig    `json:"protocol,omitempty"`
	Compat      *CompatLayerConfig      `json:"compat,omitempty"`
	Server      *ServerLayerConfig      `json:"server,omitempty"`
}

// TransformerLayerConfig configures the format translation stage.
type TransformerLayerConfig struct {
	// Direction is the translation pair, currently always "anthropic-to-openai".
	Direction string `json:"direction"`
	// ModelOverride replaces the request model with the bound upstream model.
	// The router sets it from the route target, so the name a client sends is
	// routing input, never the upstream model name.
	ModelOverride string `json:"modelOverride,omitempty"`
	// PreserveToolCalls keeps tool definitions and tool turns intact.
	PreserveToolCalls bool `json:"preserveToolCalls"`
	// MapSystemMessage lowers the top-level system prompt into messages[0].
	MapSystemMessage bool `json:"mapSystemMessage"`
	// DefaultMaxTokens fills max_tokens when the request omits it.
	DefaultMaxTokens int64 `json:"defaultMaxTokens"`
}

// ProtocolLayerConfig configures the transport envelope stage.
type ProtocolLayerConfig struct {
	// BaseURL is the provider base URL the path is appended to.
	BaseURL string `json:"baseUrl"`
	// Path is appended to the provider base URL, e.g. "/chat/completions".
	Path string `json:"path"`
	// StreamDefault is the envelope stream flag when the request leaves it
	// unspecified.
	StreamDefault bool `json:"streamDefault"`
	// UserAgent is the fixed User-Agent header value.
	UserAgent string `json:"userAgent"`
}

// CompatLayerConfig configures the provider-quirks stage.
type CompatLayerConfig struct {
	// Profile names the quirk set, e.g. "lmstudio" or "openai-generic".
	Profile string `json:"profile"`
	// Options are profile-specific settings such as a model alias table or an
	// API version.
	Options map[string]string `json:"options,omitempty"`
}

// ServerLayerConfig configures the HTTP dispatch stage.
type ServerLayerConfig struct {
	// Endpoint is the provider base URL.
	Endpoint string `json:"endpoint"`
	// CredentialRef resolves the credential material per attempt.
	CredentialRef string `json:"credentialRef"`
	// Timeout bounds a single attempt together with the request deadline.
	Timeout time.Duration `json:"timeout"`
	// MaxRetries bounds retries of 5xx and transport failures.
	MaxRetries int `json:"maxRetries"`
}

// Config is the fully-resolved recipe for one request path, emitted by the
// router compiler and consumed by the assembler.
type Config struct {
	// PipelineID is "{provider}_{model}_{route}".
	PipelineID string `json:"pipelineId"`
	// RouteID is the route name this pipeline serves.
	RouteID string `json:"routeId"`
	// Provider is the provider name.
	Provider string `json:"provider"`
	// Model is the bound upstream model name.
	Model string `json:"model"`
	// Endpoint is the provider base URL.
	Endpoint string `json:"endpoint"`
	// CredentialRef is the provider's credential handle.
	CredentialRef string `json:"credentialRef"`
	// MaxTokens is the model's token ceiling.
	MaxTokens int64 `json:"maxTokens"`
	// Layers are the four stage configs in canonical order.
	Layers []LayerConfig `json:"layers"`
}

// Validate checks the structural invariants every compiled config must hold.
func (c *Config) Validate() error {
	var errs []error
	if c.PipelineID == "" {
		errs = append(errs, errors.New("pipelineId must not be empty"))
	}
	if len(c.Layers) != len(StageOrder) {
		errs = append(errs, fmt.Errorf("pipeline %s: expected %d layers, got %d", c.PipelineID, len(StageOrder), len(c.Layers)))
	} else {
		for i, l := range c.Layers {
			if l.Tag == "" {
				errs = append(errs, fmt.Errorf("pipeline %s: layer %d has an empty tag", c.PipelineID, i))
				continue
			}
			if l.Tag != StageOrder[i] {
				errs = append(errs, fmt.Errorf("pipeline %s: layer %d has tag %q, want %q", c.PipelineID, i, l.Tag, StageOrder[i]))
			}
			if l.Variant == "" {
				errs = append(errs, fmt.Errorf("pipeline %s: layer %d (%s) has an empty variant", c.PipelineID, i, l.Tag))
			}
		}
	}
	return errors.Join(errs...)
}
