// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package stages implements the four stage positions of the request pipeline:
// the Anthropic-to-OpenAI transformer, the OpenAI protocol envelope, the
// provider compatibility profiles and the HTTP dispatch stage. RegisterAll
// installs every factory into a pipeline registry; the assembler resolves
// them by (stage tag, variant) when it realises pipeline configs.
package stages

import (
	"log/slog"
	"net/http"

	"github.com/pipegate/pipegate/internal/pipeline"
)

// Variant tags the factories are registered under.
const (
	VariantAnthropicToOpenAI = "anthropic-to-openai"
	VariantOpenAI            = "openai"
	VariantHTTP              = "http"
)

// Compatibility profile tags. Each is its own variant of the
// server-compatibility stage.
const (
	ProfileOpenAIGeneric = "openai-generic"
	ProfileLMStudio      = "lmstudio"
	ProfileQwen          = "qwen"
	ProfileIFlow         = "iflow"
	ProfileAzureOpenAI   = "azure-openai"
)

// Profiles returns the known compatibility profile tags.
func Profiles() []string {
	return []string{ProfileOpenAIGeneric, ProfileLMStudio, ProfileQwen, ProfileIFlow, ProfileAzureOpenAI}
}

// Transport issues upstream HTTP requests. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// CredentialReader resolves credential material at dispatch time. The server
// stage reads the material again on every attempt, so a refresh landing
// between retries takes effect without re-assembly.
type CredentialReader interface {
	// Material returns the secret for ref.
	Material(ref string) (string, error)
	// ReportAuthFailure records that an upstream rejected the material.
	ReportAuthFailure(ref string)
}

// Deps are the process-wide collaborators shared by every stage instance.
type Deps struct {
	Logger      *slog.Logger
	Transport   Transport
	Credentials CredentialReader
}

// RegisterAll installs the stage factories into r.
func RegisterAll(r *pipeline.Registry, deps Deps) error {
	err := r.Register(pipeline.StageTransformer, VariantAnthropicToOpenAI,
		pipeline.FactoryFunc(func(cfg *pipeline.LayerConfig) (pipeline.Stage, error) {
			return newTransformerStage(cfg, deps.Logger)
		}))
	if err != nil {
		return err
	}
	if err := r.Register(pipeline.StageProtocol, VariantOpenAI, pipeline.FactoryFunc(newProtocolStage)); err != nil {
		return err
	}
	for _, profile := range Profiles() {
		if err := r.Register(pipeline.StageCompat, profile, pipeline.FactoryFunc(newCompatStage)); err != nil {
			return err
		}
	}
	return r.Register(pipeline.StageServer, VariantHTTP,
		pipeline.FactoryFunc(func(cfg *pipeline.LayerConfig) (pipeline.Stage, error) {
			return newServerStage(cfg, deps)
		}))
}
