// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stages

import (
	"context"
	"net/url"

	"k8s.io/utils/ptr"

	"github.com/pipegate/pipegate/internal/pipeline"
)

const compatSource = "server-compatibility"

// LM Studio rejects temperatures above 2, caps completion budgets, and
// refuses requests that carry a cloud API key.
const (
	lmStudioMaxTemperature = 2.0
	lmStudioMaxTokens      = 32768
	lmStudioSentinel       = "lm-studio"
)

// DashScope ignores nucleus sampling outside this value.
const qwenTopP = 0.9

// OptionAzureAPIVersion is the compat option carrying the api-version query
// parameter for azure-openai.
const OptionAzureAPIVersion = "apiVersion"

// compatStage applies one provider's deviations from the generic OpenAI
// envelope. Quirks live here exclusively so the transformer and protocol
// stages stay provider-agnostic.
type compatStage struct {
	profile string
	// aliases maps bound model names to the names the provider expects.
	// Only the iflow profile uses it.
	aliases map[string]string
	// apiVersion is the azure-openai api-version query parameter.
	apiVersion string
}

func newCompatStage(cfg *pipeline.LayerConfig) (pipeline.Stage, error) {
	cc := cfg.Compat
	if cc == nil {
		return nil, pipeline.NewError(pipeline.KindAssemblyError, compatSource, "layer config has no compat section")
	}
	s := &compatStage{profile: cc.Profile}
	switch cc.Profile {
	case ProfileOpenAIGeneric, ProfileLMStudio, ProfileQwen:
	case ProfileIFlow:
		// Every option entry is one model alias.
		if len(cc.Options) > 0 {
			s.aliases = cc.Options
		}
	case ProfileAzureOpenAI:
		s.apiVersion = cc.Options[OptionAzureAPIVersion]
		if s.apiVersion == "" {
			return nil, pipeline.NewError(pipeline.KindAssemblyError, compatSource,
				"azure-openai requires the %q option", OptionAzureAPIVersion)
		}
	default:
		return nil, pipeline.NewError(pipeline.KindAssemblyError, compatSource, "unknown compatibility profile %q", cc.Profile)
	}
	return s, nil
}

func (s *compatStage) Forward(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	switch s.profile {
	case ProfileLMStudio:
		s.forwardLMStudio(p)
	case ProfileQwen:
		s.forwardQwen(p)
	case ProfileIFlow:
		s.forwardIFlow(p)
	case ProfileAzureOpenAI:
		if err := s.forwardAzure(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Back is a no-op for every profile; responses come back in the generic
// envelope already.
func (s *compatStage) Back(_ context.Context, p *pipeline.Payload) (*pipeline.Payload, error) {
	return p, nil
}

func (s *compatStage) forwardLMStudio(p *pipeline.Payload) {
	if r := p.OpenAI; r != nil {
		if r.Temperature != nil && *r.Temperature > lmStudioMaxTemperature {
			r.Temperature = ptr.To(lmStudioMaxTemperature)
		}
		if r.MaxTokens > lmStudioMaxTokens {
			r.MaxTokens = lmStudioMaxTokens
		}
	}
	if p.Auth != nil {
		p.Auth.OmitSentinel = lmStudioSentinel
	}
}

func (s *compatStage) forwardQwen(p *pipeline.Payload) {
	if r := p.OpenAI; r != nil {
		r.TopP = ptr.To(qwenTopP)
	}
	if p.Header != nil {
		p.Header.Set("X-DashScope-Async", "enable")
	}
	// DashScope authenticates with the standard bearer scheme.
	p.Auth = &pipeline.AuthSpec{HeaderName: "Authorization", Scheme: "Bearer"}
}

func (s *compatStage) forwardIFlow(p *pipeline.Payload) {
	if r := p.OpenAI; r != nil {
		// iflow rejects requests carrying top_k.
		r.TopK = nil
		if alias, ok := s.aliases[r.Model]; ok {
			r.Model = alias
		}
	}
	p.Auth = &pipeline.AuthSpec{HeaderName: "Authorization", Scheme: "Bearer"}
}

// forwardAzure moves auth to the bare api-key header and versions the
// endpoint through the api-version query parameter.
func (s *compatStage) forwardAzure(p *pipeline.Payload) error {
	p.Auth = &pipeline.AuthSpec{HeaderName: "api-key"}
	u, err := url.Parse(p.Endpoint)
	if err != nil {
		return pipeline.NewError(pipeline.KindCompatibilityError, compatSource,
			"endpoint %q is not a valid URL", p.Endpoint).WithCause(err)
	}
	q := u.Query()
	q.Set("api-version", s.apiVersion)
	u.RawQuery = q.Encode()
	p.Endpoint = u.String()
	return nil
}

func (s *compatStage) Health() bool { return true }

func (s *compatStage) Stop() {}
