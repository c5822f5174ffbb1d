// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/pipegate/pipegate/internal/pipeline"
	"github.com/pipegate/pipegate/internal/stages"
)

// Codes classifying terminal configuration errors, carried in the error
// context under "code".
const (
	CodeMissing   = "ConfigMissing"
	CodeParse     = "ConfigParseError"
	CodeSchema    = "ConfigSchemaError"
	CodeReference = "ConfigReferenceError"
)

// inlineRefPrefix marks credential refs synthesized from inline api_key
// entries. They exist only in memory, never as credential files.
const inlineRefPrefix = "inline:"

func newError(code, format string, args ...any) *pipeline.Error {
	return pipeline.NewError(pipeline.KindConfigError, "config", format, args...).WithContext("code", code)
}

// CodeOf returns the configuration error code carried by err, or "".
func CodeOf(err error) string {
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		if code, ok := pe.Context["code"].(string); ok {
			return code
		}
	}
	return ""
}

// Options adjust compilation.
type Options struct {
	// CredentialsDir holds the <ref>.json credential files. Providers using
	// credentialRef require it; inline api_key providers do not.
	CredentialsDir string
}

// Compile loads the document at path, validates it and lowers it into a
// routing table.
func Compile(path string, opts Options) (*RoutingTable, error) {
	start := time.Now()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, newError(CodeMissing, "config file %q does not exist", path)
		}
		return nil, newError(CodeMissing, "config file %q is not readable", path).WithCause(err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, newError(CodeParse, "config file %q is not valid YAML or JSON", path).WithCause(err)
	}
	if doc.Version == "" {
		return nil, newError(CodeSchema, "version is required")
	}
	if err := validateServer(&doc.Server); err != nil {
		return nil, err
	}

	t := &RoutingTable{
		Server:            doc.Server,
		Routes:            map[string]Target{},
		InlineCredentials: map[string]string{},
		Metadata: Metadata{
			SourceFormat: sourceFormat(path),
			ConfigPath:   path,
		},
	}
	if err := t.lowerProviders(doc.Providers, opts.CredentialsDir); err != nil {
		return nil, err
	}
	if err := t.resolveRoutes(doc.Router); err != nil {
		return nil, err
	}
	if err := t.validateRules(doc.RouterRules); err != nil {
		return nil, err
	}
	t.Metadata.ProcessingTime = time.Since(start)
	return t, nil
}

func validateServer(s *ServerConfig) error {
	if s.Port <= 0 || s.Port > 65535 {
		return newError(CodeSchema, "server.port must be in 1..65535, got %d", s.Port)
	}
	if s.Host == "" {
		s.Host = "127.0.0.1"
	}
	if s.Debug && s.DebugDir == "" {
		s.DebugDir = filepath.Join(os.TempDir(), "pipegate-debug")
	}
	return nil
}

func (t *RoutingTable) lowerProviders(providers []Provider, credsDir string) error {
	if len(providers) == 0 {
		return newError(CodeSchema, "at least one provider is required")
	}
	seen := map[string]bool{}
	t.Providers = make([]Provider, 0, len(providers))
	for i, p := range providers {
		if p.Name == "" {
			return newError(CodeSchema, "Providers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return newError(CodeSchema, "Providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true
		if err := validBaseURL(p.APIBaseURL); err != nil {
			return newError(CodeSchema, "provider %q: api_base_url %q is not an absolute http(s) URL",
				p.Name, p.APIBaseURL).WithCause(err)
		}
		switch {
		case p.APIKey != "" && p.CredentialRef != "":
			return newError(CodeSchema, "provider %q: api_key and credentialRef are mutually exclusive", p.Name)
		case p.APIKey != "":
			ref := inlineRefPrefix + p.Name
			t.InlineCredentials[ref] = p.APIKey
			p.CredentialRef = ref
			p.APIKey = ""
		case p.CredentialRef != "":
			if err := credentialFileExists(credsDir, p.CredentialRef); err != nil {
				return err
			}
		default:
			return newError(CodeSchema, "provider %q: one of api_key or credentialRef is required", p.Name)
		}
		if err := validateModels(&p); err != nil {
			return err
		}
		if err := validateCompatibility(&p); err != nil {
			return err
		}
		t.Providers = append(t.Providers, p)
	}
	return nil
}

func validateModels(p *Provider) error {
	if len(p.Models) == 0 {
		return newError(CodeSchema, "provider %q: at least one model is required", p.Name)
	}
	seen := map[string]bool{}
	for j := range p.Models {
		m := &p.Models[j]
		if m.Name == "" {
			return newError(CodeSchema, "provider %q: models[%d] has no name", p.Name, j)
		}
		if seen[m.Name] {
			return newError(CodeSchema, "provider %q: duplicate model %q", p.Name, m.Name)
		}
		seen[m.Name] = true
		if m.MaxTokens <= 0 {
			m.MaxTokens = defaultModelMaxTokens
		}
	}
	return nil
}

func validateCompatibility(p *Provider) error {
	c := p.Compatibility
	if c == nil {
		return nil
	}
	if !slices.Contains(stages.Profiles(), c.Use) {
		return newError(CodeSchema, "provider %q: unknown serverCompatibility.use %q", p.Name, c.Use)
	}
	if c.Use == stages.ProfileAzureOpenAI && c.Options[stages.OptionAzureAPIVersion] == "" {
		return newError(CodeSchema, "provider %q: azure-openai requires options.%s",
			p.Name, stages.OptionAzureAPIVersion)
	}
	return nil
}

func (t *RoutingTable) resolveRoutes(router map[string]string) error {
	for name, spec := range router {
		if name == "" {
			return newError(CodeSchema, "router: route name must not be empty")
		}
		target, err := ParseTarget(spec)
		if err != nil {
			return newError(CodeSchema, "router.%s: %v", name, err)
		}
		p, ok := t.Provider(target.Provider)
		if !ok {
			return newError(CodeReference, "router.%s: provider %q is not defined", name, target.Provider)
		}
		if _, ok := p.Model(target.Model); !ok {
			return newError(CodeReference, "router.%s: model %q is not defined for provider %q",
				name, target.Model, target.Provider)
		}
		t.Routes[name] = target
	}
	if _, ok := t.Routes[DefaultRouteName]; !ok {
		p := t.Providers[0]
		t.Routes[DefaultRouteName] = Target{Provider: p.Name, Model: p.Models[0].Name}
		t.Warnings = append(t.Warnings,
			fmt.Sprintf("router.default missing, synthesized %s,%s", p.Name, p.Models[0].Name))
	}
	return nil
}

func (t *RoutingTable) validateRules(rules []RouterRule) error {
	seen := map[string]bool{}
	for i, r := range rules {
		if r.Name == "" {
			return newError(CodeSchema, "routerRules[%d]: name is required", i)
		}
		if seen[r.Name] {
			return newError(CodeSchema, "routerRules[%d]: duplicate rule %q", i, r.Name)
		}
		seen[r.Name] = true
		if r.When == "" {
			return newError(CodeSchema, "routerRules[%d] (%s): when is required", i, r.Name)
		}
		if _, ok := t.Routes[r.Route]; !ok {
			return newError(CodeReference, "routerRules[%d] (%s): route %q is not defined", i, r.Name, r.Route)
		}
	}
	t.Rules = rules
	return nil
}

// ParseTarget splits a "provider,model" route spec.
func ParseTarget(spec string) (Target, error) {
	provider, model, ok := strings.Cut(spec, ",")
	provider, model = strings.TrimSpace(provider), strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return Target{}, fmt.Errorf("route target must be %q, got %q", "provider,model", spec)
	}
	return Target{Provider: provider, Model: model}, nil
}

func credentialFileExists(dir, ref string) error {
	if dir == "" {
		return newError(CodeReference, "credentialRef %q requires a credentials directory", ref)
	}
	path := filepath.Join(dir, ref+".json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return newError(CodeReference, "credential file %q does not exist", path)
		}
		return newError(CodeReference, "credential file %q is not accessible", path).WithCause(err)
	}
	return nil
}

func validBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("scheme %q host %q", u.Scheme, u.Host)
	}
	return nil
}

func sourceFormat(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return "json"
	}
	return "yaml"
}
