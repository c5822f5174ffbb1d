// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the on-disk configuration document and compiles it
// into the validated routing table the router compiler consumes. Compilation
// is terminal: any error here stops startup before a single pipeline exists.
package config

import (
	"time"

	"github.com/pipegate/pipegate/internal/json"
)

// DefaultRouteName is the route every request falls back to.
const DefaultRouteName = "default"

// defaultModelMaxTokens fills in for models declared by bare name.
const defaultModelMaxTokens = 8192

// Document is the on-disk configuration. Unknown fields are tolerated and
// ignored.
type Document struct {
	Version   string            `json:"version" yaml:"version"`
	Server    ServerConfig      `json:"server" yaml:"server"`
	Providers []Provider        `json:"Providers" yaml:"Providers"`
	Router    map[string]string `json:"router" yaml:"router"`
	// RouterRules are optional CEL rules evaluated before the built-in
	// feature routing. First match wins.
	RouterRules []RouterRule `json:"routerRules,omitempty" yaml:"routerRules,omitempty"`
}

// ServerConfig is the listener block.
type ServerConfig struct {
	Port  int    `json:"port" yaml:"port"`
	Host  string `json:"host" yaml:"host"`
	Debug bool   `json:"debug,omitempty" yaml:"debug,omitempty"`
	// DebugDir is where per-request debug artifacts go when Debug is set.
	DebugDir string `json:"debugDir,omitempty" yaml:"debugDir,omitempty"`
}

// Provider is one logical upstream.
type Provider struct {
	Name       string `json:"name" yaml:"name"`
	APIBaseURL string `json:"api_base_url" yaml:"api_base_url"`
	// APIKey is an inline static credential. Compilation lowers it to a
	// synthetic credential ref; the raw key never travels past the compiler
	// output's InlineCredentials.
	APIKey        string         `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	CredentialRef string         `json:"credentialRef,omitempty" yaml:"credentialRef,omitempty"`
	Models        []ModelSpec    `json:"models" yaml:"models"`
	Compatibility *Compatibility `json:"serverCompatibility,omitempty" yaml:"serverCompatibility,omitempty"`
}

// Compatibility selects the provider's quirks profile.
type Compatibility struct {
	Use     string            `json:"use" yaml:"use"`
	Options map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// ModelSpec is one model entry. The document form is either a bare name or an
// object with a token ceiling.
type ModelSpec struct {
	Name      string `json:"name" yaml:"name"`
	MaxTokens int64  `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

// UnmarshalJSON accepts both document forms.
func (m *ModelSpec) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &m.Name)
	}
	type plain ModelSpec
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = ModelSpec(p)
	return nil
}

// RouterRule is one CEL routing rule.
type RouterRule struct {
	Name  string `json:"name" yaml:"name"`
	When  string `json:"when" yaml:"when"`
	Route string `json:"route" yaml:"route"`
}

// Target is one route's destination.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Metadata describes one compilation run.
type Metadata struct {
	SourceFormat   string        `json:"sourceFormat"`
	ConfigPath     string        `json:"configPath"`
	ProcessingTime time.Duration `json:"processingTime"`
}

// RoutingTable is the validated compiler output. Provider and model order
// follows the document.
type RoutingTable struct {
	Server    ServerConfig
	Providers []Provider
	Routes    map[string]Target
	Rules     []RouterRule
	// InlineCredentials carries lowered api_key material, keyed by the
	// synthetic ref. The credential manager seeds from it at startup.
	InlineCredentials map[string]string
	Metadata          Metadata
	Warnings          []string
}

// Provider returns the named provider.
func (t *RoutingTable) Provider(name string) (*Provider, bool) {
	for i := range t.Providers {
		if t.Providers[i].Name == name {
			return &t.Providers[i], true
		}
	}
	return nil, false
}

// Model returns the named model of provider p.
func (p *Provider) Model(name string) (*ModelSpec, bool) {
	for i := range p.Models {
		if p.Models[i].Name == name {
			return &p.Models[i], true
		}
	}
	return nil, false
}
