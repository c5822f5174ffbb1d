// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pipeline

import "fmt"

// Registry maps (stage tag, variant tag) to stage factories. It is populated
// once at process start and read-only thereafter; lookups take no lock.
type Registry struct {
	factories map[registryKey]Factory
}

type registryKey struct {
	stage   StageTag
	variant string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[registryKey]Factory{}}
}

// Register adds a factory under the exact (stage, variant) pair. Registering
// the same pair twice is a programming error.
func (r *Registry) Register(stage StageTag, variant string, f Factory) error {
	if stage == "" || variant == "" {
		return fmt.Errorf("stage and variant tags must not be empty")
	}
	key := registryKey{stage: stage, variant: variant}
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("factory already registered for (%s, %s)", stage, variant)
	}
	r.factories[key] = f
	return nil
}

// Lookup resolves a factory by exact match. Absence is an assembly error for
// the caller.
func (r *Registry) Lookup(stage StageTag, variant string) (Factory, bool) {
	f, ok := r.factories[registryKey{stage: stage, variant: variant}]
	return f, ok
}

// Variants lists the registered variant tags for one stage position, for
// error messages.
func (r *Registry) Variants(stage StageTag) []string {
	var out []string
	for k := range r.factories {
		if k.stage == stage {
			out = append(out, k.variant)
		}
	}
	return out
}
