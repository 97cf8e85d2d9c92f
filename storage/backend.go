// Package storage provides pluggable blob backends the kernel persists
// tracked-document snapshots through: an in-memory backend for tests, a
// bbolt-backed blob filesystem, and an S3-compatible object store.
package storage

import (
	"fmt"

	"docwatch.dev/kernel"
)

// Backend persists opaque byte blobs addressed by an opaque key.
type Backend = kernel.Backend

// Factory builds a Backend from a free-form config map, the shape viper
// hands back for a `storage.<name>` config section.
type Factory func(config map[string]interface{}) (Backend, error)

// Registry resolves a backend type name (such as "memory", "bolt" or "s3") to
// a concrete Backend factory, populated at startup before the kernel is
// constructed.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named backend factory.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Build instantiates the named backend.
func (r *Registry) Build(name string, config map[string]interface{}) (Backend, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("storage: no factory registered for %q", name)
	}
	return f(config)
}
