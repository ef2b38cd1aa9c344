package provider

import (
	"errors"
	"fmt"
	"sort"
)

var ErrProviderNotFound = errors.New("provider not found")

// Registry maps provider keys to adapters and their descriptors. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	providers   map[string]Provider
	descriptors map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		providers:   make(map[string]Provider),
		descriptors: make(map[string]Descriptor),
	}
}

// Register adds an adapter under desc.Key. Registering a key twice is a
// configuration error.
func (r *Registry) Register(desc Descriptor, p Provider) error {
	if desc.Key == "" {
		return errors.New("provider key is required")
	}
	if _, exists := r.providers[desc.Key]; exists {
		return fmt.Errorf("provider %q registered twice", desc.Key)
	}
	r.providers[desc.Key] = p
	r.descriptors[desc.Key] = desc
	return nil
}

func (r *Registry) Get(key string) (Provider, error) {
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, key)
	}
	return p, nil
}

func (r *Registry) Descriptor(key string) (Descriptor, error) {
	d, ok := r.descriptors[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrProviderNotFound, key)
	}
	return d, nil
}

// Descriptors returns all descriptors sorted by key.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
