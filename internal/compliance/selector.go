// Package compliance decides which provider may serve a request when the
// caller requires EU data processing.
package compliance

import (
	"errors"
	"fmt"

	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

var (
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrNoCompliantProvider = errors.New("no eu-compliant provider configured")
)

// Catalog is the read side of provider.Registry.
type Catalog interface {
	Descriptor(key string) (provider.Descriptor, error)
}

// Decision records which provider serves a request and whether it replaced
// the one the caller asked for.
type Decision struct {
	Requested       string
	Provider        string
	Descriptor      provider.Descriptor
	FallbackApplied bool
}

// Selector is immutable after construction and safe for concurrent use.
type Selector struct {
	catalog    Catalog
	euFallback []string
	failover   []string
}

// NewSelector validates that every EU fallback entry exists and is
// EU-compliant, and that every failover entry exists.
func NewSelector(catalog Catalog, euFallback, failover []string) (*Selector, error) {
	if len(euFallback) == 0 {
		return nil, ErrNoCompliantProvider
	}
	for _, key := range euFallback {
		d, err := catalog.Descriptor(key)
		if err != nil {
			return nil, fmt.Errorf("eu fallback %q: %w", key, ErrUnknownProvider)
		}
		if !d.EUCompliant {
			return nil, fmt.Errorf("eu fallback %q is not eu-compliant: %w", key, ErrNoCompliantProvider)
		}
	}
	for _, key := range failover {
		if _, err := catalog.Descriptor(key); err != nil {
			return nil, fmt.Errorf("failover %q: %w", key, ErrUnknownProvider)
		}
	}
	return &Selector{
		catalog:    catalog,
		euFallback: append([]string(nil), euFallback...),
		failover:   append([]string(nil), failover...),
	}, nil
}

// Select returns the requested provider unless euOnly is set and it is not
// EU-compliant, in which case the first compliant fallback is returned with
// FallbackApplied set.
func (s *Selector) Select(requested string, euOnly bool) (Decision, error) {
	d, err := s.catalog.Descriptor(requested)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownProvider, requested)
	}
	if !euOnly || d.EUCompliant {
		return Decision{Requested: requested, Provider: requested, Descriptor: d}, nil
	}

	for _, key := range s.euFallback {
		fd, err := s.catalog.Descriptor(key)
		if err != nil || !fd.EUCompliant {
			continue
		}
		return Decision{Requested: requested, Provider: key, Descriptor: fd, FallbackApplied: true}, nil
	}
	return Decision{}, ErrNoCompliantProvider
}

// Chain returns primary followed by the failover order without duplicates.
// With euOnly set, non-compliant providers are left out so failover never
// routes outside the EU.
func (s *Selector) Chain(primary string, euOnly bool) []string {
	chain := make([]string, 0, 1+len(s.failover)+len(s.euFallback))
	seen := make(map[string]bool)

	add := func(key string) {
		if seen[key] {
			return
		}
		seen[key] = true
		if euOnly {
			d, err := s.catalog.Descriptor(key)
			if err != nil || !d.EUCompliant {
				return
			}
		}
		chain = append(chain, key)
	}

	add(primary)
	for _, key := range s.failover {
		add(key)
	}
	if euOnly {
		for _, key := range s.euFallback {
			add(key)
		}
	}
	return chain
}
