package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

//go:embed providers.yaml
var defaultCatalog []byte

// Catalog is the provider table and routing policy of a deployment.
type Catalog struct {
	DefaultProvider string          `yaml:"default_provider"`
	Failover        []string        `yaml:"failover"`
	EUFallback      []string        `yaml:"eu_fallback"`
	Resilience      Resilience      `yaml:"resilience"`
	Providers       []ProviderEntry `yaml:"providers"`
}

type Resilience struct {
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	Multiplier       float64       `yaml:"multiplier"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Jitter           float64       `yaml:"jitter"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type ProviderEntry struct {
	Key              string  `yaml:"key"`
	Kind             string  `yaml:"kind"`
	Label            string  `yaml:"label"`
	Region           string  `yaml:"region"`
	EUCompliant      bool    `yaml:"eu_compliant"`
	DefaultModel     string  `yaml:"default_model"`
	CreditMultiplier float64 `yaml:"credit_multiplier"`
}

// LoadCatalog reads the catalog at path, or the embedded default when path
// is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultCatalog
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read provider catalog: %w", err)
		}
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	for i := range c.Providers {
		if c.Providers[i].CreditMultiplier == 0 {
			c.Providers[i].CreditMultiplier = 1
		}
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid provider catalog: %w", err)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Providers) == 0 {
		return errors.New("no providers configured")
	}

	byKey := make(map[string]ProviderEntry, len(c.Providers))
	for _, p := range c.Providers {
		if p.Key == "" {
			return errors.New("provider without key")
		}
		if _, dup := byKey[p.Key]; dup {
			return fmt.Errorf("provider %q listed twice", p.Key)
		}
		if !provider.Kind(p.Kind).Valid() {
			return fmt.Errorf("provider %q: unknown kind %q", p.Key, p.Kind)
		}
		if p.CreditMultiplier < 0 {
			return fmt.Errorf("provider %q: credit_multiplier must not be negative", p.Key)
		}
		byKey[p.Key] = p
	}

	if _, ok := byKey[c.DefaultProvider]; !ok {
		return fmt.Errorf("default_provider %q is not configured", c.DefaultProvider)
	}
	for _, key := range c.Failover {
		if _, ok := byKey[key]; !ok {
			return fmt.Errorf("failover provider %q is not configured", key)
		}
	}
	if len(c.EUFallback) == 0 {
		return errors.New("eu_fallback must name at least one provider")
	}
	for _, key := range c.EUFallback {
		p, ok := byKey[key]
		if !ok {
			return fmt.Errorf("eu_fallback provider %q is not configured", key)
		}
		if !p.EUCompliant {
			return fmt.Errorf("eu_fallback provider %q is not eu_compliant", key)
		}
	}

	r := c.Resilience
	if r.MaxRetries < 0 || r.Multiplier < 0 || r.Jitter < 0 || r.Jitter > 1 {
		return errors.New("resilience settings out of range")
	}
	return nil
}

// Descriptors returns the provider table in file order.
func (c *Catalog) Descriptors() []provider.Descriptor {
	out := make([]provider.Descriptor, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.Descriptor{
			Key:              p.Key,
			Kind:             provider.Kind(p.Kind),
			Label:            p.Label,
			Region:           p.Region,
			EUCompliant:      p.EUCompliant,
			DefaultModel:     p.DefaultModel,
			CreditMultiplier: p.CreditMultiplier,
		})
	}
	return out
}
