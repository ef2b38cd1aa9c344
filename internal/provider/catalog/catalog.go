// Package catalog turns configured provider descriptors into a populated
// provider.Registry.
package catalog

import (
	"context"
	"fmt"

	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/bedrock"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/claude"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/gemini"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/mistral"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/openai"
)

// Credentials holds upstream API keys. Bedrock authenticates through the AWS
// default credential chain and has no entry here.
type Credentials struct {
	OpenAIKey    string
	AnthropicKey string
	GeminiKey    string
	MistralKey   string
}

// Build constructs one adapter per descriptor.
func Build(ctx context.Context, descs []provider.Descriptor, creds Credentials) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, d := range descs {
		p, err := newAdapter(ctx, d, creds)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", d.Key, err)
		}
		if err := reg.Register(d, p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newAdapter(ctx context.Context, d provider.Descriptor, creds Credentials) (provider.Provider, error) {
	switch d.Kind {
	case provider.KindOpenAI:
		return openai.New(creds.OpenAIKey, d.DefaultModel), nil
	case provider.KindClaude:
		return claude.New(creds.AnthropicKey, d.DefaultModel), nil
	case provider.KindGemini:
		return gemini.New(creds.GeminiKey, d.DefaultModel), nil
	case provider.KindMistral:
		return mistral.New(creds.MistralKey, d.DefaultModel), nil
	case provider.KindBedrock:
		return bedrock.New(ctx, d.Region, d.DefaultModel)
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", d.Kind)
	}
}
