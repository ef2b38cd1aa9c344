// Package mistral adapts Mistral La Plateforme, which processes data in the
// EU and speaks the OpenAI chat completions wire format.
package mistral

import (
	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider/openai"
)

const (
	DefaultBaseURL = "https://api.mistral.ai/v1"
	DefaultModel   = "mistral-small-latest"
)

func New(apiKey, model string) provider.Provider {
	return NewWithBaseURL(DefaultBaseURL, apiKey, model)
}

func NewWithBaseURL(baseURL, apiKey, model string) provider.Provider {
	if model == "" {
		model = DefaultModel
	}
	return openai.NewCompatible("mistral", baseURL, apiKey, model)
}
