package provider

import (
	"context"
)

type Request struct {
	Prompt    string
	Model     string // empty means the adapter's default model
	MaxTokens int
	// Metadata for tracing only, never forwarded upstream
	RequestID string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

// TokenCount is the billable token total of a generation.
func (r *Response) TokenCount() int {
	return r.InputTokens + r.OutputTokens
}

// Provider is implemented by every upstream adapter. Implementations hold no
// shared mutable state and are safe for concurrent use. Errors returned from
// Generate should be *Error so the dispatcher can tell retryable failures apart.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Kind is the closed set of upstream variants a deployment can configure.
type Kind string

const (
	KindOpenAI  Kind = "openai"
	KindClaude  Kind = "claude"
	KindGemini  Kind = "gemini"
	KindMistral Kind = "mistral"
	KindBedrock Kind = "bedrock"
)

// Kinds lists every supported variant. catalog.Build must handle each of them.
var Kinds = []Kind{KindOpenAI, KindClaude, KindGemini, KindMistral, KindBedrock}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Descriptor is the static metadata of a configured upstream.
type Descriptor struct {
	Key              string
	Kind             Kind
	Label            string
	Region           string
	EUCompliant      bool
	DefaultModel     string
	CreditMultiplier float64
}
