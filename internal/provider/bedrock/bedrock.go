// Package bedrock adapts Anthropic models served through AWS Bedrock in an
// EU region. Requests are signed by the AWS SDK with the default credential
// chain, so no API key is held by the gateway.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

const (
	DefaultRegion    = "eu-central-1"
	DefaultModel     = "anthropic.claude-3-haiku-20240307-v1:0"
	defaultMaxTokens = 4096
	anthropicVersion = "bedrock-2023-05-31"
)

// invoker is the subset of *bedrockruntime.Client used here.
type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type BedrockProvider struct {
	client       invoker
	region       string
	defaultModel string
}

type anthropicRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// New loads the default AWS configuration pinned to region.
func New(ctx context.Context, region, model string) (*BedrockProvider, error) {
	if region == "" {
		region = DefaultRegion
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config for bedrock (region: %s): %w", region, err)
	}
	return newWithClient(bedrockruntime.NewFromConfig(awsCfg), region, model), nil
}

func newWithClient(client invoker, region, model string) *BedrockProvider {
	if model == "" {
		model = DefaultModel
	}
	return &BedrockProvider{client: client, region: region, defaultModel: model}
}

func (p *BedrockProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        maxTokens,
		Messages:         []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, provider.NewError(p.Name(), provider.ErrorFailed, err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, p.classify(err)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, provider.NewError(p.Name(), provider.ErrorFailed, fmt.Errorf("decode response: %w", err))
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, provider.NewError(p.Name(), provider.ErrorFailed, errors.New("bedrock returned no content"))
	}

	return &provider.Response{
		ID:           resp.ID,
		Content:      text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Model:        model,
		Provider:     p.Name(),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// classify maps Bedrock service error codes onto provider error kinds.
func (p *BedrockProvider) classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return provider.TransportError(p.Name(), err)
	}
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return provider.NewError(p.Name(), provider.ErrorAuth, err)
	case "ThrottlingException", "ServiceQuotaExceededException":
		return provider.NewError(p.Name(), provider.ErrorRateLimited, err)
	case "ServiceUnavailableException", "InternalServerException", "ModelTimeoutException", "ModelNotReadyException":
		return provider.NewError(p.Name(), provider.ErrorTransient, err)
	default:
		return provider.NewError(p.Name(), provider.ErrorFailed, err)
	}
}

func (p *BedrockProvider) Region() string {
	return p.region
}

func (p *BedrockProvider) Name() string {
	return "bedrock"
}
