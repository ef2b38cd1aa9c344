// Package pipeline runs one generation request end to end: redaction,
// compliance-aware selection, resilient dispatch, credit settlement and the
// audit record.
package pipeline

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
	"github.com/vnmchuo/eu-llm-gateway/internal/compliance"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
	"github.com/vnmchuo/eu-llm-gateway/internal/proxy"
	"github.com/vnmchuo/eu-llm-gateway/internal/redact"
)

type Request struct {
	Prompt     string
	LicenseKey string
	// Provider defaults to the configured default provider.
	Provider  string
	Model     string
	MaxTokens int
	EUOnly    bool
	RequestID string
}

type Result struct {
	RequestID         string `json:"requestId"`
	Content           string `json:"content"`
	TokensUsed        int    `json:"tokensUsed"`
	CreditsDeducted   int64  `json:"creditsDeducted"`
	PIIDetected       bool   `json:"piiDetected"`
	ProviderUsed      string `json:"providerUsed"`
	RequestedProvider string `json:"requestedProvider"`
	Model             string `json:"model"`
	EUCompliant       bool   `json:"euCompliant"`
	FallbackApplied   bool   `json:"fallbackApplied"`
	FailoverApplied   bool   `json:"failoverApplied"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, chain []string, req *provider.Request) (*proxy.Dispatch, error)
}

type Limiter interface {
	Allow(ctx context.Context, subject string, tokens int) (bool, error)
}

// Recorder receives one observation per finished request.
type Recorder interface {
	ObserveGeneration(category, provider string, tokens int, credits int64, latency time.Duration)
	ObserveRedaction(category string, count int)
}

type Deps struct {
	Redactor   *redact.Redactor
	Selector   *compliance.Selector
	Catalog    compliance.Catalog
	Dispatcher Dispatcher
	Ledger     billing.Ledger
	Audit      billing.AuditSink
	// Optional.
	Limiter  Limiter
	Recorder Recorder
	Tracer   trace.Tracer
}

type Config struct {
	DefaultProvider string
}

type Service struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("pipeline")
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    time.Now,
	}
}

// Credits converts billable tokens into credits, rounding up.
func Credits(tokens int, multiplier float64) int64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	return int64(math.Ceil(float64(tokens) * multiplier))
}

// Generate runs req through the pipeline. On success the license has been
// charged for the tokens consumed. Every outcome, successful or not, is
// appended to the audit sink; failures carry their Category (see CategoryOf).
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	start := s.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Provider == "" {
		req.Provider = s.cfg.DefaultProvider
	}

	ctx, span := s.deps.Tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("requested_provider", req.Provider),
		attribute.Bool("eu_only", req.EUOnly),
	))
	defer span.End()

	rec := &billing.UsageRecord{
		LicenseHash:       billing.HashKey(req.LicenseKey),
		RequestID:         req.RequestID,
		RequestedProvider: req.Provider,
		EUOnly:            req.EUOnly,
	}

	res, err := s.generate(ctx, req, rec)
	latency := s.now().Sub(start)
	rec.LatencyMs = latency.Milliseconds()

	category := CategoryOf(err)
	rec.Success = err == nil
	rec.ErrorCategory = string(category)
	s.appendRecord(ctx, rec)

	if s.deps.Recorder != nil {
		outcome := string(category)
		if err == nil {
			outcome = "ok"
		}
		s.deps.Recorder.ObserveGeneration(outcome, rec.ProviderUsed, rec.TokensUsed, rec.CreditsDeducted, latency)
	}

	log := s.logger.With().
		Str("request_id", req.RequestID).
		Str("license", billing.Fingerprint(req.LicenseKey)).
		Str("requested_provider", req.Provider).
		Str("provider", rec.ProviderUsed).
		Dur("latency", latency).
		Logger()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(category))
		ev := log.Warn()
		if category == CategoryInternal || category == CategoryComplianceConfigurationError {
			ev = log.Error()
		}
		ev.Err(err).Str("category", string(category)).Msg("generation failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("provider_used", res.ProviderUsed),
		attribute.Int("tokens_used", res.TokensUsed),
		attribute.Int64("credits_deducted", res.CreditsDeducted),
	)
	log.Info().
		Int("tokens", res.TokensUsed).
		Int64("credits", res.CreditsDeducted).
		Bool("pii_detected", res.PIIDetected).
		Bool("compliance_fallback", res.FallbackApplied).
		Bool("failover", res.FailoverApplied).
		Msg("generation completed")
	return res, nil
}

func (s *Service) generate(ctx context.Context, req Request, rec *billing.UsageRecord) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Reject licenses that can never be charged before spending upstream
	// tokens. Deduct below remains the authoritative check.
	license, err := s.deps.Ledger.GetLicense(ctx, req.LicenseKey)
	if err != nil {
		return nil, err
	}
	if err := license.Check(s.now(), 1); err != nil {
		return nil, err
	}

	if s.deps.Limiter != nil {
		allowed, err := s.deps.Limiter.Allow(ctx, license.KeyHash, req.MaxTokens)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("rate limiter unavailable, allowing request")
		case !allowed:
			return nil, &Error{Category: CategoryRateLimitExceeded, Err: ErrRateLimited}
		}
	}

	prompt, findings := s.deps.Redactor.Scan(req.Prompt)
	rec.PIIDetected = findings.Any()
	rec.PIICategories = findings.Categories()
	if findings.Any() {
		s.logger.Info().
			Str("request_id", req.RequestID).
			Strs("categories", rec.PIICategories).
			Msg("personal data redacted from prompt")
		if s.deps.Recorder != nil {
			for c, n := range findings {
				s.deps.Recorder.ObserveRedaction(string(c), n)
			}
		}
	}

	decision, err := s.deps.Selector.Select(req.Provider, req.EUOnly)
	if err != nil {
		return nil, err
	}
	rec.ComplianceFallback = decision.FallbackApplied

	model := req.Model
	if decision.FallbackApplied {
		// The override named a model of the provider that was replaced.
		model = ""
	}

	chain := s.deps.Selector.Chain(decision.Provider, req.EUOnly)
	d, err := s.deps.Dispatcher.Dispatch(ctx, chain, &provider.Request{
		Prompt:    prompt,
		Model:     model,
		MaxTokens: req.MaxTokens,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}

	rec.ProviderUsed = d.Provider
	rec.Failover = d.Failover
	rec.Model = d.Response.Model
	tokens := d.Response.TokenCount()
	rec.TokensUsed = tokens

	// A caller that went away is not charged, even for a completed call.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc, err := s.deps.Catalog.Descriptor(d.Provider)
	if err != nil {
		return nil, &Error{Category: CategoryInternal, Err: err}
	}

	credits := Credits(tokens, desc.CreditMultiplier)
	if credits > 0 {
		if _, err := s.deps.Ledger.Deduct(ctx, req.LicenseKey, credits); err != nil {
			return nil, err
		}
		rec.CreditsDeducted = credits
	}

	return &Result{
		RequestID:         req.RequestID,
		Content:           d.Response.Content,
		TokensUsed:        tokens,
		CreditsDeducted:   credits,
		PIIDetected:       findings.Any(),
		ProviderUsed:      d.Provider,
		RequestedProvider: req.Provider,
		Model:             d.Response.Model,
		EUCompliant:       desc.EUCompliant,
		FallbackApplied:   decision.FallbackApplied,
		FailoverApplied:   d.Failover,
	}, nil
}

func validate(req Request) error {
	switch {
	case strings.TrimSpace(req.Prompt) == "":
		return invalid(ErrEmptyPrompt)
	case !billing.ValidKeyFormat(req.LicenseKey):
		return invalid(ErrInvalidKeyFormat)
	case req.MaxTokens < 0:
		return invalid(ErrInvalidMaxTokens)
	}
	return nil
}

// appendRecord writes rec even when ctx is already cancelled.
func (s *Service) appendRecord(ctx context.Context, rec *billing.UsageRecord) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Append(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to append usage record")
	}
}
