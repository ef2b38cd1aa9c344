package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/eu-llm-gateway/internal/health"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMultiplier = 2.0
	DefaultMaxDelay   = 30 * time.Second
)

// Outcome is the result of trying one provider of a chain. Provider failures
// use the provider.ErrorKind values.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeCircuitOpen   Outcome = "circuit_open"
	OutcomeNotRegistered Outcome = "not_registered"
	OutcomeCanceled      Outcome = "canceled"
)

type Attempt struct {
	Provider string
	Outcome  Outcome
	Tries    int
	Err      error
}

// UnavailableError is returned when every provider of a chain failed or was
// skipped. It matches ErrAllProvidersUnavailable with errors.Is.
type UnavailableError struct {
	Attempts []Attempt
}

func (e *UnavailableError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllProvidersUnavailable.Error() + ": empty provider chain"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Provider, a.Outcome))
	}
	return fmt.Sprintf("%s: %s", ErrAllProvidersUnavailable, strings.Join(parts, ", "))
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrAllProvidersUnavailable
}

// LastKind returns the error kind of the last provider that was actually
// called, or ErrorFailed when none was.
func (e *UnavailableError) LastKind() provider.ErrorKind {
	for i := len(e.Attempts) - 1; i >= 0; i-- {
		switch e.Attempts[i].Outcome {
		case OutcomeCircuitOpen, OutcomeNotRegistered, OutcomeCanceled, OutcomeOK:
			continue
		}
		return provider.ErrorKind(e.Attempts[i].Outcome)
	}
	return provider.ErrorFailed
}

// Dispatch is a successful generation together with the provider that
// served it.
type Dispatch struct {
	Response *provider.Response
	Provider string
	// Failover is set when Provider is not the first entry of the chain.
	Failover bool
	Attempts []Attempt
}

type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is the randomization factor applied to each delay, 0 to 1.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

type ProviderSource interface {
	Get(key string) (provider.Provider, error)
}

// Recorder receives one observation per provider tried.
type Recorder interface {
	ObserveAttempt(provider string, outcome string, latency time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveAttempt(string, string, time.Duration) {}

type Router struct {
	providers ProviderSource
	tracker   *health.Tracker
	cfg       Config
	logger    zerolog.Logger
	tracer    trace.Tracer
	recorder  Recorder
}

type Option func(*Router)

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

func NewRouter(providers ProviderSource, tracker *health.Tracker, cfg Config, logger zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		providers: providers,
		tracker:   tracker,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		tracer:    noop.NewTracerProvider().Tracer("proxy"),
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch tries each provider of chain in order. Providers with an open
// circuit are skipped without a call. Rate-limited and transient failures are
// retried with exponential backoff; authentication and other failures move on
// to the next provider at once. A done ctx stops everything and its error is
// returned as is. A model override in req is only sent to the first provider;
// failover candidates use their default model.
func (r *Router) Dispatch(ctx context.Context, chain []string, req *provider.Request) (*Dispatch, error) {
	attempts := make([]Attempt, 0, len(chain))
	for i, key := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate := req
		if i > 0 && req.Model != "" {
			cp := *req
			cp.Model = ""
			candidate = &cp
		}

		resp, attempt, err := r.try(ctx, key, candidate)
		attempts = append(attempts, attempt)
		if err == nil {
			return &Dispatch{
				Response: resp,
				Provider: key,
				Failover: key != chain[0],
				Attempts: attempts,
			}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}
	return nil, &UnavailableError{Attempts: attempts}
}

func (r *Router) try(ctx context.Context, key string, req *provider.Request) (*provider.Response, Attempt, error) {
	attempt := Attempt{Provider: key}
	log := r.logger.With().Str("provider", key).Str("request_id", req.RequestID).Logger()

	p, err := r.providers.Get(key)
	if err != nil {
		attempt.Outcome, attempt.Err = OutcomeNotRegistered, err
		log.Error().Err(err).Msg("provider in chain is not registered")
		return nil, attempt, err
	}

	ticket, err := r.tracker.Acquire(key)
	if err != nil {
		attempt.Outcome, attempt.Err = OutcomeCircuitOpen, err
		r.recorder.ObserveAttempt(key, string(OutcomeCircuitOpen), 0)
		log.Debug().Msg("circuit open, skipping provider")
		return nil, attempt, err
	}

	ctx, span := r.tracer.Start(ctx, "proxy.dispatch", trace.WithAttributes(
		attribute.String("provider", key),
		attribute.String("request_id", req.RequestID),
	))
	defer span.End()

	operation := func() (*provider.Response, error) {
		attempt.Tries++
		resp, err := p.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !provider.KindOf(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	start := time.Now()
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().
				Str("kind", string(provider.KindOf(err))).
				Int("try", attempt.Tries).
				Dur("retry_in", next).
				Msg("provider call failed, retrying")
		}),
	)
	latency := time.Since(start)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	if err == nil {
		ticket.Success()
		attempt.Outcome = OutcomeOK
		r.recorder.ObserveAttempt(key, string(OutcomeOK), latency)
		span.SetAttributes(attribute.Int("tries", attempt.Tries))
		return resp, attempt, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		ticket.Abandon()
		attempt.Outcome, attempt.Err = OutcomeCanceled, ctxErr
		span.SetStatus(codes.Error, "canceled")
		log.Info().Int("tries", attempt.Tries).Msg("request canceled during provider call")
		return nil, attempt, ctxErr
	}

	ticket.Failure()
	kind := provider.KindOf(err)
	attempt.Outcome, attempt.Err = Outcome(kind), err
	r.recorder.ObserveAttempt(key, string(kind), latency)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	log.Warn().
		Err(err).
		Str("kind", string(kind)).
		Int("tries", attempt.Tries).
		Msg("provider failed, escalating to next in chain")
	return nil, attempt, err
}

func (r *Router) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.cfg.BaseDelay,
		RandomizationFactor: r.cfg.Jitter,
		Multiplier:          r.cfg.Multiplier,
		MaxInterval:         r.cfg.MaxDelay,
	}
	b.Reset()
	return b
}
