// Package api is the HTTP surface of the gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/eu-llm-gateway/internal/auth"
	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
	"github.com/vnmchuo/eu-llm-gateway/internal/health"
	"github.com/vnmchuo/eu-llm-gateway/internal/pipeline"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

const maxBodyBytes = 1 << 20

type Generator interface {
	Generate(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

type UsageStore interface {
	ListByLicense(ctx context.Context, licenseHash string, from, to time.Time) ([]*billing.UsageRecord, error)
	TotalCreditsByLicense(ctx context.Context, licenseHash string, from, to time.Time) (int64, error)
}

type ProviderCatalog interface {
	Descriptors() []provider.Descriptor
}

type CircuitSource interface {
	Snapshot(provider string) health.CircuitState
}

type Handler struct {
	gen       Generator
	ledger    billing.Ledger
	usage     UsageStore
	providers ProviderCatalog
	circuits  CircuitSource
	logger    zerolog.Logger
}

func NewHandler(gen Generator, ledger billing.Ledger, usage UsageStore, providers ProviderCatalog, circuits CircuitSource, logger zerolog.Logger) *Handler {
	return &Handler{
		gen:       gen,
		ledger:    ledger,
		usage:     usage,
		providers: providers,
		circuits:  circuits,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

type generateRequest struct {
	Prompt     string `json:"prompt"`
	LicenseKey string `json:"licenseKey"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	EUOnly     bool   `json:"euOnly"`
	MaxTokens  int    `json:"maxTokens"`
}

// HandleGenerate runs one generation. The license key comes from the body,
// or from the Authorization header when the body has none.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, pipeline.CategoryInvalidRequest, "invalid request body")
		return
	}
	if body.LicenseKey == "" {
		body.LicenseKey = auth.GetLicenseKey(ctx)
	}

	res, err := h.gen.Generate(ctx, pipeline.Request{
		Prompt:     body.Prompt,
		LicenseKey: body.LicenseKey,
		Provider:   body.Provider,
		Model:      body.Model,
		MaxTokens:  body.MaxTokens,
		EUOnly:     body.EUOnly,
		RequestID:  auth.GetRequestID(ctx),
	})
	if err != nil {
		category := pipeline.CategoryOf(err)
		if category == pipeline.CategoryRateLimitExceeded || category == pipeline.CategoryProviderRateLimited {
			w.Header().Set("Retry-After", "60")
		}
		writeError(w, category, message(category, err))
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := auth.GetLicenseKey(ctx)

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, pipeline.CategoryInvalidRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, pipeline.CategoryInvalidRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}

	hash := billing.HashKey(key)
	records, err := h.usage.ListByLicense(ctx, hash, from, to)
	if err != nil {
		h.internal(w, r, err, "failed to list usage")
		return
	}
	total, err := h.usage.TotalCreditsByLicense(ctx, hash, from, to)
	if err != nil {
		h.internal(w, r, err, "failed to sum usage")
		return
	}
	if records == nil {
		records = []*billing.UsageRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"license":       billing.Fingerprint(key),
		"totalRequests": len(records),
		"totalCredits":  total,
		"records":       records,
		"from":          from,
		"to":            to,
	})
}

func (h *Handler) HandleLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	l, err := h.ledger.GetLicense(ctx, auth.GetLicenseKey(ctx))
	if err != nil {
		category := pipeline.CategoryOf(err)
		if category == pipeline.CategoryInternal {
			h.internal(w, r, err, "failed to load license")
			return
		}
		writeError(w, category, message(category, err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":         l.TenantID,
		"active":           l.Active,
		"expiresAt":        l.ExpiresAt,
		"creditsRemaining": l.CreditsRemaining,
		"creditsTotal":     l.CreditsTotal,
	})
}

type providerView struct {
	Key              string              `json:"key"`
	Kind             provider.Kind       `json:"kind"`
	Label            string              `json:"label"`
	Region           string              `json:"region"`
	EUCompliant      bool                `json:"euCompliant"`
	DefaultModel     string              `json:"defaultModel"`
	CreditMultiplier float64             `json:"creditMultiplier"`
	Circuit          health.CircuitState `json:"circuit"`
}

func (h *Handler) HandleProviders(w http.ResponseWriter, r *http.Request) {
	descs := h.providers.Descriptors()
	out := make([]providerView, 0, len(descs))
	for _, d := range descs {
		out = append(out, providerView{
			Key:              d.Key,
			Kind:             d.Kind,
			Label:            d.Label,
			Region:           d.Region,
			EUCompliant:      d.EUCompliant,
			DefaultModel:     d.DefaultModel,
			CreditMultiplier: d.CreditMultiplier,
			Circuit:          h.circuits.Snapshot(d.Key),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// HandleAddCredits tops up the license named in the path.
func (h *Handler) HandleAddCredits(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !billing.ValidKeyFormat(key) {
		writeError(w, pipeline.CategoryInvalidRequest, "invalid license key")
		return
	}

	var body struct {
		Credits int64 `json:"credits"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, pipeline.CategoryInvalidRequest, "invalid request body")
		return
	}

	balance, err := h.ledger.AddCredits(r.Context(), key, body.Credits)
	if err != nil {
		category := pipeline.CategoryOf(err)
		if category == pipeline.CategoryInternal {
			h.internal(w, r, err, "failed to add credits")
			return
		}
		writeError(w, category, message(category, err))
		return
	}

	h.logger.Info().
		Str("license", billing.Fingerprint(key)).
		Int64("credits", body.Credits).
		Int64("balance", balance).
		Msg("credits added")
	writeJSON(w, http.StatusOK, map[string]any{"creditsRemaining": balance})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "eu-llm-gateway"})
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, err error, msg string) {
	ctx := r.Context()
	ev := h.logger.Error().Err(err).Str("request_id", auth.GetRequestID(ctx))
	if tenant := auth.GetTenantID(ctx); tenant != "" {
		ev = ev.Str("tenant_id", tenant)
	}
	ev.Msg(msg)
	writeError(w, pipeline.CategoryInternal, msg)
}

// message hides storage details behind Internal.
func message(c pipeline.Category, err error) string {
	if c == pipeline.CategoryInternal {
		return "internal error"
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		return pe.Err.Error()
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, c pipeline.Category, msg string) {
	writeJSON(w, c.HTTPStatus(), map[string]string{"error": string(c), "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
