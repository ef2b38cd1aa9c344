package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/eu-llm-gateway/internal/auth"
)

type RouterConfig struct {
	Auth       auth.Middleware
	AdminToken string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

func NewRouter(h *Handler, cfg RouterConfig, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", h.HandleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth)
		r.Post("/v1/generate", h.HandleGenerate)
		r.Get("/v1/providers", h.HandleProviders)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireLicense)
			r.Get("/v1/usage", h.HandleUsage)
			r.Get("/v1/license", h.HandleLicense)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdminToken(cfg.AdminToken))
		r.Post("/admin/licenses/{key}/credits", h.HandleAddCredits)
	})

	return r
}

// AccessLog writes one zerolog event per request. The matched route pattern
// is logged instead of the path, since paths may carry a license key. Query
// strings and bodies are not logged.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := logger.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = logger.Warn()
				}
				ev.Str("method", r.Method).
					Str("route", routePattern(r)).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", ww.Header().Get("X-Request-ID")).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
