package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
)

// CacheTTL bounds how long a license lookup is served from Redis.
const CacheTTL = 5 * time.Minute

// LicenseSource is the read side of billing.Ledger.
type LicenseSource interface {
	GetLicense(ctx context.Context, key string) (*billing.License, error)
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	licenseKeyKey contextKey = "license_key"
	tenantIDKey   contextKey = "tenant_id"
	requestIDKey  contextKey = "request_id"
)

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:license:%s", keyHash)
}

// NewMiddleware assigns a request id and, when the request carries a Bearer
// license key, verifies that the license exists and stores the key and its
// tenant in the context. Requests without credentials pass through; routes
// that need them are wrapped with RequireLicense. cache may be nil.
func NewMiddleware(source LicenseSource, cache *redis.Client, logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "auth").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			key, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || !billing.ValidKeyFormat(key) {
				unauthorized(w, "missing or malformed license key")
				return
			}

			keyHash := billing.HashKey(key)
			var license billing.License
			cached := false
			if cache != nil {
				err := cache.Get(ctx, cacheKey(keyHash)).Scan(&license)
				switch {
				case err == nil:
					cached = true
				case !errors.Is(err, redis.Nil):
					logger.Warn().Err(err).Msg("license cache unavailable")
				}
			}

			if !cached {
				l, err := source.GetLicense(ctx, key)
				if err != nil {
					if errors.Is(err, billing.ErrLicenseNotFound) {
						unauthorized(w, "unknown license key")
						return
					}
					logger.Error().Err(err).Str("license", billing.Fingerprint(key)).Msg("license lookup failed")
					writeJSON(w, http.StatusInternalServerError, "Internal", "license lookup failed")
					return
				}
				license = *l
				if cache != nil {
					if err := cache.Set(ctx, cacheKey(keyHash), &license, CacheTTL).Err(); err != nil {
						logger.Warn().Err(err).Msg("failed to cache license")
					}
				}
			}

			ctx = context.WithValue(ctx, licenseKeyKey, key)
			ctx = context.WithValue(ctx, tenantIDKey, license.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireLicense rejects requests that NewMiddleware did not authenticate.
func RequireLicense(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetLicenseKey(r.Context()) == "" {
			unauthorized(w, "license key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminToken guards operator routes. An empty token disables them.
func RequireAdminToken(token string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("X-Admin-Token") != token {
				writeJSON(w, http.StatusForbidden, "Forbidden", "admin token required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, "Unauthorized", msg)
}

func writeJSON(w http.ResponseWriter, status int, category, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": category, "message": msg})
}

// Helpers to extract from context
func GetLicenseKey(ctx context.Context) string {
	if key, ok := ctx.Value(licenseKeyKey).(string); ok {
		return key
	}
	return ""
}

func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithLicenseKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, licenseKeyKey, key)
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
