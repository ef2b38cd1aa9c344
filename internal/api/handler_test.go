package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/eu-llm-gateway/internal/auth"
	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
	"github.com/vnmchuo/eu-llm-gateway/internal/health"
	"github.com/vnmchuo/eu-llm-gateway/internal/pipeline"
	"github.com/vnmchuo/eu-llm-gateway/internal/provider"
)

// Mock Generator
type mockGenerator struct {
	generateFunc func(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	last         pipeline.Request
}

func (m *mockGenerator) Generate(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	m.last = req
	if m.generateFunc != nil {
		return m.generateFunc(ctx, req)
	}
	return &pipeline.Result{
		RequestID:         req.RequestID,
		Content:           "mock",
		TokensUsed:        30,
		CreditsDeducted:   30,
		ProviderUsed:      "mistral",
		RequestedProvider: "openai",
		EUCompliant:       true,
		FallbackApplied:   true,
	}, nil
}

type nopProvider struct{}

func (nopProvider) Name() string { return "nop" }
func (nopProvider) Generate(context.Context, *provider.Request) (*provider.Response, error) {
	return nil, errors.New("not used")
}

type testEnv struct {
	router  http.Handler
	gen     *mockGenerator
	ledger  *billing.MemoryLedger
	audit   *billing.MemoryAuditStore
	tracker *health.Tracker
	reg     *provider.Registry
	key     string
}

const adminToken = "admin-s3cret"

func setupTest(t *testing.T) *testEnv {
	t.Helper()
	return setupTestWithLogger(t, zerolog.Nop())
}

func setupTestWithLogger(t *testing.T, logger zerolog.Logger) *testEnv {
	t.Helper()
	env := &testEnv{
		gen:     &mockGenerator{},
		ledger:  billing.NewMemoryLedger(),
		audit:   billing.NewMemoryAuditStore(),
		tracker: health.NewTracker(health.Settings{FailureThreshold: 1, Cooldown: time.Hour}, zerolog.Nop()),
		key:     billing.NewKey(),
	}
	if _, err := env.ledger.Create(context.Background(), env.key, "tenant-1", 500, nil); err != nil {
		t.Fatalf("create license: %v", err)
	}

	reg := provider.NewRegistry()
	env.reg = reg
	_ = reg.Register(provider.Descriptor{Key: "mistral", Kind: provider.KindMistral, EUCompliant: true, Region: "eu-west-3", CreditMultiplier: 1}, nopProvider{})
	_ = reg.Register(provider.Descriptor{Key: "openai", Kind: provider.KindOpenAI, CreditMultiplier: 1}, nopProvider{})

	h := NewHandler(env.gen, env.ledger, env.audit, reg, env.tracker, logger)
	env.router = NewRouter(h, env.routerConfig(), logger)
	return env
}

func (env *testEnv) routerConfig() RouterConfig {
	return RouterConfig{
		Auth:       auth.NewMiddleware(env.ledger, nil, zerolog.Nop()),
		AdminToken: adminToken,
		Metrics:    http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	}
}

func (env *testEnv) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestHandleGenerate_Success(t *testing.T) {
	env := setupTest(t)
	body, _ := json.Marshal(map[string]any{
		"prompt":     "Contact me at a@b.com",
		"licenseKey": env.key,
		"provider":   "openai",
		"model":      "gpt-4o",
		"euOnly":     true,
	})

	w := env.do(http.MethodPost, "/v1/generate", string(body), nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["content"] != "mock" {
		t.Errorf("Expected content mock, got %v", resp["content"])
	}
	if resp["providerUsed"] != "mistral" || resp["fallbackApplied"] != true || resp["euCompliant"] != true {
		t.Errorf("Unexpected routing fields: %v", resp)
	}
	if resp["creditsDeducted"].(float64) != 30 {
		t.Errorf("Expected creditsDeducted 30, got %v", resp["creditsDeducted"])
	}
	if _, ok := resp["error"]; ok {
		t.Errorf("Success body must not carry an error field")
	}

	got := env.gen.last
	if got.LicenseKey != env.key || got.Provider != "openai" || got.Model != "gpt-4o" || !got.EUOnly {
		t.Errorf("Request not forwarded as sent: %+v", got)
	}
	if got.RequestID == "" || got.RequestID != w.Header().Get("X-Request-ID") {
		t.Errorf("Expected request id %q to match header %q", got.RequestID, w.Header().Get("X-Request-ID"))
	}
}

func TestHandleGenerate_KeyFromAuthorizationHeader(t *testing.T) {
	env := setupTest(t)

	w := env.do(http.MethodPost, "/v1/generate", `{"prompt":"hi"}`, map[string]string{"Authorization": "Bearer " + env.key})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if env.gen.last.LicenseKey != env.key {
		t.Errorf("Expected license key from header, got %q", env.gen.last.LicenseKey)
	}
}

func TestHandleGenerate_InvalidBody(t *testing.T) {
	env := setupTest(t)

	w := env.do(http.MethodPost, "/v1/generate", `{invalid json}`, nil)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if resp := decode(t, w); resp["error"] != "InvalidRequest" {
		t.Errorf("Expected InvalidRequest, got %v", resp["error"])
	}
}

func TestHandleGenerate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"insufficient", billing.ErrInsufficientCredits, http.StatusPaymentRequired, "InsufficientCredits"},
		{"not found", billing.ErrLicenseNotFound, http.StatusNotFound, "LicenseNotFound"},
		{"expired", billing.ErrLicenseExpired, http.StatusForbidden, "LicenseExpired"},
		{"rate limited", &pipeline.Error{Category: pipeline.CategoryRateLimitExceeded, Err: pipeline.ErrRateLimited}, http.StatusTooManyRequests, "RateLimitExceeded"},
		{"canceled", context.Canceled, pipeline.StatusClientClosedRequest, "Canceled"},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError, "Internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t)
			env.gen.generateFunc = func(context.Context, pipeline.Request) (*pipeline.Result, error) {
				return nil, tt.err
			}

			w := env.do(http.MethodPost, "/v1/generate", `{"prompt":"hi","licenseKey":"`+env.key+`"}`, nil)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected %d, got %d", tt.wantStatus, w.Code)
			}
			resp := decode(t, w)
			if resp["error"] != tt.wantError {
				t.Errorf("Expected %s, got %v", tt.wantError, resp["error"])
			}
			if _, ok := resp["content"]; ok {
				t.Errorf("Error body must not carry content")
			}
			if tt.wantError == "Internal" && strings.Contains(w.Body.String(), "pq:") {
				t.Errorf("Internal error leaked storage detail: %s", w.Body.String())
			}
			if tt.wantError == "RateLimitExceeded" && w.Header().Get("Retry-After") == "" {
				t.Errorf("Expected Retry-After header")
			}
		})
	}
}

func TestHandleUsage_Unauthorized(t *testing.T) {
	env := setupTest(t)

	w := env.do(http.MethodGet, "/v1/usage", "", nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestHandleUsage_InvalidDateFormat(t *testing.T) {
	env := setupTest(t)

	w := env.do(http.MethodGet, "/v1/usage?from=not-a-date", "", map[string]string{"Authorization": "Bearer " + env.key})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestHandleUsage_Success(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	hash := billing.HashKey(env.key)
	_ = env.audit.Append(ctx, &billing.UsageRecord{LicenseHash: hash, RequestID: "r1", Success: true, CreditsDeducted: 30})
	_ = env.audit.Append(ctx, &billing.UsageRecord{LicenseHash: hash, RequestID: "r2", ErrorCategory: "InsufficientCredits"})
	_ = env.audit.Append(ctx, &billing.UsageRecord{LicenseHash: billing.HashKey(billing.NewKey()), RequestID: "other", CreditsDeducted: 99})

	w := env.do(http.MethodGet, "/v1/usage", "", map[string]string{"Authorization": "Bearer " + env.key})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["totalRequests"].(float64) != 2 {
		t.Errorf("Expected totalRequests == 2, got %v", resp["totalRequests"])
	}
	if resp["totalCredits"].(float64) != 30 {
		t.Errorf("Expected totalCredits == 30, got %v", resp["totalCredits"])
	}
	if resp["license"] != billing.Fingerprint(env.key) {
		t.Errorf("Expected fingerprint, got %v", resp["license"])
	}
	if strings.Contains(w.Body.String(), env.key) || strings.Contains(w.Body.String(), hash) {
		t.Errorf("Usage response exposes the license key or its hash")
	}
}

func TestHandleLicense(t *testing.T) {
	env := setupTest(t)

	w := env.do(http.MethodGet, "/v1/license", "", map[string]string{"Authorization": "Bearer " + env.key})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["creditsRemaining"].(float64) != 500 || resp["tenantId"] != "tenant-1" {
		t.Errorf("Unexpected license body: %v", resp)
	}
}

func TestHandleProviders(t *testing.T) {
	env := setupTest(t)
	ticket, err := env.tracker.Acquire("openai")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ticket.Failure()

	w := env.do(http.MethodGet, "/v1/providers", "", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Providers []providerView `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Providers) != 2 {
		t.Fatalf("Expected 2 providers, got %d", len(resp.Providers))
	}
	states := map[string]health.State{}
	for _, p := range resp.Providers {
		states[p.Key] = p.Circuit.State
	}
	if states["openai"] != health.StateOpen || states["mistral"] != health.StateClosed {
		t.Errorf("Unexpected circuit states: %v", states)
	}
}

func TestHandleAddCredits(t *testing.T) {
	env := setupTest(t)
	path := "/admin/licenses/" + env.key + "/credits"
	admin := map[string]string{"X-Admin-Token": adminToken}

	if w := env.do(http.MethodPost, path, `{"credits":100}`, nil); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without token, got %d", w.Code)
	}

	w := env.do(http.MethodPost, path, `{"credits":100}`, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["creditsRemaining"].(float64) != 600 {
		t.Errorf("Expected 600, got %v", resp["creditsRemaining"])
	}

	if w := env.do(http.MethodPost, path, `{"credits":-5}`, admin); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative credits, got %d", w.Code)
	}
	unknown := "/admin/licenses/" + billing.NewKey() + "/credits"
	if w := env.do(http.MethodPost, unknown, `{"credits":5}`, admin); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown license, got %d", w.Code)
	}
	if w := env.do(http.MethodPost, "/admin/licenses/nope/credits", `{"credits":5}`, admin); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed key, got %d", w.Code)
	}
}

func TestAccessLog_OmitsLicenseKey(t *testing.T) {
	var buf bytes.Buffer
	env := setupTestWithLogger(t, zerolog.New(&buf))
	admin := map[string]string{"X-Admin-Token": adminToken}

	w := env.do(http.MethodPost, "/admin/licenses/"+env.key+"/credits", `{"credits":10}`, admin)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	env.do(http.MethodGet, "/admin/licenses/"+env.key+"/credits", "", admin)

	out := buf.String()
	if strings.Contains(out, env.key) {
		t.Errorf("License key written to log: %s", out)
	}
	if !strings.Contains(out, `"route":"/admin/licenses/{key}/credits"`) {
		t.Errorf("Expected route pattern in access log, got: %s", out)
	}
	if !strings.Contains(out, billing.Fingerprint(env.key)) {
		t.Errorf("Expected license fingerprint in credits log, got: %s", out)
	}
}

type failingUsage struct{}

func (failingUsage) ListByLicense(context.Context, string, time.Time, time.Time) ([]*billing.UsageRecord, error) {
	return nil, errors.New("connection refused")
}

func (failingUsage) TotalCreditsByLicense(context.Context, string, time.Time, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestHandleUsage_StoreErrorLogsTenant(t *testing.T) {
	env := setupTest(t)
	var buf bytes.Buffer
	h := NewHandler(env.gen, env.ledger, failingUsage{}, env.reg, env.tracker, zerolog.New(&buf))
	router := NewRouter(h, env.routerConfig(), zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+env.key)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if resp := decode(t, w); resp["message"] != "failed to list usage" {
		t.Errorf("Unexpected message: %v", resp["message"])
	}
	out := buf.String()
	if !strings.Contains(out, `"tenant_id":"tenant-1"`) {
		t.Errorf("Expected tenant on error log, got: %s", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("Expected cause on error log, got: %s", out)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupTest(t)

	w := env.do(http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Errorf("Unexpected healthz response: %d %s", w.Code, w.Body.String())
	}

	w = env.do(http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("# metrics")) {
		t.Errorf("Unexpected metrics response: %d", w.Code)
	}
}
