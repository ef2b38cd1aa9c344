package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrLicenseNotFound     = errors.New("license not found")
	ErrLicenseInactive     = errors.New("license inactive")
	ErrLicenseExpired      = errors.New("license expired")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrLicenseExists       = errors.New("license already exists")
)

const keyPrefix = "lic_"

var keyFormat = regexp.MustCompile(`^lic_[A-Za-z0-9]{16,64}$`)

// NewKey returns a fresh license key.
func NewKey() string {
	return keyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func ValidKeyFormat(key string) bool {
	return keyFormat.MatchString(key)
}

// HashKey is how license keys are stored and referenced; the raw key is
// never persisted.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// Fingerprint is a short, log-safe reference to a license key.
func Fingerprint(key string) string {
	return HashKey(key)[:12]
}

type License struct {
	ID               string     `json:"id"`
	KeyHash          string     `json:"key_hash"`
	TenantID         string     `json:"tenant_id"`
	Active           bool       `json:"active"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreditsRemaining int64      `json:"credits_remaining"`
	CreditsTotal     int64      `json:"credits_total"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (l *License) MarshalBinary() ([]byte, error) {
	return json.Marshal(l)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (l *License) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, l)
}

// Check reports why amount could not be deducted from l at now, or nil.
func (l *License) Check(now time.Time, amount int64) error {
	switch {
	case !l.Active:
		return ErrLicenseInactive
	case l.ExpiresAt != nil && !now.Before(*l.ExpiresAt):
		return ErrLicenseExpired
	case l.CreditsRemaining < amount:
		return ErrInsufficientCredits
	}
	return nil
}

// Ledger owns license balances. Deduct is a single check-and-decrement in the
// backing store; concurrent callers, including other processes, never observe
// or produce a negative balance.
type Ledger interface {
	GetLicense(ctx context.Context, key string) (*License, error)
	Deduct(ctx context.Context, key string, amount int64) (int64, error)
	AddCredits(ctx context.Context, key string, amount int64) (int64, error)
}

// UsageRecord is one immutable audit row per pipeline request. It never holds
// the prompt or any redacted value.
type UsageRecord struct {
	ID                 string    `json:"id"`
	LicenseHash        string    `json:"-"`
	RequestID          string    `json:"request_id"`
	RequestedProvider  string    `json:"requested_provider"`
	ProviderUsed       string    `json:"provider_used,omitempty"`
	Model              string    `json:"model,omitempty"`
	TokensUsed         int       `json:"tokens_used"`
	CreditsDeducted    int64     `json:"credits_deducted"`
	Success            bool      `json:"success"`
	ErrorCategory      string    `json:"error_category,omitempty"`
	PIIDetected        bool      `json:"pii_detected"`
	PIICategories      []string  `json:"pii_categories,omitempty"`
	EUOnly             bool      `json:"eu_only"`
	ComplianceFallback bool      `json:"compliance_fallback"`
	Failover           bool      `json:"failover"`
	LatencyMs          int64     `json:"latency_ms"`
	CreatedAt          time.Time `json:"created_at"`
}

// AuditSink accepts usage records. Implementations are append-only.
type AuditSink interface {
	Append(ctx context.Context, rec *UsageRecord) error
}

type AuditStore interface {
	AuditSink
	ListByLicense(ctx context.Context, licenseHash string, from, to time.Time) ([]*UsageRecord, error)
	TotalCreditsByLicense(ctx context.Context, licenseHash string, from, to time.Time) (int64, error)
}
