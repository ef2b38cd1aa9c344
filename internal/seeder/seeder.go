package seeder

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
)

const (
	DemoLicenseKey = "lic_demo0000000000000000"
	DemoTenantID   = "00000000-0000-0000-0000-000000000001"
	DemoCredits    = 100000
)

// LicenseCreator is implemented by the Postgres and in-memory ledgers.
type LicenseCreator interface {
	Create(ctx context.Context, key, tenantID string, credits int64, expiresAt *time.Time) (*billing.License, error)
}

// SeedDemoLicense creates the demo license unless it already exists.
func SeedDemoLicense(ctx context.Context, store LicenseCreator, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "seeder").Logger()

	_, err := store.Create(ctx, DemoLicenseKey, DemoTenantID, DemoCredits, nil)
	if errors.Is(err, billing.ErrLicenseExists) {
		logger.Info().Msg("demo license already exists, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info().
		Str("license", billing.Fingerprint(DemoLicenseKey)).
		Str("tenant_id", DemoTenantID).
		Int64("credits", DemoCredits).
		Msg("demo license created")
	return nil
}
