package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PostgresLedger keeps balances in the licenses table. Deduct is one
// conditional UPDATE, so the row lock taken by Postgres serialises concurrent
// deductions across every gateway instance.
type PostgresLedger struct {
	db  DB
	now func() time.Time
}

func NewPostgresLedger(db DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

const licenseColumns = `id, key_hash, tenant_id, active, expires_at, credits_remaining, credits_total, created_at, updated_at`

func scanLicense(row pgx.Row) (*License, error) {
	var l License
	err := row.Scan(
		&l.ID, &l.KeyHash, &l.TenantID, &l.Active, &l.ExpiresAt,
		&l.CreditsRemaining, &l.CreditsTotal, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresLedger) GetLicense(ctx context.Context, key string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key_hash = $1`
	l, err := scanLicense(s.db.QueryRow(ctx, query, HashKey(key)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLicenseNotFound
		}
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return l, nil
}

func (s *PostgresLedger) Deduct(ctx context.Context, key string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	query := `
		UPDATE licenses
		SET credits_remaining = credits_remaining - $2, updated_at = NOW()
		WHERE key_hash = $1
		  AND active
		  AND (expires_at IS NULL OR expires_at > NOW())
		  AND credits_remaining >= $2
		RETURNING credits_remaining
	`
	var balance int64
	err := s.db.QueryRow(ctx, query, HashKey(key), amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}

	// Nothing was updated. Read the row back only to say why.
	l, err := s.GetLicense(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := l.Check(s.now(), amount); err != nil {
		return 0, err
	}
	// Eligible now: credits were added after the update ran.
	return 0, ErrInsufficientCredits
}

func (s *PostgresLedger) AddCredits(ctx context.Context, key string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	query := `
		UPDATE licenses
		SET credits_remaining = credits_remaining + $2,
		    credits_total = credits_total + $2,
		    updated_at = NOW()
		WHERE key_hash = $1
		RETURNING credits_remaining
	`
	var balance int64
	err := s.db.QueryRow(ctx, query, HashKey(key), amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrLicenseNotFound
		}
		return 0, fmt.Errorf("failed to add credits: %w", err)
	}
	return balance, nil
}

// Create provisions a license for key. Creating an existing key returns
// ErrLicenseExists.
func (s *PostgresLedger) Create(ctx context.Context, key, tenantID string, credits int64, expiresAt *time.Time) (*License, error) {
	if credits < 0 {
		return nil, ErrInvalidAmount
	}

	query := `
		INSERT INTO licenses (key_hash, tenant_id, active, expires_at, credits_remaining, credits_total)
		VALUES ($1, $2, true, $3, $4, $4)
		ON CONFLICT (key_hash) DO NOTHING
		RETURNING ` + licenseColumns
	l, err := scanLicense(s.db.QueryRow(ctx, query, HashKey(key), tenantID, expiresAt, credits))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLicenseExists
		}
		return nil, fmt.Errorf("failed to create license: %w", err)
	}
	return l, nil
}

func (s *PostgresLedger) Deactivate(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `UPDATE licenses SET active = false, updated_at = NOW() WHERE key_hash = $1`, HashKey(key))
	if err != nil {
		return fmt.Errorf("failed to deactivate license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLicenseNotFound
	}
	return nil
}
