package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresAuditStore writes usage_records. The table itself rejects UPDATE
// and DELETE, so this type only ever inserts and reads.
type PostgresAuditStore struct {
	db DB
}

func NewPostgresAuditStore(db DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, rec *UsageRecord) error {
	query := `
		INSERT INTO usage_records (
			license_hash, request_id, requested_provider, provider_used, model,
			tokens_used, credits_deducted, success, error_category,
			pii_detected, pii_categories, eu_only, compliance_fallback, failover, latency_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at
	`
	categories := rec.PIICategories
	if categories == nil {
		categories = []string{}
	}
	err := s.db.QueryRow(ctx, query,
		rec.LicenseHash, rec.RequestID, rec.RequestedProvider, rec.ProviderUsed, rec.Model,
		rec.TokensUsed, rec.CreditsDeducted, rec.Success, rec.ErrorCategory,
		rec.PIIDetected, categories, rec.EUOnly, rec.ComplianceFallback, rec.Failover, rec.LatencyMs,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) ListByLicense(ctx context.Context, licenseHash string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, license_hash, request_id, requested_provider, provider_used, model,
		       tokens_used, credits_deducted, success, error_category,
		       pii_detected, pii_categories, eu_only, compliance_fallback, failover, latency_ms, created_at
		FROM usage_records
		WHERE license_hash = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, licenseHash, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.LicenseHash, &r.RequestID, &r.RequestedProvider, &r.ProviderUsed, &r.Model,
			&r.TokensUsed, &r.CreditsDeducted, &r.Success, &r.ErrorCategory,
			&r.PIIDetected, &r.PIICategories, &r.EUOnly, &r.ComplianceFallback, &r.Failover, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresAuditStore) TotalCreditsByLicense(ctx context.Context, licenseHash string, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(credits_deducted), 0)
		FROM usage_records
		WHERE license_hash = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	if err := s.db.QueryRow(ctx, query, licenseHash, from, to).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get total credits: %w", err)
	}
	return total, nil
}
