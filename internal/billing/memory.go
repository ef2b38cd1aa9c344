package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is a Ledger for tests and single-process development. Its
// mutex only serialises callers inside one process.
type MemoryLedger struct {
	mu       sync.Mutex
	licenses map[string]*License
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{licenses: make(map[string]*License), now: time.Now}
}

func (m *MemoryLedger) Create(_ context.Context, key, tenantID string, credits int64, expiresAt *time.Time) (*License, error) {
	if credits < 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	hash := HashKey(key)
	if _, exists := m.licenses[hash]; exists {
		return nil, ErrLicenseExists
	}
	now := m.now()
	l := &License{
		ID:               uuid.NewString(),
		KeyHash:          hash,
		TenantID:         tenantID,
		Active:           true,
		ExpiresAt:        expiresAt,
		CreditsRemaining: credits,
		CreditsTotal:     credits,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.licenses[hash] = l
	cp := *l
	return &cp, nil
}

func (m *MemoryLedger) GetLicense(_ context.Context, key string) (*License, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[HashKey(key)]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryLedger) Deduct(_ context.Context, key string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[HashKey(key)]
	if !ok {
		return 0, ErrLicenseNotFound
	}
	now := m.now()
	if err := l.Check(now, amount); err != nil {
		return 0, err
	}
	l.CreditsRemaining -= amount
	l.UpdatedAt = now
	return l.CreditsRemaining, nil
}

func (m *MemoryLedger) AddCredits(_ context.Context, key string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[HashKey(key)]
	if !ok {
		return 0, ErrLicenseNotFound
	}
	l.CreditsRemaining += amount
	l.CreditsTotal += amount
	l.UpdatedAt = m.now()
	return l.CreditsRemaining, nil
}

func (m *MemoryLedger) Deactivate(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.licenses[HashKey(key)]
	if !ok {
		return ErrLicenseNotFound
	}
	l.Active = false
	l.UpdatedAt = m.now()
	return nil
}

// MemoryAuditStore is an append-only in-process AuditStore.
type MemoryAuditStore struct {
	mu      sync.Mutex
	records []UsageRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

func (s *MemoryAuditStore) Append(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = uuid.NewString()
	rec.CreatedAt = time.Now()
	cp := *rec
	cp.PIICategories = append([]string(nil), rec.PIICategories...)
	s.records = append(s.records, cp)
	return nil
}

func (s *MemoryAuditStore) ListByLicense(_ context.Context, licenseHash string, from, to time.Time) ([]*UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*UsageRecord
	for i := range s.records {
		r := s.records[i]
		if r.LicenseHash != licenseHash || r.CreatedAt.Before(from) || r.CreatedAt.After(to) {
			continue
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAuditStore) TotalCreditsByLicense(ctx context.Context, licenseHash string, from, to time.Time) (int64, error) {
	records, _ := s.ListByLicense(ctx, licenseHash, from, to)
	var total int64
	for _, r := range records {
		total += r.CreditsDeducted
	}
	return total, nil
}

// Records returns a copy of everything appended, oldest first.
func (s *MemoryAuditStore) Records() []UsageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UsageRecord(nil), s.records...)
}
