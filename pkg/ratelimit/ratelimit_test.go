package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockLimiterStore struct {
	allowed bool
	err     error
	keys    []string
	ns      []int
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	m.ns = append(m.ns, n)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow(t *testing.T) {
	store := &mockLimiterStore{allowed: true}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), "abc123", 250)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"ratelimit:license:abc123"}, store.keys)
	assert.Equal(t, []int{250}, store.ns)
}

func TestAllow_DefaultEstimate(t *testing.T) {
	store := &mockLimiterStore{allowed: false}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), "abc123", 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []int{DefaultEstimate}, store.ns)
}

func TestAllow_StoreError(t *testing.T) {
	l := NewTestLimiter(&mockLimiterStore{allowed: true, err: errors.New("redis down")})

	ok, err := l.Allow(context.Background(), "abc123", 10)
	assert.Error(t, err)
	assert.False(t, ok)
}
