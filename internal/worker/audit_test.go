package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
)

// blockingSink holds every Append until release is closed.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []string
}

func (s *blockingSink) Append(ctx context.Context, rec *billing.UsageRecord) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, rec.RequestID)
	return nil
}

func (s *blockingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.got...)
}

type flakySink struct {
	failures atomic.Int32
	calls    atomic.Int32
	store    *billing.MemoryAuditStore
}

func (s *flakySink) Append(ctx context.Context, rec *billing.UsageRecord) error {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return s.store.Append(ctx, rec)
}

func TestAuditQueue_DrainsOnClose(t *testing.T) {
	store := billing.NewMemoryAuditStore()
	q := NewAuditQueue(store, 16, zerolog.Nop())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Append(context.Background(), &billing.UsageRecord{RequestID: id, PIICategories: []string{"email"}}))
	}
	require.NoError(t, q.Close(context.Background()))

	records := store.Records()
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].RequestID)
	assert.Equal(t, []string{"email"}, records[0].PIICategories)
	assert.Zero(t, q.Overflowed())
}

func TestAuditQueue_FullBufferWritesSynchronously(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	q := NewAuditQueue(sink, 1, zerolog.Nop())

	// The worker takes the first record and blocks on it; the second fills
	// the buffer; the third must not be dropped.
	require.NoError(t, q.Append(context.Background(), &billing.UsageRecord{RequestID: "1"}))
	require.Eventually(t, func() bool { return len(q.records) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, q.Append(context.Background(), &billing.UsageRecord{RequestID: "2"}))

	done := make(chan struct{})
	go func() {
		_ = q.Append(context.Background(), &billing.UsageRecord{RequestID: "3"})
		close(done)
	}()

	require.Eventually(t, func() bool { return q.Overflowed() == 1 }, time.Second, time.Millisecond)
	close(sink.release)
	<-done
	require.NoError(t, q.Close(context.Background()))

	assert.ElementsMatch(t, []string{"1", "2", "3"}, sink.ids())
}

func TestAuditQueue_AppendAfterClose(t *testing.T) {
	store := billing.NewMemoryAuditStore()
	q := NewAuditQueue(store, 4, zerolog.Nop())
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	require.NoError(t, q.Append(context.Background(), &billing.UsageRecord{RequestID: "late"}))
	require.Len(t, store.Records(), 1)
	assert.Zero(t, q.Overflowed())
}

func TestAuditQueue_RetriesSinkErrors(t *testing.T) {
	sink := &flakySink{store: billing.NewMemoryAuditStore()}
	sink.failures.Store(1)
	q := NewAuditQueue(sink, 4, zerolog.Nop())

	require.NoError(t, q.Append(context.Background(), &billing.UsageRecord{RequestID: "r"}))
	require.NoError(t, q.Close(context.Background()))

	assert.Equal(t, int32(2), sink.calls.Load())
	assert.Len(t, sink.store.Records(), 1)
	assert.Zero(t, q.Failed())
}

func TestAuditQueue_CloseHonoursContext(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	q := NewAuditQueue(sink, 4, zerolog.Nop())
	require.NoError(t, q.Append(context.Background(), &billing.UsageRecord{RequestID: "stuck"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)

	close(sink.release)
	require.NoError(t, q.Close(context.Background()))
	assert.Equal(t, []string{"stuck"}, sink.ids())
}
