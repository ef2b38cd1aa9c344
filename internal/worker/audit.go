// Package worker moves usage-record writes off the request path.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/vnmchuo/eu-llm-gateway/internal/billing"
)

const (
	writeTimeout = 5 * time.Second
	writeTries   = 3
)

// AuditQueue is a billing.AuditSink that buffers records and writes them to
// the wrapped sink from one background goroutine. A record is never dropped:
// when the buffer is full, or after Close, Append writes synchronously.
type AuditQueue struct {
	sink   billing.AuditSink
	logger zerolog.Logger

	records chan *billing.UsageRecord
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	overflow atomic.Uint64
	failed   atomic.Uint64
}

func NewAuditQueue(sink billing.AuditSink, size int, logger zerolog.Logger) *AuditQueue {
	q := &AuditQueue{
		sink:    sink,
		logger:  logger.With().Str("component", "audit_queue").Logger(),
		records: make(chan *billing.UsageRecord, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *AuditQueue) Append(ctx context.Context, rec *billing.UsageRecord) error {
	cp := *rec
	cp.PIICategories = append([]string(nil), rec.PIICategories...)

	q.mu.RLock()
	queued := false
	if !q.closed {
		select {
		case q.records <- &cp:
			queued = true
		default:
		}
	}
	closed := q.closed
	q.mu.RUnlock()

	if queued {
		return nil
	}
	if !closed {
		q.overflow.Add(1)
		q.logger.Warn().Str("request_id", rec.RequestID).Msg("audit queue full, writing synchronously")
	}
	return q.sink.Append(ctx, rec)
}

func (q *AuditQueue) run() {
	defer close(q.done)
	for rec := range q.records {
		q.write(rec)
	}
}

func (q *AuditQueue) write(rec *billing.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, q.sink.Append(ctx, rec)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(writeTries),
	)
	if err != nil {
		q.failed.Add(1)
		q.logger.Error().Err(err).Str("request_id", rec.RequestID).Msg("failed to write usage record")
	}
}

// Close stops accepting queued records and waits until the buffer is
// drained or ctx is done.
func (q *AuditQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.records)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Overflowed counts records written synchronously because the buffer was full.
func (q *AuditQueue) Overflowed() uint64 { return q.overflow.Load() }

// Failed counts queued records the sink rejected on every try.
func (q *AuditQueue) Failed() uint64 { return q.failed.Load() }
