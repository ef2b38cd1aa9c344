package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// DefaultEstimate is charged against the window when a request does not
// state its max tokens.
const DefaultEstimate = 1000

// Limiter is a per-license token budget over a sliding minute, backed by
// github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func key(subject string) string {
	return fmt.Sprintf("ratelimit:license:%s", subject)
}

// Allow charges tokens to subject's window. subject is a license key hash;
// raw keys never reach Redis.
func (l *Limiter) Allow(ctx context.Context, subject string, tokens int) (bool, error) {
	if tokens <= 0 {
		tokens = DefaultEstimate
	}
	res, err := l.store.AllowN(ctx, key(subject), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
