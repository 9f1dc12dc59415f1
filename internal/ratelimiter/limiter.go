package ratelimiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// SinkLimiters holds one token bucket limiter per notification sink.
// Burst equals the rate so a quiet sink cannot save up more than one
// second's worth of deliveries.
type SinkLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates SinkLimiters allowing ratePerSec deliveries per second per sink.
func New(ratePerSec int) *SinkLimiters {
	return &SinkLimiters{
		limit:    rate.Limit(ratePerSec),
		burst:    ratePerSec,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the sink's limiter grants a token. Limiters are created
// on first use. Returns a non-nil error only if ctx is done while waiting.
func (sl *SinkLimiters) Wait(ctx context.Context, sink string) error {
	return sl.limiter(sink).Wait(ctx)
}

func (sl *SinkLimiters) limiter(sink string) *rate.Limiter {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	l, ok := sl.limiters[sink]
	if !ok {
		l = rate.NewLimiter(sl.limit, sl.burst)
		sl.limiters[sink] = l
	}
	return l
}
