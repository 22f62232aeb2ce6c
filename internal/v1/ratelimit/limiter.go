// Package ratelimit implements connection admission limiting per client IP.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// ConnLimiter bounds how often a single IP may open new connections.
// State lives in an in-memory store; admission decisions are local to the
// process, which matches a single-instance relay.
type ConnLimiter struct {
	limiter *limiter.Limiter
}

// New creates a ConnLimiter from a formatted rate string such as "300-M"
// (300 connections per minute).
func New(rate string) (*ConnLimiter, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid connection rate %q: %w", rate, err)
	}
	return &ConnLimiter{
		limiter: limiter.New(memory.NewStore(), parsed),
	}, nil
}

// Allow records one connection attempt for key (the client IP) and reports
// whether it is within the configured rate.
func (l *ConnLimiter) Allow(ctx context.Context, key string) bool {
	lctx, err := l.limiter.Get(ctx, key)
	if err != nil {
		// Store errors must not lock clients out.
		return true
	}
	return !lctx.Reached
}
