// Package pacing enforces a fixed gap between successive requests. It is the
// politeness pause between batch chunks, not a retry mechanism.
package pacing

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out events by a fixed gap. The first Wait never blocks, and a
// zero or negative gap makes every Wait a no-op.
type Pacer struct {
	limiter *rate.Limiter
}

// New builds a Pacer with the given gap between events.
func New(gap time.Duration) *Pacer {
	if gap <= 0 {
		return &Pacer{}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(gap), 1)}
}

// Wait blocks until the gap since the previous event has elapsed, or the
// context is canceled.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return nil
	}
	return p.limiter.Wait(ctx)
}
