package judge

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer serializes a sequence of judge calls with a minimum inter-call gap,
// as required of the finalization sweep (spec.md §4.3/§4.7): "serialize
// participant calls with a ≥1 second inter-call gap". Built on
// golang.org/x/time/rate rather than a hand-rolled ticker so bursts and the
// gap are both governed by one well-tested limiter.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Pacer enforcing at least minGap between successive
// Wait calls (no burst allowance: every call waits for its own token).
func NewPacer(minGap rate.Limit) *Pacer {
	return &Pacer{limiter: rate.NewLimiter(minGap, 1)}
}

// Wait blocks until the next call is allowed to proceed, or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}
