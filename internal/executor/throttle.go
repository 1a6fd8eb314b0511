package executor

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled limits how fast changes reach the wrapped executor.
type Throttled struct {
	next    Executor
	limiter *rate.Limiter
}

// NewThrottled allows perSecond changes per second with the given burst.
// A non-positive rate disables throttling.
func NewThrottled(next Executor, perSecond float64, burst int) *Throttled {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Apply(ctx context.Context, c Change) (*Outcome, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("throttle: %w", err)
	}
	return t.next.Apply(ctx, c)
}

func (t *Throttled) Revert(ctx context.Context, c Change, undo map[string]string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return t.next.Revert(ctx, c, undo)
}
