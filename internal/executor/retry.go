package executor

import (
	"context"
	"time"

	"failkit/internal/domain"
)

// Retry re-executes a case after a *NetworkError. Response errors are not
// retried. Attempts below 1 mean a single attempt.
type Retry struct {
	Next     Executor
	Attempts int
	Backoff  time.Duration
}

// WithRetry wraps next only when more than one attempt is configured.
func WithRetry(next Executor, attempts int, backoff time.Duration) Executor {
	if attempts <= 1 {
		return next
	}
	return Retry{Next: next, Attempts: attempts, Backoff: backoff}
}

func (r Retry) Execute(ctx context.Context, tc domain.TestCase) (domain.Exchange, error) {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		ex  domain.Exchange
		err error
	)
	for i := 0; i < attempts; i++ {
		if i > 0 && r.Backoff > 0 {
			t := time.NewTimer(r.Backoff * time.Duration(i))
			select {
			case <-ctx.Done():
				t.Stop()
				return ex, err
			case <-t.C:
			}
		}
		ex, err = r.Next.Execute(ctx, tc)
		if err == nil || !IsNetwork(err) || ctx.Err() != nil {
			return ex, err
		}
	}
	return ex, err
}
