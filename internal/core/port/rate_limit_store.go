package port

import (
	"context"
	"time"
)

// RateLimitStore keeps a sliding window of attempt timestamps per
// identifier. Callers trim the window, count what remains, and record the
// new attempt; OldestAttempt tells them when the window next opens up.
type RateLimitStore interface {
	TrimWindow(ctx context.Context, identifier string, window time.Duration, reference time.Time) error
	CountAttempts(ctx context.Context, identifier string, window time.Duration, reference time.Time) (int, error)
	RecordAttempt(ctx context.Context, identifier string, at time.Time) error
	OldestAttempt(ctx context.Context, identifier string, window time.Duration, reference time.Time) (time.Time, bool, error)
}
