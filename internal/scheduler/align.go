package scheduler

import (
	"context"
	"time"
)

// NextBoundary returns the next wall-clock instant that is an exact multiple
// of interval, plus offset. The offset buffer gives the exchange time to
// close and index the bar before we fetch it.
func NextBoundary(now time.Time, interval, offset time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	if offset < 0 {
		offset = 0
	}
	now = now.UTC()
	return now.Truncate(interval).Add(interval).Add(offset)
}

// WaitUntil sleeps until target, honoring cancellation. Returns false when
// the context was cancelled before target.
func WaitUntil(ctx context.Context, target time.Time) bool {
	wait := time.Until(target)
	if wait <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Sleep waits for d, honoring cancellation. Returns false when cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	return WaitUntil(ctx, time.Now().Add(d))
}
