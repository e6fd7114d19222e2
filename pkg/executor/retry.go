package executor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/registry"
)

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay computes the delay before the next attempt: exponential on
// the class base, capped at the class max, plus deterministic jitter seeded
// by the step identity so replays schedule identically.
func backoffDelay(rc registry.RetryClass, attempt int, seed string) time.Duration {
	base := rc.BaseMs
	if base <= 0 {
		base = registry.DefaultRetryClass.BaseMs
	}
	maxMs := rc.MaxMs
	if maxMs <= 0 {
		maxMs = registry.DefaultRetryClass.MaxMs
	}

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delayMs := base << shift
	if delayMs > maxMs {
		delayMs = maxMs
	}
	return time.Duration(delayMs+jitterMs(rc.JitterMs, seed, attempt)) * time.Millisecond
}

// jitterMs derives jitter from a PRF over the seed and attempt index
// rather than a shared RNG, keeping retry schedules reproducible.
func jitterMs(maxJitter int64, seed string, attempt int) int64 {
	if maxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	return int64(binary.BigEndian.Uint64(sum[:8]) % uint64(maxJitter)) //nolint:gosec // maxJitter is positive
}
