// Package ratelimit enforces fixed-window request limits per tenant, org
// and user scope. Windows are aligned to epoch multiples of the configured
// width; the counters live either in the kernel store or in Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// Scope names for counter keys and registry RPM limits.
const (
	ScopeTenant = "tenant"
	ScopeOrg    = "org"
	ScopeUser   = "user"
)

// Limiter counts one hit against a scoped fixed window, failing with a
// rate_limited fault once the limit is reached. limit <= 0 disables the
// check.
type Limiter interface {
	Allow(ctx context.Context, scope, scopeID string, limit int) error
}

// Scopes identifies the principal charged for a privileged operation.
type Scopes struct {
	TenantID string
	OrgID    string
	UserID   string
}

// Check increments every applicable scope counter. The first exhausted
// scope rejects the operation; counters already bumped in this call stay
// bumped, matching fixed-window accounting.
func Check(ctx context.Context, l Limiter, rpm map[string]int, s Scopes) error {
	for _, probe := range []struct{ scope, id string }{
		{ScopeTenant, s.TenantID},
		{ScopeOrg, s.OrgID},
		{ScopeUser, s.UserID},
	} {
		if probe.id == "" {
			continue
		}
		if err := l.Allow(ctx, probe.scope, probe.id, rpm[probe.scope]); err != nil {
			return err
		}
	}
	return nil
}

// StoreLimiter keeps windows in the kernel store.
type StoreLimiter struct {
	st     store.Store
	window time.Duration
	clock  func() time.Time
}

// NewStoreLimiter builds a limiter with the given window width.
func NewStoreLimiter(st store.Store, window time.Duration) *StoreLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &StoreLimiter{st: st, window: window, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (l *StoreLimiter) WithClock(clock func() time.Time) *StoreLimiter {
	l.clock = clock
	return l
}

// Allow implements Limiter.
func (l *StoreLimiter) Allow(ctx context.Context, scope, scopeID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	windowStart := l.clock().UTC().Truncate(l.window)
	return l.st.IncrRateWindow(ctx, scope, scopeID, windowStart, limit)
}

var _ Limiter = (*StoreLimiter)(nil)
