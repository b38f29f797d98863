// Package gate decides whether a user may enqueue uncached synthesis
// work. The orchestrator consults it once per cache-missing block,
// before the job enters the queue; cached replays are never gated.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeniedError is returned when a check fails for a policy reason (as
// opposed to an infrastructure error). The reason is safe to surface to
// the client verbatim.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "gate: denied: " + e.Reason }

// Denied reports whether err is a policy denial and returns its reason.
func Denied(err error) (string, bool) {
	var de *DeniedError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}

// Gate is the usage policy consulted before enqueue.
type Gate interface {
	// Check reserves estCost units (characters × multiplier) for
	// userID. nil means the work may proceed; a [DeniedError] means the
	// user is over allowance; any other error is infrastructural.
	Check(ctx context.Context, userID string, estCost float64) error
}

// Unlimited allows everything. Used in tests and for self-hosted
// deployments without metering.
type Unlimited struct{}

var _ Gate = Unlimited{}

func (Unlimited) Check(context.Context, string, float64) error { return nil }

// checkAndReserve atomically reserves cost against a windowed counter,
// refusing when the reservation would cross the limit. Check-then-incr
// as two commands would over-admit under concurrent sessions.
var checkAndReserve = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if used + cost > limit then
	return {0, used}
end
redis.call('INCRBYFLOAT', KEYS[1], cost)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return {1, used + cost}
`)

// Allowance meters usage against a fixed per-user character budget per
// calendar month. Counters live in Redis and expire on their own.
type Allowance struct {
	rdb   redis.UniversalClient
	limit float64
	now   func() time.Time
}

var _ Gate = (*Allowance)(nil)

// Option customizes an [Allowance] gate.
type Option func(*Allowance)

// WithClock overrides the time source. Tests use this to pin the
// billing window.
func WithClock(now func() time.Time) Option {
	return func(a *Allowance) { a.now = now }
}

// NewAllowance creates a gate granting each user limit characters per
// calendar month.
func NewAllowance(rdb redis.UniversalClient, limit float64, opts ...Option) *Allowance {
	a := &Allowance{rdb: rdb, limit: limit, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// usageKey is the windowed counter for one user, e.g. "usage:u1:2026-08".
func (a *Allowance) usageKey(userID string) string {
	return fmt.Sprintf("usage:%s:%s", userID, a.now().UTC().Format("2006-01"))
}

// windowTTL keeps expired counters from accumulating. Generously past
// the end of any month.
const windowTTL = 40 * 24 * time.Hour

// Check reserves estCost characters for userID within the current
// month's window.
func (a *Allowance) Check(ctx context.Context, userID string, estCost float64) error {
	res, err := checkAndReserve.Run(ctx, a.rdb,
		[]string{a.usageKey(userID)},
		estCost, a.limit, int(windowTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("gate: check %s: %w", userID, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("gate: check %s: unexpected reply %v", userID, res)
	}
	if res[0] == 0 {
		return &DeniedError{Reason: "monthly character allowance exhausted"}
	}
	return nil
}
