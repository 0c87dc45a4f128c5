package consult

import (
	"time"

	"github.com/seers-hq/consultd/internal/config"
	"github.com/seers-hq/consultd/internal/shared"
)

// BillingPolicy turns a measured duration into the charge of record.
type BillingPolicy struct {
	cfg config.BillingConfig
}

func NewBillingPolicy(cfg config.BillingConfig) BillingPolicy {
	return BillingPolicy{cfg: cfg}
}

// PolicyFor names the rounding rule applied to sessions of kind.
func (b BillingPolicy) PolicyFor(kind shared.Kind) string {
	return b.cfg.PolicyFor(string(kind))
}

// Cost is the total charge in minor units. Exact-second billing charges whole elapsed
// seconds pro rata; per-minute billing rounds any started minute up.
func (b BillingPolicy) Cost(kind shared.Kind, d time.Duration, pricePerMinute int64) int64 {
	if d <= 0 || pricePerMinute <= 0 {
		return 0
	}

	switch b.PolicyFor(kind) {
	case config.BillingExactSecond:
		seconds := int64(d / time.Second)
		return seconds * pricePerMinute / 60
	default:
		minutes := int64((d + time.Minute - time.Nanosecond) / time.Minute)
		return minutes * pricePerMinute
	}
}

// MinimumCharge is the balance a requester needs before a session may start.
func (b BillingPolicy) MinimumCharge(pricePerMinute int64) int64 {
	return int64(b.cfg.MinimumMinutes) * pricePerMinute
}

// Affordable returns how long a balance covers at pricePerMinute under the kind's policy.
func (b BillingPolicy) Affordable(kind shared.Kind, balance, pricePerMinute int64) time.Duration {
	if pricePerMinute <= 0 {
		return 0
	}
	if balance <= 0 {
		return time.Nanosecond
	}

	switch b.PolicyFor(kind) {
	case config.BillingExactSecond:
		seconds := balance * 60 / pricePerMinute
		return time.Duration(seconds) * time.Second
	default:
		return time.Duration(balance/pricePerMinute) * time.Minute
	}
}

// Budget is the most a session capped at Affordable(kind, available, price) may bill.
// It never exceeds available, however late the cap fires.
func (b BillingPolicy) Budget(kind shared.Kind, available, pricePerMinute int64) int64 {
	if available <= 0 || pricePerMinute <= 0 {
		return 0
	}
	budget := b.Cost(kind, b.Affordable(kind, available, pricePerMinute), pricePerMinute)
	if budget > available {
		return available
	}
	return budget
}

// LiveCost is the display-only running cost.
func LiveCost(elapsed time.Duration, pricePerMinute int64) float64 {
	if elapsed <= 0 {
		return 0
	}
	return elapsed.Seconds() / 60 * float64(pricePerMinute)
}
