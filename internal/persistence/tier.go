package persistence

import "time"

// Tier is the access-recency classification of a meeting. It drives
// eviction priority: only cold (and, under pressure, warm) meetings have
// their blobs evicted.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// TierPolicy holds the recency windows for tier derivation.
type TierPolicy struct {
	Hot  time.Duration
	Warm time.Duration
}

// DefaultTierPolicy classifies meetings accessed within 7 days as hot and
// within 30 days as warm.
var DefaultTierPolicy = TierPolicy{
	Hot:  7 * 24 * time.Hour,
	Warm: 30 * 24 * time.Hour,
}

// TierOf derives the tier for a record last accessed at the given time.
// The boundaries are inclusive: exactly 7 days old is still hot, exactly
// 30 days old is still warm. A zero lastAccessedAt is cold.
func (p TierPolicy) TierOf(lastAccessedAt, now time.Time) Tier {
	if lastAccessedAt.IsZero() {
		return TierCold
	}
	age := now.Sub(lastAccessedAt)
	switch {
	case age <= p.Hot:
		return TierHot
	case age <= p.Warm:
		return TierWarm
	default:
		return TierCold
	}
}

// TierPolicyFromDays builds a policy from whole-day windows.
func TierPolicyFromDays(hotDays, warmDays int) TierPolicy {
	return TierPolicy{
		Hot:  time.Duration(hotDays) * 24 * time.Hour,
		Warm: time.Duration(warmDays) * 24 * time.Hour,
	}
}
