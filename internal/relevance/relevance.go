// Package relevance provides the pure scoring functions behind memory and
// fact retention: half-life assignment and exponential time decay.
package relevance

import (
	"math"
	"time"
)

const (
	// PinnedDecayDays is the effectively infinite half-life (100 years)
	// assigned to pinned items.
	PinnedDecayDays = 36500.0

	// MinDecayDays and MaxDecayDays clamp stored half-lives to avoid
	// pathological division.
	MinDecayDays = 0.1
	MaxDecayDays = 36500.0

	secondsPerDay = 86400.0
)

// Params holds the policy constants of the half-life mapping. The specific
// ranges are tuning values, not invariants, so they are kept configurable.
type Params struct {
	// MemoryMinDays/MemoryRangeDays map importance in [0,1] onto
	// MemoryMinDays + importance^2 * MemoryRangeDays.
	MemoryMinDays   float64
	MemoryRangeDays float64

	// FactMinDays/FactRangeDays map confidence in [0,1] onto
	// FactMinDays + confidence^2 * FactRangeDays.
	FactMinDays   float64
	FactRangeDays float64
}

// DefaultParams returns the stock mapping: memories decay over 1-180 days,
// facts over 30-3650 days.
func DefaultParams() Params {
	return Params{
		MemoryMinDays:   1,
		MemoryRangeDays: 179,
		FactMinDays:     30,
		FactRangeDays:   3620,
	}
}

// IsPinnedBy reports whether a source label or tag set marks an item pinned:
// manual and system sources pin implicitly, as does an explicit "pinned" tag.
func IsPinnedBy(source string, tags []string) bool {
	if source == "manual" || source == "system" {
		return true
	}
	for _, t := range tags {
		if t == "pinned" {
			return true
		}
	}
	return false
}

// MemoryDecayDays returns the decay half-life in days for a memory with the
// given importance. The mapping is super-linear: high-importance items earn
// disproportionately longer retention.
func (p Params) MemoryDecayDays(importance float64, tags []string, source string) float64 {
	if IsPinnedBy(source, tags) {
		return PinnedDecayDays
	}
	imp := Clamp01(importance)
	return ClampDecayDays(p.MemoryMinDays + imp*imp*p.MemoryRangeDays)
}

// FactDecayDays returns the decay half-life in days for a fact with the given
// confidence.
func (p Params) FactDecayDays(confidence float64, tags []string, source string) float64 {
	if IsPinnedBy(source, tags) {
		return PinnedDecayDays
	}
	conf := Clamp01(confidence)
	return ClampDecayDays(p.FactMinDays + conf*conf*p.FactRangeDays)
}

// EffectiveScore applies exponential time decay to a base score:
//
//	base * 0.5^(ageSeconds / (decayDays * 86400))
//
// Pinned items return base unchanged. The score equals base at age 0 and
// base/2 at exactly one half-life.
func EffectiveScore(base float64, now, lastUpdated time.Time, decayDays float64, pinned bool) float64 {
	if pinned {
		return base
	}
	age := now.Sub(lastUpdated).Seconds()
	if age < 0 {
		age = 0
	}
	halfLife := ClampDecayDays(decayDays) * secondsPerDay
	return base * math.Pow(0.5, age/halfLife)
}

// Clamp01 clamps v to [0, 1]. Applied to every importance/confidence write.
func Clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0.0), 1.0)
}

// ClampDecayDays clamps a half-life to [MinDecayDays, MaxDecayDays].
func ClampDecayDays(days float64) float64 {
	return math.Min(math.Max(days, MinDecayDays), MaxDecayDays)
}
