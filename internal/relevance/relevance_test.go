package relevance

import (
	"math"
	"testing"
	"time"
)

func TestEffectiveScore_FreshEqualsBase(t *testing.T) {
	now := time.Now()
	score := EffectiveScore(0.8, now, now, 30, false)
	if math.Abs(score-0.8) > 1e-9 {
		t.Errorf("Score at age 0 should equal base, got %f", score)
	}
}

func TestEffectiveScore_HalvesAtHalfLife(t *testing.T) {
	now := time.Now()
	updated := now.Add(-30 * 24 * time.Hour)
	score := EffectiveScore(1.0, now, updated, 30, false)
	if math.Abs(score-0.5) > 0.001 {
		t.Errorf("Score at one half-life should be base/2, got %f", score)
	}
}

func TestEffectiveScore_StrictlyDecreasing(t *testing.T) {
	now := time.Now()
	prev := math.Inf(1)
	for days := 0; days <= 365; days += 5 {
		updated := now.Add(-time.Duration(days) * 24 * time.Hour)
		score := EffectiveScore(1.0, now, updated, 60, false)
		if score >= prev {
			t.Fatalf("Score should strictly decrease with age: day %d got %f, previous %f", days, score, prev)
		}
		prev = score
	}
}

func TestEffectiveScore_PinnedIgnoresAge(t *testing.T) {
	now := time.Now()
	updated := now.Add(-10 * 365 * 24 * time.Hour)
	score := EffectiveScore(0.4, now, updated, 1, true)
	if score != 0.4 {
		t.Errorf("Pinned score should equal base, got %f", score)
	}
}

func TestEffectiveScore_FutureTimestampClampsToBase(t *testing.T) {
	now := time.Now()
	updated := now.Add(time.Hour)
	score := EffectiveScore(0.6, now, updated, 30, false)
	if math.Abs(score-0.6) > 1e-9 {
		t.Errorf("Future last_updated should not boost score, got %f", score)
	}
}

func TestMemoryDecayDays_Range(t *testing.T) {
	p := DefaultParams()

	lo := p.MemoryDecayDays(0, nil, "auto")
	if math.Abs(lo-1.0) > 1e-9 {
		t.Errorf("Zero-importance memory should decay in 1 day, got %f", lo)
	}

	hi := p.MemoryDecayDays(1, nil, "auto")
	if math.Abs(hi-180.0) > 1e-9 {
		t.Errorf("Max-importance memory should decay in 180 days, got %f", hi)
	}

	// Super-linear: midpoint importance sits well below the midpoint half-life.
	mid := p.MemoryDecayDays(0.5, nil, "auto")
	if mid >= (lo+hi)/2 {
		t.Errorf("Half-life mapping should be super-linear, got %f at importance 0.5", mid)
	}
}

func TestFactDecayDays_Range(t *testing.T) {
	p := DefaultParams()

	if got := p.FactDecayDays(0, nil, "auto"); math.Abs(got-30.0) > 1e-9 {
		t.Errorf("Zero-confidence fact should decay in 30 days, got %f", got)
	}
	if got := p.FactDecayDays(1, nil, "auto"); math.Abs(got-3650.0) > 1e-9 {
		t.Errorf("Max-confidence fact should decay in 3650 days, got %f", got)
	}
}

func TestDecayDays_PinnedSources(t *testing.T) {
	p := DefaultParams()

	for _, source := range []string{"manual", "system"} {
		if got := p.MemoryDecayDays(0.1, nil, source); got != PinnedDecayDays {
			t.Errorf("Source %q should pin the half-life, got %f", source, got)
		}
	}
	if got := p.FactDecayDays(0.1, []string{"pinned"}, "auto"); got != PinnedDecayDays {
		t.Errorf("Tag pinned should pin the half-life, got %f", got)
	}
}

func TestClamp01(t *testing.T) {
	if Clamp01(-0.5) != 0 || Clamp01(1.5) != 1 || Clamp01(0.3) != 0.3 {
		t.Error("Clamp01 should clamp to [0,1]")
	}
}

func TestClampDecayDays(t *testing.T) {
	if ClampDecayDays(0) != MinDecayDays {
		t.Errorf("Half-life should clamp up to %f", MinDecayDays)
	}
	if ClampDecayDays(1e6) != MaxDecayDays {
		t.Errorf("Half-life should clamp down to %f", MaxDecayDays)
	}
}
