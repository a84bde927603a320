package prioritize

import (
	"testing"
	"time"

	"github.com/memtree/memengine/internal/types"
)

func TestAdaptiveTypeWeightBelowMinSamplesReturnsBaseline(t *testing.T) {
	cfg := DefaultConfig()
	w := AdaptiveTypeWeight(cfg, TypeWeightSample{Samples: 3, SuccessRate: 0.95})
	if w != baselineWeight {
		t.Errorf("AdaptiveTypeWeight() = %v, want baseline %v", w, baselineWeight)
	}
}

func TestAdaptiveTypeWeightHighSuccessRateExceedsBaseline(t *testing.T) {
	cfg := DefaultConfig()
	w := AdaptiveTypeWeight(cfg, TypeWeightSample{Samples: 100, SuccessRate: 0.9})
	if w <= baselineWeight {
		t.Errorf("AdaptiveTypeWeight() = %v, want > baseline for high success rate with full confidence", w)
	}
	if w > 2.0 {
		t.Errorf("AdaptiveTypeWeight() = %v, want <= 2.0 clamp", w)
	}
}

func TestAdaptiveTypeWeightLowSuccessRateBelowBaseline(t *testing.T) {
	cfg := DefaultConfig()
	w := AdaptiveTypeWeight(cfg, TypeWeightSample{Samples: 100, SuccessRate: 0.1})
	if w >= baselineWeight {
		t.Errorf("AdaptiveTypeWeight() = %v, want < baseline for low success rate", w)
	}
	if w < 0.5 {
		t.Errorf("AdaptiveTypeWeight() = %v, want >= 0.5 clamp", w)
	}
}

func TestUsefulnessSparseEntryIsNeutral(t *testing.T) {
	u := Usefulness(types.RetrievalOutcome{RetrievalCount: 1, SuccessCount: 1}, time.Now())
	if u != 0.5 {
		t.Errorf("Usefulness() = %v, want 0.5 for sparse entry", u)
	}
}

func TestUsefulnessHighSuccessRecentBeatsLowSuccessStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	stale := now.Add(-90 * 24 * time.Hour)

	good := Usefulness(types.RetrievalOutcome{RetrievalCount: 20, SuccessCount: 18, LastSuccessAt: &recent}, now)
	bad := Usefulness(types.RetrievalOutcome{RetrievalCount: 20, SuccessCount: 2, LastSuccessAt: &stale}, now)

	if good <= bad {
		t.Errorf("good usefulness %v should exceed bad usefulness %v", good, bad)
	}
}

func TestContextBoostNoExemplarsIsNeutral(t *testing.T) {
	cfg := DefaultConfig()
	b := ContextBoost(cfg, 0.9, false)
	if b != 1.0 {
		t.Errorf("ContextBoost() = %v, want 1.0 with no exemplars", b)
	}
}

func TestContextBoostClampsToMultiplier(t *testing.T) {
	cfg := DefaultConfig()
	b := ContextBoost(cfg, 1.0, true)
	if b > cfg.BoostMultiplier {
		t.Errorf("ContextBoost() = %v, want <= %v", b, cfg.BoostMultiplier)
	}
	if b < 1.0 {
		t.Errorf("ContextBoost() = %v, want >= 1.0", b)
	}
}

func TestCompositeHigherRerankYieldsHigherScore(t *testing.T) {
	cfg := DefaultConfig()
	low := Composite(cfg, 0.2, 1.0, 0.5, 1.0)
	high := Composite(cfg, 0.9, 1.0, 0.5, 1.0)
	if high <= low {
		t.Errorf("Composite() with higher rerank score should be higher: low=%v high=%v", low, high)
	}
}

func TestCompositeZeroRerankIsZero(t *testing.T) {
	cfg := DefaultConfig()
	c := Composite(cfg, 0, 2.0, 1.0, 1.5)
	if c != 0 {
		t.Errorf("Composite() = %v, want 0 when rerank score is 0", c)
	}
}
