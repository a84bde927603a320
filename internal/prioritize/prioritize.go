// Package prioritize implements the Prioritization Service (§4.G): three
// calculators — adaptive type weights, historical usefulness, and
// context-similarity boost — combined into a composite score consumed
// by the Query Pipeline's stage 6.
package prioritize

import (
	"math"
	"time"

	"github.com/memtree/memengine/internal/types"
)

// TypeWeightSample is the per-(intent, scope, kind) observation set the
// adaptive weight calculator learns from.
type TypeWeightSample struct {
	Samples     int
	SuccessRate float64 // successes / retrievals, in [0,1]
}

// Config holds the tunable constants named in §4.G, sourced from the
// engine's typed Config record.
type Config struct {
	MinSamples       int
	LearningRate     float64
	WeightAdaptive   float64
	WeightUsefulness float64
	WeightContext    float64
	BoostMultiplier  float64 // context-similarity boost ceiling
	Beta             float64 // context-similarity boost slope
}

// DefaultConfig returns the §4.G baseline constants.
func DefaultConfig() Config {
	return Config{
		MinSamples:       10,
		LearningRate:     0.1,
		WeightAdaptive:   0.4,
		WeightUsefulness: 0.3,
		WeightContext:    0.3,
		BoostMultiplier:  1.5,
		Beta:             0.5,
	}
}

const baselineWeight = 1.0

// AdaptiveTypeWeight computes the learned weight for a (intent, kind)
// pair, per §4.G: "Learned weight = clamp(baseline +
// learningRate·(successRate − 0.5), [0.5, 2.0]). Confidence =
// clamp((samples−10)/90, [0,1]). Final weight = confidence·learned +
// (1−confidence)·baseline."
func AdaptiveTypeWeight(cfg Config, sample TypeWeightSample) float64 {
	if sample.Samples < cfg.MinSamples {
		return baselineWeight
	}
	learned := clamp(baselineWeight+cfg.LearningRate*(sample.SuccessRate-0.5), 0.5, 2.0)
	confidence := clamp(float64(sample.Samples-cfg.MinSamples)/90.0, 0, 1)
	return confidence*learned + (1-confidence)*baselineWeight

}

// Usefulness computes the per-entry usefulness score from a
// RetrievalOutcome, per §4.G: "0.3·volumeConfidence + 0.5·successRate +
// 0.2·recencyBoost", with entries under 2 retrievals returning a
// neutral 0.5.
func Usefulness(outcome types.RetrievalOutcome, now time.Time) float64 {
	if outcome.RetrievalCount < 2 {
		return 0.5
	}

	successRate := 0.0
	if outcome.RetrievalCount > 0 {
		successRate = float64(outcome.SuccessCount) / float64(outcome.RetrievalCount)
	}

	// volumeConfidence saturates as retrieval count grows, so a handful
	// of uses isn't trusted as much as a long track record.
	volumeConfidence := clamp(float64(outcome.RetrievalCount)/20.0, 0, 1)

	recencyBoost := 0.0
	if outcome.LastSuccessAt != nil {
		days := now.Sub(*outcome.LastSuccessAt).Hours() / 24
		if days < 0 {
			days = 0
		}
		recencyBoost = math.Exp(-days / 15.0)
	}

	return 0.3*volumeConfidence + 0.5*successRate + 0.2*recencyBoost
}

// ContextBoost computes the context-similarity boost from the maximum
// cosine similarity between a query embedding and recent-success
// exemplar embeddings, per §4.G: "boost = clamp(1 + β·maxCosine, [1,
// boostMultiplier])". Returns 1 (no boost) if no exemplars are given.
func ContextBoost(cfg Config, maxCosine float64, haveExemplars bool) float64 {
	if !haveExemplars {
		return 1.0
	}
	return clamp(1+cfg.Beta*maxCosine, 1.0, cfg.BoostMultiplier)
}

// Composite combines rerankScore (already in [0,1]) with the three
// calculators per §4.F stage 6: "final = rerank · (0.4·adaptiveWeight +
// 0.3·usefulness + 0.3·contextBoost)". Weights come from cfg rather
// than being hardcoded, so operators can retune without a redeploy.
func Composite(cfg Config, rerankScore, adaptiveWeight, usefulness, contextBoost float64) float64 {
	composite := rerankScore * (cfg.WeightAdaptive*adaptiveWeight + cfg.WeightUsefulness*usefulness + cfg.WeightContext*contextBoost)
	return clamp(composite, 0, 2.0*cfg.BoostMultiplier)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
