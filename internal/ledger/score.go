package ledger

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/storyloom/storyloom-core/internal/config"
)

// Scorer rates an event's retrieval relevance at append time. The default
// is a hash-based placeholder; the interface exists so a real embedding
// model can replace it without touching ledger mechanics.
type Scorer interface {
	Score(e Event, nowMs int64) float64
}

type hashScorer struct {
	weights config.ScoringWeights
}

// NewHashScorer builds the default scorer. Zero weights fall back to the
// inherited 0.4/0.3/0.2/0.1 split.
func NewHashScorer(w config.ScoringWeights) Scorer {
	if w == (config.ScoringWeights{}) {
		w = config.ScoringWeights{Verb: 0.4, Object: 0.3, Actor: 0.2, Recency: 0.1}
	}
	return &hashScorer{weights: w}
}

// hashUnit maps a string to a stable value in [0, 1).
func hashUnit(s string) float64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return float64(h.Sum64()%100_000) / 100_000
}

// recency decays from 1 toward 0 over an hour.
func recency(timestampMs, nowMs int64) float64 {
	ageMs := nowMs - timestampMs
	if ageMs <= 0 {
		return 1
	}
	return math.Exp(-float64(ageMs) / float64(60*60*1000))
}

func (h *hashScorer) Score(e Event, nowMs int64) float64 {
	return h.weights.Verb*hashUnit(e.Verb) +
		h.weights.Object*hashUnit(e.Object) +
		h.weights.Actor*hashUnit(e.Actor) +
		h.weights.Recency*recency(e.TimestampMs, nowMs)
}
