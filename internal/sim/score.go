package sim

import (
	"sort"
	"time"

	"wastezone/internal/model"
)

// Scorer computes a zone's hotspot score. Implementations must be
// deterministic and non-decreasing in both fill percentage and staleness.
type Scorer interface {
	Score(z model.Zone, now time.Time) float64
}

// WeightedScorer scores fillPercentage*FillWeight + daysSinceCollection*StalenessWeight.
type WeightedScorer struct {
	FillWeight      float64
	StalenessWeight float64
}

// DefaultScorer weighs one day without collection like ten fill points.
func DefaultScorer() WeightedScorer {
	return WeightedScorer{FillWeight: 1, StalenessWeight: 10}
}

func (s WeightedScorer) Score(z model.Zone, now time.Time) float64 {
	return z.FillPercentage*s.FillWeight + DaysSince(z.LastCollectionTime, now)*s.StalenessWeight
}

// DaysSince returns fractional days from t to now, or 0 for a zero or future t.
func DaysSince(t, now time.Time) float64 {
	if t.IsZero() || !now.After(t) {
		return 0
	}
	return now.Sub(t).Hours() / 24
}

// RankHotspots returns the top n zones by score descending, ties by id.
// The input slice is not modified.
func RankHotspots(zones []model.Zone, n int) []model.Zone {
	if n <= 0 {
		return []model.Zone{}
	}
	out := make([]model.Zone, len(zones))
	copy(out, zones)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HotspotScore != out[j].HotspotScore {
			return out[i].HotspotScore > out[j].HotspotScore
		}
		return out[i].ID < out[j].ID
	})
	if n < len(out) {
		out = out[:n]
	}
	return out
}
