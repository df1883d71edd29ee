package rank

import (
	"sort"
	"time"

	"github.com/openride/taxi-dispatch/internal/geo"
)

// Weights blends normalized distance and rating into one score.
// The geo-priority and rating-priority toggles zero the opposite
// weight; when both are on the configured blend applies as-is.
type Weights struct {
	Geo    float64
	Rating float64
}

// FromFlags resolves the two priority toggles into concrete weights.
func FromFlags(geoPriority, ratingPriority bool, geoW, ratingW float64) Weights {
	w := Weights{Geo: geoW, Rating: ratingW}
	if geoPriority && !ratingPriority {
		w.Rating = 0
	}
	if ratingPriority && !geoPriority {
		w.Geo = 0
	}
	return w
}

// DriverStats is the read-only slice of driver state ranking needs.
type DriverStats struct {
	Rating        float64
	CooldownUntil time.Time // excluded from ranking until this instant
}

// Rank orders candidates by blended score, lower first. Distance is
// normalized against the farthest candidate, rating against the 0..5
// scale. Ties break on distance, then rating, then lowest driver id,
// so identical inputs always produce identical output.
func Rank(cands []geo.Candidate, stats map[string]DriverStats, w Weights, now time.Time) []string {
	type scored struct {
		c      geo.Candidate
		rating float64
		score  float64
	}

	maxDist := 0.0
	for _, c := range cands {
		if c.DistanceKm > maxDist {
			maxDist = c.DistanceKm
		}
	}

	list := make([]scored, 0, len(cands))
	for _, c := range cands {
		st := stats[c.DriverID]
		if !st.CooldownUntil.IsZero() && now.Before(st.CooldownUntil) {
			continue
		}
		normDist := 0.0
		if maxDist > 0 {
			normDist = c.DistanceKm / maxDist
		}
		score := w.Geo*normDist + w.Rating*(1-st.Rating/5.0)
		list = append(list, scored{c: c, rating: st.Rating, score: score})
	}

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.c.DistanceKm != b.c.DistanceKm {
			return a.c.DistanceKm < b.c.DistanceKm
		}
		if a.rating != b.rating {
			return a.rating > b.rating
		}
		return a.c.DriverID < b.c.DriverID
	})

	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.c.DriverID)
	}
	return out
}
