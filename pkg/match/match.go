// Package match ranks candidate helpers by distance to a reference point.
package match

import (
	"cmp"
	"slices"

	"github.com/teslashibe/safewalk/pkg/geo"
)

// Candidate is a helper snapshot read from the registry.
type Candidate struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"name"`
	Rating      *float64        `json:"rating,omitempty"`
	Coordinate  *geo.Coordinate `json:"location,omitempty"`
	Verified    bool            `json:"verified"`
	Phone       string          `json:"phone,omitempty"`
}

// Eligible reports whether the candidate can take part in matching.
func (c Candidate) Eligible() bool {
	return c.Verified && c.Coordinate != nil
}

// RankedCandidate is a candidate with its distance from the reference point.
type RankedCandidate struct {
	Candidate
	DistanceKm float64 `json:"distance_km"`
}

// Rank returns the eligible candidates within radiusKm of reference, nearest
// first. Equal distances are ordered by candidate id. The result is never nil.
func Rank(reference geo.Coordinate, candidates []Candidate, radiusKm float64) []RankedCandidate {
	ranked := make([]RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Eligible() {
			continue
		}
		d := geo.DistanceKm(reference, *c.Coordinate)
		if d > radiusKm {
			continue
		}
		ranked = append(ranked, RankedCandidate{Candidate: c, DistanceKm: d})
	}

	slices.SortStableFunc(ranked, func(a, b RankedCandidate) int {
		if c := cmp.Compare(a.DistanceKm, b.DistanceKm); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ranked
}

// Nearest returns the closest eligible candidate within radiusKm.
func Nearest(reference geo.Coordinate, candidates []Candidate, radiusKm float64) (RankedCandidate, bool) {
	ranked := Rank(reference, candidates, radiusKm)
	if len(ranked) == 0 {
		return RankedCandidate{}, false
	}
	return ranked[0], true
}
