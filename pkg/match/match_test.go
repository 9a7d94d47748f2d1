package match

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/teslashibe/safewalk/pkg/geo"
)

func coord(lat, lng float64) *geo.Coordinate {
	return &geo.Coordinate{Latitude: lat, Longitude: lng}
}

func TestRankEmpty(t *testing.T) {
	got := Rank(geo.Coordinate{}, nil, 10)
	if got == nil {
		t.Fatal("Rank should return an empty slice, not nil")
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestRankFiltersIneligible(t *testing.T) {
	ref := geo.Coordinate{Latitude: 12.90, Longitude: 77.58}
	candidates := []Candidate{
		{ID: "no-location", Verified: true},
		{ID: "unverified", Verified: false, Coordinate: coord(12.901, 77.58)},
		{ID: "ok", Verified: true, Coordinate: coord(12.902, 77.58)},
	}

	got := Rank(ref, candidates, 10)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("Rank = %+v, want only candidate ok", got)
	}
}

func TestRankScenario(t *testing.T) {
	// Requester at (12.90,77.58); helpers 0.5 km and 12 km due north.
	ref := geo.Coordinate{Latitude: 12.90, Longitude: 77.58}
	near := Candidate{ID: "near", DisplayName: "Asha", Verified: true, Coordinate: coord(12.90+0.5/111.195, 77.58)}
	far := Candidate{ID: "far", DisplayName: "Ravi", Verified: true, Coordinate: coord(12.90+12/111.195, 77.58)}

	got := Rank(ref, []Candidate{far, near}, 10)
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (%+v)", len(got), got)
	}
	if got[0].ID != "near" {
		t.Errorf("ID = %s, want near", got[0].ID)
	}
	if got[0].DistanceKm < 0.45 || got[0].DistanceKm > 0.55 {
		t.Errorf("DistanceKm = %.3f, want ≈0.5", got[0].DistanceKm)
	}
}

func TestRankTieBreakByID(t *testing.T) {
	ref := geo.Coordinate{}
	same := coord(0.01, 0)
	candidates := []Candidate{
		{ID: "charlie", Verified: true, Coordinate: same},
		{ID: "alpha", Verified: true, Coordinate: same},
		{ID: "bravo", Verified: true, Coordinate: same},
	}

	for i := 0; i < 5; i++ {
		rand.Shuffle(len(candidates), func(a, b int) { candidates[a], candidates[b] = candidates[b], candidates[a] })
		got := Rank(ref, candidates, 5)
		want := []string{"alpha", "bravo", "charlie"}
		for j, id := range want {
			if got[j].ID != id {
				t.Fatalf("order = %v, want %v", ids(got), want)
			}
		}
	}
}

func TestRankProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	ref := geo.Coordinate{Latitude: 48.85, Longitude: 2.35}

	for trial := 0; trial < 50; trial++ {
		candidates := make([]Candidate, 40)
		for i := range candidates {
			c := Candidate{ID: strconv.Itoa(r.Intn(1000)), Verified: r.Intn(4) != 0}
			if r.Intn(5) != 0 {
				c.Coordinate = coord(ref.Latitude+(r.Float64()-0.5)*0.4, ref.Longitude+(r.Float64()-0.5)*0.4)
			}
			candidates[i] = c
		}
		radius := r.Float64() * 20

		got := Rank(ref, candidates, radius)
		for i, rc := range got {
			if rc.Coordinate == nil {
				t.Fatalf("ranked candidate %s has no coordinate", rc.ID)
			}
			if rc.DistanceKm > radius {
				t.Fatalf("distance %.3f exceeds radius %.3f", rc.DistanceKm, radius)
			}
			if i > 0 {
				prev := got[i-1]
				if prev.DistanceKm > rc.DistanceKm {
					t.Fatalf("not sorted at %d: %.4f > %.4f", i, prev.DistanceKm, rc.DistanceKm)
				}
				if prev.DistanceKm == rc.DistanceKm && prev.ID > rc.ID {
					t.Fatalf("tie not broken by id at %d: %s > %s", i, prev.ID, rc.ID)
				}
			}
		}
	}
}

func TestRankDoesNotMutateInput(t *testing.T) {
	candidates := []Candidate{
		{ID: "b", Verified: true, Coordinate: coord(0.02, 0)},
		{ID: "a", Verified: true, Coordinate: coord(0.01, 0)},
	}
	Rank(geo.Coordinate{}, candidates, 10)

	if candidates[0].ID != "b" || candidates[1].ID != "a" {
		t.Error("Rank reordered its input")
	}
}

func TestNearest(t *testing.T) {
	candidates := []Candidate{
		{ID: "b", Verified: true, Coordinate: coord(0.02, 0)},
		{ID: "a", Verified: true, Coordinate: coord(0.01, 0)},
	}

	got, ok := Nearest(geo.Coordinate{}, candidates, 10)
	if !ok || got.ID != "a" {
		t.Errorf("Nearest = %+v, %v; want a", got, ok)
	}

	if _, ok := Nearest(geo.Coordinate{}, candidates, 0.5); ok {
		t.Error("Nearest should report false when nothing is in range")
	}
}

func ids(rs []RankedCandidate) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
