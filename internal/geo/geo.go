package geo

import (
	"math"
	"sync"
	"time"

	"github.com/openride/taxi-dispatch/internal/models"
)

// Candidate is one eligible driver with its distance from the pickup point.
type Candidate struct {
	DriverID   string
	DistanceKm float64
}

// Index is the lookup interface required by the supervisor: eligible
// drivers within radiusKm of origin, nearest first. An empty slice
// means "no candidates", never a failure.
type Index interface {
	Candidates(origin models.Coord, radiusKm float64) []Candidate
	Upsert(hb models.Heartbeat)
}

// MemoryIndex keeps driver positions in a map. Fine for one process;
// the Redis implementation covers multi-process deployments.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]position
	staleness time.Duration
	now       func() time.Time
}

type position struct {
	loc       models.Coord
	updated   time.Time
	available bool
}

func NewMemoryIndex(staleness time.Duration) *MemoryIndex {
	return &MemoryIndex{
		positions: make(map[string]position),
		staleness: staleness,
		now:       time.Now,
	}
}

func (g *MemoryIndex) Upsert(hb models.Heartbeat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	at := hb.At
	if at.IsZero() {
		at = g.now()
	}
	g.positions[hb.DriverID] = position{
		loc:       models.Coord{Lat: hb.Lat, Lon: hb.Lon},
		updated:   at,
		available: hb.Available,
	}
}

// Candidates excludes unavailable drivers and any location older than
// the staleness threshold; stale positions cannot be trusted for
// dispatch, so they are dropped rather than down-ranked.
func (g *MemoryIndex) Candidates(origin models.Coord, radiusKm float64) []Candidate {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cutoff := g.now().Add(-g.staleness)
	arr := make([]Candidate, 0, len(g.positions))
	for id, p := range g.positions {
		if !p.available || p.updated.Before(cutoff) {
			continue
		}
		d := HaversineKm(origin.Lat, origin.Lon, p.loc.Lat, p.loc.Lon)
		if d > radiusKm {
			continue
		}
		arr = append(arr, Candidate{DriverID: id, DistanceKm: d})
	}
	// selection sort by distance; candidate sets are small
	for i := 0; i < len(arr); i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceKm < arr[minIdx].DistanceKm {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr
}

// HaversineKm is the great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
