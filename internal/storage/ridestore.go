package storage

import (
	"sync"

	"github.com/openride/taxi-dispatch/internal/fraud"
	"github.com/openride/taxi-dispatch/internal/models"
)

// RideStore persists rides, confirmed customer/driver pairings and the
// fraud audit trail. Rides are archived on reaching a terminal state,
// never deleted; the history queries feed the fraud heuristics.
type RideStore interface {
	SaveRide(r *models.Ride) error
	UpdateRide(r *models.Ride) error
	GetRide(id string) (*models.Ride, bool)

	ActiveRideCount(customerID string) int
	RecordPairing(customerPhone, driverPhone string)
	PairRideCount(customerPhone, driverPhone string) int

	SaveVerdict(v fraud.Verdict) error
}

type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	pairings map[[2]string]int
	verdicts []fraud.Verdict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		pairings: make(map[[2]string]int),
	}
}

func (m *MemoryStore) SaveRide(r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = *r
	return nil
}

func (m *MemoryStore) UpdateRide(r *models.Ride) error {
	return m.SaveRide(r)
}

func (m *MemoryStore) GetRide(id string) (*models.Ride, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false
	}
	cp := r
	return &cp, true
}

func (m *MemoryStore) ActiveRideCount(customerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rides {
		if r.CustomerID != customerID {
			continue
		}
		if r.Status == models.StatusAguardando || r.Status == models.StatusEnviada {
			n++
		}
	}
	return n
}

func (m *MemoryStore) RecordPairing(customerPhone, driverPhone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[[2]string{customerPhone, driverPhone}]++
}

func (m *MemoryStore) PairRideCount(customerPhone, driverPhone string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pairings[[2]string{customerPhone, driverPhone}]
}

func (m *MemoryStore) SaveVerdict(v fraud.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verdicts = append(m.verdicts, v)
	return nil
}

// Verdicts returns the recorded audit trail, oldest first.
func (m *MemoryStore) Verdicts() []fraud.Verdict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]fraud.Verdict, len(m.verdicts))
	copy(out, m.verdicts)
	return out
}
