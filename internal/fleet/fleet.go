package fleet

import (
	"errors"
	"sync"
	"time"

	"github.com/openride/taxi-dispatch/internal/models"
	"github.com/openride/taxi-dispatch/internal/rank"
)

var (
	ErrUnknownDriver = errors.New("fleet: unknown driver")
	// ErrDriverBusy means the check-and-set reservation lost: the driver
	// is already a live offer target or on a trip in another coordinator.
	ErrDriverBusy = errors.New("fleet: driver busy")
)

// Registry is the single owner of driver availability and active-ride
// state. Coordinators never touch a driver without holding a
// Reservation from here, which is what makes "at most one live offer
// target per driver" hold across concurrently dispatching rides.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]*driverState
}

type driverState struct {
	d models.Driver

	prevLoc     models.Coord
	prevLocAt   time.Time
	hasPrevLoc  bool
	cooldownTil time.Time

	// closed when the driver goes offline while reserved
	offline chan struct{}
}

// Movement is the driver's last observed displacement, used by the
// velocity heuristic.
type Movement struct {
	From   models.Coord
	FromAt time.Time
	To     models.Coord
	ToAt   time.Time
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]*driverState)}
}

// Register seeds or updates a driver's profile fields.
func (r *Registry) Register(d models.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[d.ID]
	if !ok {
		d.Available = d.ActiveRideID == ""
		r.drivers[d.ID] = &driverState{d: d}
		return
	}
	st.d.Phone = d.Phone
	st.d.Rating = d.Rating
}

// UpsertHeartbeat applies a location/availability update. Location
// history is kept for the velocity heuristic. A driver holding an
// active ride stays unavailable regardless of what the app reports;
// a heartbeat that reports offline while the driver is reserved
// force-releases the pending offer wait.
func (r *Registry) UpsertHeartbeat(hb models.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[hb.DriverID]
	if !ok {
		st = &driverState{d: models.Driver{ID: hb.DriverID, Phone: hb.Phone, Rating: hb.Rating}}
		r.drivers[hb.DriverID] = st
	}
	at := hb.At
	if at.IsZero() {
		at = time.Now()
	}
	if !st.d.LocUpdated.IsZero() {
		st.prevLoc = st.d.Loc
		st.prevLocAt = st.d.LocUpdated
		st.hasPrevLoc = true
	}
	st.d.Loc = models.Coord{Lat: hb.Lat, Lon: hb.Lon}
	st.d.LocUpdated = at
	if hb.Rating > 0 {
		st.d.Rating = hb.Rating
	}
	if hb.Phone != "" {
		st.d.Phone = hb.Phone
	}

	if st.d.ActiveRideID != "" {
		if !hb.Available && st.offline != nil {
			close(st.offline)
			st.offline = nil
		}
		st.d.Available = false
		return
	}
	st.d.Available = hb.Available
}

// Snapshot returns a read-only copy of the driver's current state.
func (r *Registry) Snapshot(id string) (models.Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return st.d, true
}

// HasDriverPhone reports whether any registered driver uses the phone
// number. Feeds the self-dealing heuristic at ride creation.
func (r *Registry) HasDriverPhone(phone string) bool {
	if phone == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.drivers {
		if st.d.Phone == phone {
			return true
		}
	}
	return false
}

// LastMovement returns the driver's last displacement, if two location
// updates have been seen.
func (r *Registry) LastMovement(id string) (Movement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[id]
	if !ok || !st.hasPrevLoc {
		return Movement{}, false
	}
	return Movement{From: st.prevLoc, FromAt: st.prevLocAt, To: st.d.Loc, ToAt: st.d.LocUpdated}, true
}

// Stats builds the ranking view for a candidate set.
func (r *Registry) Stats(ids []string) map[string]rank.DriverStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]rank.DriverStats, len(ids))
	for _, id := range ids {
		st, ok := r.drivers[id]
		if !ok {
			continue
		}
		out[id] = rank.DriverStats{Rating: st.d.Rating, CooldownUntil: st.cooldownTil}
	}
	return out
}

// Reservation marks one driver as the live offer target of one ride.
// Offline is closed if the driver drops out while the offer is pending.
type Reservation struct {
	DriverID string
	RideID   string
	Offline  <-chan struct{}

	registry *Registry
	once     sync.Once
}

// Reserve atomically claims an idle driver for a ride. Check and set
// happen under one lock; two coordinators racing for the same driver
// see exactly one success.
func (r *Registry) Reserve(driverID, rideID string) (*Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok {
		return nil, ErrUnknownDriver
	}
	if !st.d.Available || st.d.ActiveRideID != "" {
		return nil, ErrDriverBusy
	}
	st.d.Available = false
	st.d.ActiveRideID = rideID
	st.offline = make(chan struct{})
	return &Reservation{DriverID: driverID, RideID: rideID, Offline: st.offline, registry: r}, nil
}

// Release returns the driver to the idle pool (offer rejected, expired
// or revoked). Safe to call more than once.
func (res *Reservation) Release() {
	res.once.Do(func() {
		r := res.registry
		r.mu.Lock()
		defer r.mu.Unlock()
		st, ok := r.drivers[res.DriverID]
		if !ok || st.d.ActiveRideID != res.RideID {
			return
		}
		st.d.ActiveRideID = ""
		st.d.Available = true
		st.offline = nil
	})
}

// Confirm keeps the driver bound to the ride past acceptance; the
// active-ride id now persists until Complete or cancellation.
func (res *Reservation) Confirm() {
	res.once.Do(func() {
		r := res.registry
		r.mu.Lock()
		defer r.mu.Unlock()
		st, ok := r.drivers[res.DriverID]
		if !ok || st.d.ActiveRideID != res.RideID {
			return
		}
		st.offline = nil
	})
}

// Complete clears a confirmed assignment when the ride reaches a
// terminal state.
func (r *Registry) Complete(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.drivers[driverID]
	if !ok || st.d.ActiveRideID != rideID {
		return
	}
	st.d.ActiveRideID = ""
	st.d.Available = true
	st.offline = nil
}

// RecordOffer notes that the driver saw one more offer.
func (r *Registry) RecordOffer(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.drivers[driverID]; ok {
		st.d.OffersSeen++
	}
}

// RecordRejection bumps the driver's rejection streak.
func (r *Registry) RecordRejection(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.drivers[driverID]; ok {
		st.d.RejectionStreak++
	}
}

// RecordAcceptance resets the rejection streak.
func (r *Registry) RecordAcceptance(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.drivers[driverID]; ok {
		st.d.RejectionStreak = 0
	}
}

// RecordCancellation bumps the driver's cancellation counter.
func (r *Registry) RecordCancellation(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.drivers[driverID]; ok {
		st.d.Cancellations++
	}
}

// FlagCooldown excludes the driver from ranking until the deadline and
// records the flagged incident.
func (r *Registry) FlagCooldown(driverID string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.drivers[driverID]; ok {
		st.cooldownTil = until
		st.d.FlaggedIncidents++
	}
}
