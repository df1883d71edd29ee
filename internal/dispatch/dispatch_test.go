package dispatch

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/openride/taxi-dispatch/internal/config"
	"github.com/openride/taxi-dispatch/internal/events"
	"github.com/openride/taxi-dispatch/internal/fleet"
	"github.com/openride/taxi-dispatch/internal/geo"
	"github.com/openride/taxi-dispatch/internal/models"
	"github.com/openride/taxi-dispatch/internal/storage"
)

// Shared test fixtures for the coordinator and supervisor tests.

type sentOffer struct {
	DriverID string
	Notice   OfferNotice
}

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []sentOffer
	revoked []string
	fail    map[string]bool // drivers that are unreachable
	ch      chan sentOffer
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fail: make(map[string]bool), ch: make(chan sentOffer, 32)}
}

func (f *fakeDispatcher) Offer(driverID string, notice OfferNotice) error {
	f.mu.Lock()
	unreachable := f.fail[driverID]
	if !unreachable {
		f.sent = append(f.sent, sentOffer{DriverID: driverID, Notice: notice})
	}
	f.mu.Unlock()
	if unreachable {
		return ErrNoSession
	}
	f.ch <- sentOffer{DriverID: driverID, Notice: notice}
	return nil
}

func (f *fakeDispatcher) Revoke(driverID, rideID string) {
	f.mu.Lock()
	f.revoked = append(f.revoked, driverID)
	f.mu.Unlock()
}

func (f *fakeDispatcher) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.DriverID
	}
	return out
}

// waitOffer blocks until the dispatcher sends the next offer.
func (f *fakeDispatcher) waitOffer(timeout time.Duration) (sentOffer, bool) {
	select {
	case o := <-f.ch:
		return o, true
	case <-time.After(timeout):
		return sentOffer{}, false
	}
}

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		SearchRadiusKm:     15,
		ResponseTimeout:    60 * time.Millisecond,
		StalenessThreshold: time.Minute,
		GeoPriority:        true,
		GeoWeight:          0.7,
		RatingWeight:       0.3,
		AllowNoDestination: false,
		MaxOffersPerRide:   10,

		FraudEnabled:         true,
		MaxConcurrentRides:   2,
		SpeedCeilingKmh:      110,
		PairRideLimit:        5,
		RejectionStreakLimit: 8,
		RejectionCooldown:    10 * time.Minute,
	}
}

type harness struct {
	sup        *Supervisor
	fleet      *fleet.Registry
	geo        *geo.MemoryIndex
	store      *storage.MemoryStore
	dispatcher *fakeDispatcher
	broker     *events.Broker
}

func newHarness(cfg config.DispatchConfig) *harness {
	h := &harness{
		fleet:      fleet.NewRegistry(),
		geo:        geo.NewMemoryIndex(cfg.StalenessThreshold),
		store:      storage.NewMemoryStore(),
		dispatcher: newFakeDispatcher(),
		broker:     events.NewBroker(),
	}
	h.sup = NewSupervisor(Options{
		Config:     cfg,
		Geo:        h.geo,
		Fleet:      h.fleet,
		Store:      h.store,
		Dispatcher: h.dispatcher,
		Sink:       h.broker,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

// addDriver registers a driver and feeds one fresh heartbeat placing
// them kmNorth kilometers north of the origin.
func (h *harness) addDriver(id, phone string, rating, kmNorth float64) {
	h.fleet.Register(models.Driver{ID: id, Phone: phone, Rating: rating})
	h.sup.Heartbeat(models.Heartbeat{
		DriverID:  id,
		Lat:       kmNorth / 111.0, // ~111 km per degree of latitude
		Lon:       0,
		Rating:    rating,
		Available: true,
		At:        time.Now(),
	})
}

func (h *harness) rideRequest() models.RideRequest {
	return models.RideRequest{
		CustomerID:    "cust-1",
		CustomerPhone: "+5511999990000",
		Origin:        models.Coord{Lat: 0, Lon: 0},
		Destination:   &models.Coord{Lat: 0.1, Lon: 0.1},
	}
}

// waitStatus polls until the ride reaches the wanted status or the
// deadline passes.
func (h *harness) waitStatus(rideID string, want models.RideStatus, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := h.sup.Status(rideID)
		if err == nil && r.Status == want {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
