package dispatch

import (
	"math/rand"
	"testing"
	"time"

	"github.com/openride/taxi-dispatch/internal/models"
)

// Scenario: geo priority on, three drivers at 2/5/10 km with ratings
// 4.9/4.2/5.0. The nearest driver gets the first offer; after their
// rejection the 5 km driver gets it and accepts.
func TestSequentialOfferNearestFirst(t *testing.T) {
	h := newHarness(testConfig())
	h.addDriver("d-near", "+551100000001", 4.9, 2)
	h.addDriver("d-mid", "+551100000002", 4.2, 5)
	h.addDriver("d-far", "+551100000003", 5.0, 10)

	ride, err := h.sup.CreateRide(h.rideRequest())
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}

	first, ok := h.dispatcher.waitOffer(time.Second)
	if !ok {
		t.Fatal("no first offer")
	}
	if first.DriverID != "d-near" {
		t.Fatalf("first offer went to %s, want d-near", first.DriverID)
	}

	if err := h.sup.OfferResponse(ride.ID, "d-near", false); err != nil {
		t.Fatalf("reject: %v", err)
	}

	second, ok := h.dispatcher.waitOffer(time.Second)
	if !ok {
		t.Fatal("no second offer")
	}
	if second.DriverID != "d-mid" {
		t.Fatalf("second offer went to %s, want d-mid", second.DriverID)
	}

	if err := h.sup.OfferResponse(ride.ID, "d-mid", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !h.waitStatus(ride.ID, models.StatusAceita, time.Second) {
		t.Fatal("ride never reached aceita")
	}

	r, _ := h.sup.Status(ride.ID)
	if r.DriverID != "d-mid" {
		t.Fatalf("assigned driver = %q, want d-mid", r.DriverID)
	}

	d, _ := h.fleet.Snapshot("d-mid")
	if d.ActiveRideID != ride.ID || d.Available {
		t.Fatalf("accepted driver state: active=%q available=%v", d.ActiveRideID, d.Available)
	}
}

// Scenario: every candidate lets the offer window lapse; the ride ends
// cancelada with the no-driver reason after roughly three windows.
func TestAllOffersExpire(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 50 * time.Millisecond
	h := newHarness(cfg)
	h.addDriver("d1", "+551100000001", 4.9, 2)
	h.addDriver("d2", "+551100000002", 4.2, 5)
	h.addDriver("d3", "+551100000003", 5.0, 10)

	start := time.Now()
	ride, err := h.sup.CreateRide(h.rideRequest())
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}
	if !h.waitStatus(ride.ID, models.StatusCancelada, 2*time.Second) {
		t.Fatal("ride never reached cancelada")
	}
	elapsed := time.Since(start)
	if elapsed < 3*cfg.ResponseTimeout {
		t.Fatalf("exhaustion took %s, want at least three full windows", elapsed)
	}

	r, _ := h.sup.Status(ride.ID)
	if r.CancelReason != ReasonNoDriverAvailable {
		t.Fatalf("cancel reason = %q", r.CancelReason)
	}
	if got := h.dispatcher.sentTo(); len(got) != 3 {
		t.Fatalf("offers sent = %v, want all three drivers", got)
	}
}

// A driver that goes offline mid-offer has the offer force-expired
// immediately instead of burning the whole window.
func TestOfflineDriverForceExpires(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = time.Second
	h := newHarness(cfg)
	h.addDriver("d1", "+551100000001", 4.9, 2)
	h.addDriver("d2", "+551100000002", 4.2, 5)

	ride, err := h.sup.CreateRide(h.rideRequest())
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}
	first, _ := h.dispatcher.waitOffer(time.Second)
	if first.DriverID != "d1" {
		t.Fatalf("first offer to %s", first.DriverID)
	}

	// offline heartbeat while the offer is pending
	h.sup.Heartbeat(models.Heartbeat{DriverID: "d1", Lat: 2 / 111.0, Available: false, At: time.Now()})

	second, ok := h.dispatcher.waitOffer(200 * time.Millisecond)
	if !ok {
		t.Fatal("re-offer did not happen before the window lapsed")
	}
	if second.DriverID != "d2" {
		t.Fatalf("re-offer went to %s, want d2", second.DriverID)
	}
	_ = ride
}

// A velocity-blocked acceptance reverts the ride to enviada and the
// search continues without the blocked driver.
func TestTeleportingDriverAcceptanceBlocked(t *testing.T) {
	h := newHarness(testConfig())
	h.addDriver("d1", "+551100000001", 4.9, 2)
	h.addDriver("d2", "+551100000002", 4.2, 5)

	ride, err := h.sup.CreateRide(h.rideRequest())
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}
	first, _ := h.dispatcher.waitOffer(time.Second)
	if first.DriverID != "d1" {
		t.Fatalf("first offer to %s", first.DriverID)
	}

	// second heartbeat implies ~120 km/h since the previous one
	prev, _ := h.fleet.Snapshot("d1")
	h.sup.Heartbeat(models.Heartbeat{
		DriverID:  "d1",
		Lat:       prev.Loc.Lat + 2.0/111.0, // 2 km in one minute
		Lon:       prev.Loc.Lon,
		Available: true,
		At:        prev.LocUpdated.Add(time.Minute),
	})

	if err := h.sup.OfferResponse(ride.ID, "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	second, ok := h.dispatcher.waitOffer(time.Second)
	if !ok {
		t.Fatal("search did not continue after blocked acceptance")
	}
	if second.DriverID != "d2" {
		t.Fatalf("next offer went to %s, want d2", second.DriverID)
	}

	r, _ := h.sup.Status(ride.ID)
	if r.Status != models.StatusEnviada {
		t.Fatalf("ride status = %s, want enviada", r.Status)
	}

	// the blocked acceptance must be in the audit trail
	found := false
	for _, v := range h.store.Verdicts() {
		if v.Subject == "d1" && v.Reason == "velocity" {
			found = true
		}
	}
	if !found {
		t.Fatal("velocity block not recorded for audit")
	}
}

// Delivering the same response twice for a resolved offer is a no-op.
func TestDuplicateResponseIsNoOp(t *testing.T) {
	h := newHarness(testConfig())
	h.addDriver("d1", "+551100000001", 4.9, 2)

	ride, _ := h.sup.CreateRide(h.rideRequest())
	h.dispatcher.waitOffer(time.Second)

	if err := h.sup.OfferResponse(ride.ID, "d1", true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !h.waitStatus(ride.ID, models.StatusAceita, time.Second) {
		t.Fatal("ride never reached aceita")
	}

	// duplicates: a second accept and a late reject
	if err := h.sup.OfferResponse(ride.ID, "d1", true); err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}
	if err := h.sup.OfferResponse(ride.ID, "d1", false); err != nil {
		t.Fatalf("late reject: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	r, _ := h.sup.Status(ride.ID)
	if r.Status != models.StatusAceita || r.DriverID != "d1" {
		t.Fatalf("ride mutated by duplicate response: %s %s", r.Status, r.DriverID)
	}
}

// Customer cancellation interrupts a pending offer wait immediately
// and releases the driver reservation.
func TestCancelInterruptsPendingOffer(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 5 * time.Second
	h := newHarness(cfg)
	h.addDriver("d1", "+551100000001", 4.9, 2)

	ride, _ := h.sup.CreateRide(h.rideRequest())
	h.dispatcher.waitOffer(time.Second)

	start := time.Now()
	if err := h.sup.Cancel(ride.ID, "customer changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancel blocked for %s", elapsed)
	}

	if !h.waitStatus(ride.ID, models.StatusCancelada, time.Second) {
		t.Fatal("ride not cancelada after cancel")
	}
	d, _ := h.fleet.Snapshot("d1")
	if d.ActiveRideID != "" || !d.Available {
		t.Fatalf("driver not released: active=%q available=%v", d.ActiveRideID, d.Available)
	}
}

// Full lifecycle: accept -> start -> complete, with the driver freed
// at the end and the fare recorded.
func TestTripLifecycle(t *testing.T) {
	h := newHarness(testConfig())
	h.addDriver("d1", "+551100000001", 4.9, 2)

	ride, _ := h.sup.CreateRide(h.rideRequest())
	h.dispatcher.waitOffer(time.Second)
	h.sup.OfferResponse(ride.ID, "d1", true)
	if !h.waitStatus(ride.ID, models.StatusAceita, time.Second) {
		t.Fatal("not aceita")
	}

	// out-of-order completion is rejected
	if err := h.sup.CompleteTrip(ride.ID, "d1", nil); err != ErrInvalidTransition {
		t.Fatalf("complete before start = %v", err)
	}

	if err := h.sup.StartTrip(ride.ID, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.waitStatus(ride.ID, models.StatusEmAndamento, time.Second) {
		t.Fatal("not em_andamento")
	}

	fare := int64(2350)
	if err := h.sup.CompleteTrip(ride.ID, "d1", &fare); err != nil {
		t.Fatalf("complete: %v", err)
	}

	r, err := h.sup.Status(ride.ID)
	if err != nil {
		t.Fatalf("status after archive: %v", err)
	}
	if r.Status != models.StatusFinalizada || r.FinalFare == nil || *r.FinalFare != fare {
		t.Fatalf("final ride = %+v", r)
	}

	d, _ := h.fleet.Snapshot("d1")
	if d.ActiveRideID != "" || !d.Available {
		t.Fatalf("driver not freed after completion: %+v", d)
	}
}

// Transport failure on delivery is handled like an expired offer: the
// next candidate is tried without waiting out the window.
func TestUnreachableDriverSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 5 * time.Second
	h := newHarness(cfg)
	h.addDriver("d1", "+551100000001", 4.9, 2)
	h.addDriver("d2", "+551100000002", 4.2, 5)
	h.dispatcher.fail["d1"] = true

	ride, _ := h.sup.CreateRide(h.rideRequest())
	offer, ok := h.dispatcher.waitOffer(time.Second)
	if !ok {
		t.Fatal("no offer")
	}
	if offer.DriverID != "d2" {
		t.Fatalf("offer went to %s, want d2 after d1 unreachable", offer.DriverID)
	}
	_ = ride
}

// Invariant: across randomized response interleavings, at most one
// driver is ever reserved by a given ride, and availability is false
// exactly while an active ride is set.
func TestSinglePendingOfferInvariant(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 20 * time.Millisecond
	h := newHarness(cfg)

	drivers := []string{"d1", "d2", "d3", "d4", "d5"}
	for i, id := range drivers {
		h.addDriver(id, "", 4.0+float64(i)*0.1, float64(i+1))
	}

	ride, err := h.sup.CreateRide(h.rideRequest())
	if err != nil {
		t.Fatalf("CreateRide: %v", err)
	}

	stop := make(chan struct{})
	violations := make(chan string, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			reserved := 0
			for _, id := range drivers {
				d, ok := h.fleet.Snapshot(id)
				if !ok {
					continue
				}
				if d.ActiveRideID == ride.ID {
					reserved++
				}
				if (d.ActiveRideID != "") == d.Available {
					select {
					case violations <- "availability/active-ride invariant broken for " + id:
					default:
					}
				}
			}
			if reserved > 1 {
				select {
				case violations <- "multiple drivers reserved by one ride":
				default:
				}
			}
		}
	}()

	rng := rand.New(rand.NewSource(42))
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r, err := h.sup.Status(ride.ID)
		if err == nil && r.Status.Terminal() {
			break
		}
		// fire responses from random drivers, duplicates included
		id := drivers[rng.Intn(len(drivers))]
		_ = h.sup.OfferResponse(ride.ID, id, rng.Intn(3) == 0)
		time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
	}
	close(stop)

	select {
	case v := <-violations:
		t.Fatal(v)
	default:
	}
}
