package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openride/taxi-dispatch/internal/config"
	"github.com/openride/taxi-dispatch/internal/events"
	"github.com/openride/taxi-dispatch/internal/fleet"
	"github.com/openride/taxi-dispatch/internal/fraud"
	"github.com/openride/taxi-dispatch/internal/geo"
	"github.com/openride/taxi-dispatch/internal/models"
	"github.com/openride/taxi-dispatch/internal/observability"
	"github.com/openride/taxi-dispatch/internal/storage"
)

// FareCollector is the billing collaborator boundary: funds are held
// at acceptance, captured at completion, released on cancellation.
// The dispatch core never computes fares.
type FareCollector interface {
	HoldFare(ctx context.Context, ride models.Ride) (holdID string, err error)
	CaptureFare(ctx context.Context, holdID string, fare *int64) error
	ReleaseFare(ctx context.Context, holdID string) error
}

// Supervisor owns the set of active coordinators, one per ride, and is
// the single entry point for the intake, driver-app and admin
// collaborators. Driver exclusivity across rides is enforced by the
// fleet registry's reservation; the supervisor only routes.
type Supervisor struct {
	cfg        config.DispatchConfig
	geoIdx     geo.Index
	fleet      *fleet.Registry
	guard      *fraud.Guard
	store      storage.RideStore
	dispatcher Dispatcher
	sink       events.Sink
	fares      FareCollector
	log        *slog.Logger

	mu     sync.Mutex
	coords map[string]*Coordinator
	wg     sync.WaitGroup
}

type Options struct {
	Config     config.DispatchConfig
	Geo        geo.Index
	Fleet      *fleet.Registry
	Store      storage.RideStore
	Dispatcher Dispatcher
	Sink       events.Sink
	Fares      FareCollector // optional
	Logger     *slog.Logger
}

func NewSupervisor(opts Options) *Supervisor {
	s := &Supervisor{
		cfg:        opts.Config,
		geoIdx:     opts.Geo,
		fleet:      opts.Fleet,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		sink:       opts.Sink,
		fares:      opts.Fares,
		log:        opts.Logger,
		coords:     make(map[string]*Coordinator),
	}
	s.guard = fraud.NewGuard(fraud.Config{
		Enabled:              opts.Config.FraudEnabled,
		MaxConcurrentRides:   opts.Config.MaxConcurrentRides,
		SpeedCeilingKmh:      opts.Config.SpeedCeilingKmh,
		PairRideLimit:        opts.Config.PairRideLimit,
		RejectionStreakLimit: opts.Config.RejectionStreakLimit,
	}, &historyView{store: opts.Store, fleet: opts.Fleet})
	return s
}

// CreateRide validates and admits one ride request, spawning its
// coordinator. The configuration snapshot taken here governs the whole
// ride; later config changes do not reach in-flight rides.
func (s *Supervisor) CreateRide(req models.RideRequest) (*models.Ride, error) {
	if err := validateRequest(req, s.cfg.AllowNoDestination); err != nil {
		return nil, err
	}

	ride := models.Ride{
		ID:            uuid.NewString(),
		CustomerID:    req.CustomerID,
		CustomerPhone: req.CustomerPhone,
		Origin:        req.Origin,
		OriginAddress: req.OriginAddress,
		Destination:   req.Destination,
		RequestedAt:   time.Now(),
		Status:        models.StatusAguardando,
		UpdatedAt:     time.Now(),
	}

	verdict := s.guard.Evaluate(fraud.Event{Kind: fraud.RideCreated, Ride: ride})
	if verdict.Decision == fraud.Block {
		_ = s.store.SaveVerdict(verdict)
		observability.FraudVerdicts.WithLabelValues(string(verdict.Decision), verdict.Reason).Inc()
		s.log.Warn("ride creation blocked", "customer_id", req.CustomerID, "reason", verdict.Reason)
		return nil, &FraudBlockedError{Verdict: verdict}
	}

	if err := s.store.SaveRide(&ride); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	s.sink.Publish(models.RideEvent{RideID: ride.ID, Status: ride.Status, At: ride.RequestedAt})

	c := newCoordinator(ride, s.cfg, s)
	s.mu.Lock()
	s.coords[ride.ID] = c
	s.mu.Unlock()

	s.wg.Add(1)
	go c.run(func() {
		s.mu.Lock()
		delete(s.coords, ride.ID)
		s.mu.Unlock()
		s.wg.Done()
	})

	return &ride, nil
}

// Cancel aborts a ride: it interrupts a pending offer wait immediately
// and releases any driver reservation. Permitted from every
// pre-terminal state.
func (s *Supervisor) Cancel(rideID, reason string) error {
	return s.signal(rideID, lifecycleMsg{kind: signalCancel, reason: reason})
}

// CancelByDriver is the driver-side abort after acceptance; it also
// bumps the driver's cancellation counter.
func (s *Supervisor) CancelByDriver(rideID, driverID, reason string) error {
	return s.signal(rideID, lifecycleMsg{kind: signalCancel, driverID: driverID, reason: reason, byDriver: true})
}

// StartTrip records the driver-side trip start signal.
func (s *Supervisor) StartTrip(rideID, driverID string) error {
	return s.signal(rideID, lifecycleMsg{kind: signalStart, driverID: driverID})
}

// CompleteTrip records trip completion; fare is computed by an outside
// mechanism and may be nil.
func (s *Supervisor) CompleteTrip(rideID, driverID string, fare *int64) error {
	return s.signal(rideID, lifecycleMsg{kind: signalComplete, driverID: driverID, fare: fare})
}

// OfferResponse routes a driver's accept/reject to the owning
// coordinator. A response to an already-resolved offer is a no-op, not
// an error: the transport collaborator retries and dedupes on its own
// schedule.
func (s *Supervisor) OfferResponse(rideID, driverID string, accept bool) error {
	s.mu.Lock()
	c, ok := s.coords[rideID]
	s.mu.Unlock()
	if !ok {
		if _, archived := s.store.GetRide(rideID); archived {
			return nil
		}
		return ErrRideNotFound
	}
	select {
	case c.responses <- offerResponse{driverID: driverID, accept: accept}:
	case <-c.done:
	default:
		// buffer full of stale responses; the pending offer cannot be
		// starved because the coordinator drains mismatches
	}
	return nil
}

// Status returns the current ride state, falling back to the archive
// for rides whose coordinator already finished.
func (s *Supervisor) Status(rideID string) (*models.Ride, error) {
	s.mu.Lock()
	c, ok := s.coords[rideID]
	s.mu.Unlock()
	if ok {
		r := c.Snapshot()
		return &r, nil
	}
	if r, found := s.store.GetRide(rideID); found {
		return r, nil
	}
	return nil, ErrRideNotFound
}

// Heartbeat feeds a driver location/availability update into the fleet
// registry and the geo index.
func (s *Supervisor) Heartbeat(hb models.Heartbeat) {
	s.fleet.UpsertHeartbeat(hb)
	s.geoIdx.Upsert(hb)
	observability.HeartbeatsIngested.Inc()
}

// Shutdown interrupts every active coordinator and waits for them to
// drain, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.coords {
		c.cancel()
	}
	s.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) signal(rideID string, msg lifecycleMsg) error {
	s.mu.Lock()
	c, ok := s.coords[rideID]
	s.mu.Unlock()
	if !ok {
		if r, found := s.store.GetRide(rideID); found && r.Status.Terminal() {
			return ErrRideTerminal
		}
		return ErrRideNotFound
	}
	msg.reply = make(chan error, 1)
	select {
	case c.lifecycle <- msg:
		select {
		case err := <-msg.reply:
			return err
		case <-c.done:
			return ErrRideTerminal
		}
	case <-c.done:
		return ErrRideTerminal
	}
}

func validateRequest(req models.RideRequest, allowNoDestination bool) error {
	if req.CustomerID == "" {
		return &ValidationError{Field: "customer_id", Msg: "is required"}
	}
	if !validCoord(req.Origin) {
		return &ValidationError{Field: "origin", Msg: "is out of range"}
	}
	if req.Destination == nil {
		if !allowNoDestination {
			return &ValidationError{Field: "destination", Msg: "is required"}
		}
	} else if !validCoord(*req.Destination) {
		return &ValidationError{Field: "destination", Msg: "is out of range"}
	}
	return nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// historyView composes the fraud guard's read-only history from the
// ride archive and the fleet registry.
type historyView struct {
	store storage.RideStore
	fleet *fleet.Registry
}

func (h *historyView) ActiveRideCount(customerID string) int {
	return h.store.ActiveRideCount(customerID)
}

func (h *historyView) PairRideCount(customerPhone, driverPhone string) int {
	return h.store.PairRideCount(customerPhone, driverPhone)
}

func (h *historyView) IsDriverPhone(phone string) bool {
	return h.fleet.HasDriverPhone(phone)
}
