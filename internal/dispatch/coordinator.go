package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/openride/taxi-dispatch/internal/config"
	"github.com/openride/taxi-dispatch/internal/events"
	"github.com/openride/taxi-dispatch/internal/fleet"
	"github.com/openride/taxi-dispatch/internal/fraud"
	"github.com/openride/taxi-dispatch/internal/geo"
	"github.com/openride/taxi-dispatch/internal/models"
	"github.com/openride/taxi-dispatch/internal/observability"
	"github.com/openride/taxi-dispatch/internal/rank"
	"github.com/openride/taxi-dispatch/internal/storage"
)

const ReasonNoDriverAvailable = "no driver available"

type offerResponse struct {
	driverID string
	accept   bool
}

type lifecycleKind int

const (
	signalStart lifecycleKind = iota
	signalComplete
	signalCancel
)

type lifecycleMsg struct {
	kind     lifecycleKind
	driverID string
	fare     *int64
	reason   string
	byDriver bool
	reply    chan error
}

// Coordinator owns one ride's lifecycle. All writes to the ride go
// through it, so transitions for a single ride are totally ordered;
// the only blocking point is the wait for a pending offer's
// resolution, which is interruptible by cancellation, driver offline
// and the response deadline.
type Coordinator struct {
	ride models.Ride
	cfg  config.DispatchConfig

	geoIdx     geo.Index
	fleet      *fleet.Registry
	guard      *fraud.Guard
	store      storage.RideStore
	dispatcher Dispatcher
	sink       events.Sink
	fares      FareCollector
	log        *slog.Logger

	responses chan offerResponse
	lifecycle chan lifecycleMsg

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// snapshot channel serves Status reads without a lock: the run
	// goroutine is the sole writer of c.ride.
	snapshots chan models.Ride

	offers   []models.Offer
	excluded map[string]bool
	holdID   string
}

func newCoordinator(ride models.Ride, cfg config.DispatchConfig, s *Supervisor) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ride:       ride,
		cfg:        cfg,
		geoIdx:     s.geoIdx,
		fleet:      s.fleet,
		guard:      s.guard,
		store:      s.store,
		dispatcher: s.dispatcher,
		sink:       s.sink,
		fares:      s.fares,
		log:        s.log.With("ride_id", ride.ID),
		responses:  make(chan offerResponse, 8),
		lifecycle:  make(chan lifecycleMsg),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		snapshots:  make(chan models.Ride),
		excluded:   make(map[string]bool),
	}
}

// Snapshot returns the ride as the coordinator currently sees it.
func (c *Coordinator) Snapshot() models.Ride {
	select {
	case r := <-c.snapshots:
		return r
	case <-c.done:
		return c.ride
	}
}

func (c *Coordinator) run(onExit func()) {
	defer func() {
		close(c.done)
		c.cancel()
		onExit()
	}()

	observability.ActiveCoordinators.Inc()
	defer observability.ActiveCoordinators.Dec()

	res := c.search()
	if res != nil {
		c.trip(res)
	}

	observability.RidesByOutcome.WithLabelValues(string(c.ride.Status)).Inc()
}

// search drives the sequential offer protocol until a driver accepts
// or the ranked list is exhausted. It returns the confirmed
// reservation, or nil when the ride ended in cancelada.
func (c *Coordinator) search() *fleet.Reservation {
	cands := c.geoIdx.Candidates(c.ride.Origin, c.cfg.SearchRadiusKm)
	weights := rank.FromFlags(c.cfg.GeoPriority, c.cfg.RatingPriority, c.cfg.GeoWeight, c.cfg.RatingWeight)
	ranked := rank.Rank(cands, c.fleet.Stats(candidateIDs(cands)), weights, time.Now())
	distances := make(map[string]float64, len(cands))
	for _, cand := range cands {
		distances[cand.DriverID] = cand.DistanceKm
	}

	seq := 0
	for _, driverID := range ranked {
		if seq >= c.cfg.MaxOffersPerRide {
			break
		}
		if c.excluded[driverID] {
			continue
		}
		driver, ok := c.fleet.Snapshot(driverID)
		if !ok {
			continue
		}

		verdict := c.guard.Evaluate(fraud.Event{Kind: fraud.OfferAboutToSend, Ride: c.ride, Driver: &driver})
		if !c.applyVerdict(verdict, driverID) {
			c.excluded[driverID] = true
			continue
		}

		res, err := c.fleet.Reserve(driverID, c.ride.ID)
		if err != nil {
			// another coordinator got the driver first; move on
			c.log.Debug("driver reservation lost", "driver_id", driverID, "error", err)
			continue
		}

		offer := models.Offer{
			RideID:    c.ride.ID,
			DriverID:  driverID,
			Seq:       seq,
			SentAt:    time.Now(),
			ExpiresAt: time.Now().Add(c.cfg.ResponseTimeout),
			Outcome:   models.OfferPending,
		}
		seq++
		c.offers = append(c.offers, offer)
		c.fleet.RecordOffer(driverID)

		notice := OfferNotice{
			RideID:        c.ride.ID,
			Origin:        c.ride.Origin,
			OriginAddress: c.ride.OriginAddress,
			Destination:   c.ride.Destination,
			DistanceKm:    distances[driverID],
			ExpiresAt:     offer.ExpiresAt,
		}
		if err := c.dispatcher.Offer(driverID, notice); err != nil {
			// unreachable driver behaves like an expired offer
			c.log.Warn("offer delivery failed", "driver_id", driverID, "error", err)
			c.resolveOffer(models.OfferExpired)
			res.Release()
			continue
		}

		observability.OffersSent.Inc()
		c.setStatus(models.StatusEnviada, driverID, "")

		outcome, confirmed := c.awaitResponse(res, offer)
		c.resolveOffer(outcome)
		if confirmed != nil {
			return confirmed
		}
		if c.ride.Status.Terminal() {
			return nil
		}
	}

	c.setStatus(models.StatusCancelada, "", ReasonNoDriverAvailable)
	return nil
}

// awaitResponse blocks until the pending offer resolves: driver
// response, deadline, driver offline, or ride cancellation. The
// returned reservation is non-nil only for a guard-approved
// acceptance.
func (c *Coordinator) awaitResponse(res *fleet.Reservation, offer models.Offer) (models.OfferOutcome, *fleet.Reservation) {
	timer := time.NewTimer(time.Until(offer.ExpiresAt))
	defer timer.Stop()

	for {
		select {
		case resp := <-c.responses:
			if resp.driverID != offer.DriverID {
				// stale response for an already-resolved offer: no-op
				continue
			}
			if !resp.accept {
				c.fleet.RecordRejection(offer.DriverID)
				res.Release()
				return models.OfferRejected, nil
			}
			// provisional acceptance: confirm only if the guard allows it
			driver, _ := c.fleet.Snapshot(offer.DriverID)
			ev := fraud.Event{Kind: fraud.AcceptanceAboutToConfirm, Ride: c.ride, Driver: &driver}
			if m, ok := c.fleet.LastMovement(offer.DriverID); ok {
				ev.Movement = &m
			}
			verdict := c.guard.Evaluate(ev)
			if !c.applyVerdict(verdict, offer.DriverID) {
				// blocked acceptance: revert to enviada, exclude the
				// driver for the rest of this ride's search
				c.excluded[offer.DriverID] = true
				c.dispatcher.Revoke(offer.DriverID, c.ride.ID)
				res.Release()
				return models.OfferRevoked, nil
			}
			res.Confirm()
			c.fleet.RecordAcceptance(offer.DriverID)
			c.store.RecordPairing(c.ride.CustomerPhone, driver.Phone)
			c.setStatus(models.StatusAceita, offer.DriverID, "")
			c.holdFare()
			return models.OfferAccepted, res

		case <-res.Offline:
			// driver dropped out mid-offer; skip the rest of the window
			res.Release()
			return models.OfferExpired, nil

		case <-timer.C:
			res.Release()
			return models.OfferExpired, nil

		case msg := <-c.lifecycle:
			if msg.kind != signalCancel {
				msg.reply <- ErrInvalidTransition
				continue
			}
			c.dispatcher.Revoke(offer.DriverID, c.ride.ID)
			res.Release()
			c.setStatus(models.StatusCancelada, "", msg.reason)
			msg.reply <- nil
			return models.OfferRevoked, nil

		case c.snapshots <- c.ride:

		case <-c.ctx.Done():
			c.dispatcher.Revoke(offer.DriverID, c.ride.ID)
			res.Release()
			c.setStatus(models.StatusCancelada, "", "dispatch shutdown")
			return models.OfferRevoked, nil
		}
	}
}

// trip handles the post-match lifecycle: aceita -> em_andamento ->
// finalizada, with cancellation possible until the ride finishes.
func (c *Coordinator) trip(res *fleet.Reservation) {
	driverID := c.ride.DriverID
	for {
		select {
		case msg := <-c.lifecycle:
			if msg.kind != signalCancel && msg.driverID != "" && msg.driverID != driverID {
				msg.reply <- ErrInvalidTransition
				continue
			}
			switch msg.kind {
			case signalStart:
				if c.ride.Status != models.StatusAceita {
					msg.reply <- ErrInvalidTransition
					continue
				}
				c.setStatus(models.StatusEmAndamento, driverID, "")
				msg.reply <- nil

			case signalComplete:
				if c.ride.Status != models.StatusEmAndamento {
					msg.reply <- ErrInvalidTransition
					continue
				}
				ev := fraud.Event{Kind: fraud.CompletionAboutToConfirm, Ride: c.ride}
				if d, ok := c.fleet.Snapshot(driverID); ok {
					ev.Driver = &d
				}
				if m, ok := c.fleet.LastMovement(driverID); ok {
					ev.Movement = &m
				}
				c.applyVerdict(c.guard.Evaluate(ev), driverID) // flag-only: completion proceeds
				c.ride.FinalFare = msg.fare
				c.fleet.Complete(driverID, c.ride.ID)
				c.setStatus(models.StatusFinalizada, driverID, "")
				c.captureFare()
				msg.reply <- nil
				return

			case signalCancel:
				if msg.byDriver {
					c.fleet.RecordCancellation(driverID)
				}
				c.fleet.Complete(driverID, c.ride.ID)
				c.setStatus(models.StatusCancelada, driverID, msg.reason)
				c.releaseFare()
				msg.reply <- nil
				return
			}

		case resp := <-c.responses:
			// response for an offer that already resolved: no-op
			_ = resp

		case c.snapshots <- c.ride:

		case <-c.ctx.Done():
			c.fleet.Complete(driverID, c.ride.ID)
			return
		}
	}
}

// resolveOffer fixes the outcome of the newest offer; offers are
// immutable afterwards.
func (c *Coordinator) resolveOffer(outcome models.OfferOutcome) {
	last := &c.offers[len(c.offers)-1]
	if last.Outcome != models.OfferPending {
		return
	}
	last.Outcome = outcome
	observability.OffersByOutcome.WithLabelValues(string(outcome)).Inc()
	observability.OfferWaitSeconds.Observe(time.Since(last.SentAt).Seconds())
}

// applyVerdict records non-allow verdicts and reports whether the
// transition may proceed. A rejection-gaming flag also puts the driver
// into a ranking cool-down.
func (c *Coordinator) applyVerdict(v fraud.Verdict, driverID string) bool {
	if v.Decision == fraud.Allow {
		return true
	}
	_ = c.store.SaveVerdict(v)
	observability.FraudVerdicts.WithLabelValues(string(v.Decision), v.Reason).Inc()
	c.log.Warn("fraud verdict", "driver_id", driverID, "decision", v.Decision, "reason", v.Reason)
	if v.Reason == fraud.ReasonRejectionGaming {
		c.fleet.FlagCooldown(driverID, time.Now().Add(c.cfg.RejectionCooldown))
	}
	return v.Decision != fraud.Block
}

func (c *Coordinator) setStatus(status models.RideStatus, driverID, reason string) {
	c.ride.Status = status
	c.ride.UpdatedAt = time.Now()
	c.ride.CancelReason = reason
	switch status {
	case models.StatusEnviada, models.StatusAceita, models.StatusEmAndamento:
		c.ride.DriverID = driverID
	case models.StatusAguardando, models.StatusCancelada:
		c.ride.DriverID = ""
	}
	if status == models.StatusFinalizada {
		c.ride.DriverID = driverID
	}
	if err := c.store.UpdateRide(&c.ride); err != nil {
		c.log.Error("ride update failed", "error", err)
	}
	c.sink.Publish(models.RideEvent{
		RideID:   c.ride.ID,
		Status:   status,
		DriverID: c.ride.DriverID,
		Reason:   reason,
		At:       c.ride.UpdatedAt,
	})
	c.log.Info("ride transition", "status", status, "driver_id", c.ride.DriverID, "reason", reason)
}

func (c *Coordinator) holdFare() {
	if c.fares == nil {
		return
	}
	id, err := c.fares.HoldFare(c.ctx, c.ride)
	if err != nil {
		c.log.Warn("fare hold failed", "error", err)
		return
	}
	c.holdID = id
}

func (c *Coordinator) captureFare() {
	if c.fares == nil || c.holdID == "" {
		return
	}
	if err := c.fares.CaptureFare(c.ctx, c.holdID, c.ride.FinalFare); err != nil {
		c.log.Warn("fare capture failed", "error", err)
	}
}

func (c *Coordinator) releaseFare() {
	if c.fares == nil || c.holdID == "" {
		return
	}
	if err := c.fares.ReleaseFare(c.ctx, c.holdID); err != nil {
		c.log.Warn("fare release failed", "error", err)
	}
}

func candidateIDs(cands []geo.Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.DriverID)
	}
	return out
}
