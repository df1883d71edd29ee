package fraud

import (
	"time"

	"github.com/openride/taxi-dispatch/internal/fleet"
	"github.com/openride/taxi-dispatch/internal/geo"
	"github.com/openride/taxi-dispatch/internal/models"
)

type EventKind string

const (
	RideCreated              EventKind = "ride-created"
	OfferAboutToSend         EventKind = "offer-about-to-send"
	AcceptanceAboutToConfirm EventKind = "acceptance-about-to-confirm"
	CompletionAboutToConfirm EventKind = "completion-about-to-confirm"
)

type Decision string

const (
	Allow Decision = "allow"
	Flag  Decision = "flag"
	Block Decision = "block"
)

// Reason codes carried on non-allow verdicts.
const (
	ReasonSelfDealing     = "self_dealing"
	ReasonVelocity        = "velocity"
	ReasonRejectionGaming = "rejection_gaming"
	ReasonBurstRequests   = "burst_requests"
)

type Verdict struct {
	Subject     string    `json:"subject"` // ride id or driver id
	Kind        EventKind `json:"kind"`
	Decision    Decision  `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Event is one proposed transition submitted for evaluation. Driver
// and Movement are set for offer/acceptance/completion events.
type Event struct {
	Kind     EventKind
	Ride     models.Ride
	Driver   *models.Driver
	Movement *fleet.Movement
}

// History is the read-only slice of ride/driver history the heuristics
// consult. Implementations pre-fetch; Evaluate never blocks on I/O.
type History interface {
	// ActiveRideCount counts the customer's rides currently in
	// aguardando or enviada.
	ActiveRideCount(customerID string) int
	// PairRideCount counts prior rides pairing this customer phone with
	// this driver phone.
	PairRideCount(customerPhone, driverPhone string) int
	// IsDriverPhone reports whether the phone belongs to a registered driver.
	IsDriverPhone(phone string) bool
}

type Config struct {
	Enabled              bool
	MaxConcurrentRides   int
	SpeedCeilingKmh      float64
	PairRideLimit        int
	RejectionStreakLimit int
}

// Guard evaluates proposed transitions synchronously; a block halts
// the transition, a flag lets it through but is retained for review.
// Evaluate is a pure function of the event, the history view and the
// clock, so identical inputs always yield the identical verdict.
type Guard struct {
	cfg     Config
	history History
	now     func() time.Time
}

func NewGuard(cfg Config, history History) *Guard {
	return &Guard{cfg: cfg, history: history, now: time.Now}
}

func (g *Guard) Evaluate(e Event) Verdict {
	v := Verdict{Subject: e.Ride.ID, Kind: e.Kind, Decision: Allow, EvaluatedAt: g.now()}
	if e.Driver != nil {
		v.Subject = e.Driver.ID
	}
	if !g.cfg.Enabled {
		return v
	}

	switch e.Kind {
	case RideCreated:
		if g.history.IsDriverPhone(e.Ride.CustomerPhone) {
			return g.deny(v, Block, ReasonSelfDealing)
		}
		if g.history.ActiveRideCount(e.Ride.CustomerID) >= g.cfg.MaxConcurrentRides {
			return g.deny(v, Block, ReasonBurstRequests)
		}

	case OfferAboutToSend:
		if e.Driver == nil {
			return v
		}
		if e.Driver.Phone != "" && e.Driver.Phone == e.Ride.CustomerPhone {
			return g.deny(v, Block, ReasonSelfDealing)
		}
		if g.history.PairRideCount(e.Ride.CustomerPhone, e.Driver.Phone) >= g.cfg.PairRideLimit {
			return g.deny(v, Block, ReasonSelfDealing)
		}
		if e.Driver.RejectionStreak >= g.cfg.RejectionStreakLimit && e.Driver.OffersSeen >= g.cfg.RejectionStreakLimit {
			return g.deny(v, Flag, ReasonRejectionGaming)
		}

	case AcceptanceAboutToConfirm:
		if e.Driver != nil && e.Driver.Phone != "" && e.Driver.Phone == e.Ride.CustomerPhone {
			return g.deny(v, Block, ReasonSelfDealing)
		}
		if g.impliedSpeedExceeded(e.Movement) {
			return g.deny(v, Block, ReasonVelocity)
		}

	case CompletionAboutToConfirm:
		// A teleporting driver mid-trip is suspicious but the customer is
		// already underway; retain for review instead of blocking.
		if g.impliedSpeedExceeded(e.Movement) {
			return g.deny(v, Flag, ReasonVelocity)
		}
	}
	return v
}

func (g *Guard) deny(v Verdict, d Decision, reason string) Verdict {
	v.Decision = d
	v.Reason = reason
	return v
}

// impliedSpeedExceeded checks whether the displacement between the two
// last heartbeats requires a speed above the plausibility ceiling.
func (g *Guard) impliedSpeedExceeded(m *fleet.Movement) bool {
	if m == nil || g.cfg.SpeedCeilingKmh <= 0 {
		return false
	}
	elapsed := m.ToAt.Sub(m.FromAt)
	if elapsed <= 0 {
		return false
	}
	distKm := geo.HaversineKm(m.From.Lat, m.From.Lon, m.To.Lat, m.To.Lon)
	speedKmh := distKm / elapsed.Hours()
	return speedKmh > g.cfg.SpeedCeilingKmh
}
