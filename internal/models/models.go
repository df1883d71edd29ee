package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RideStatus values are the exact vocabulary the conversational layer
// and the admin UI filter on. Do not rename.
type RideStatus string

const (
	StatusAguardando  RideStatus = "aguardando"
	StatusEnviada     RideStatus = "enviada"
	StatusAceita      RideStatus = "aceita"
	StatusEmAndamento RideStatus = "em_andamento"
	StatusFinalizada  RideStatus = "finalizada"
	StatusCancelada   RideStatus = "cancelada"
)

// Terminal reports whether a ride in this status can never transition again.
func (s RideStatus) Terminal() bool {
	return s == StatusFinalizada || s == StatusCancelada
}

// RideRequest is the structured intake contract. Any channel that can
// produce one of these (WhatsApp text, voice transcript, admin form)
// can create rides; the dispatch core never sees free text.
type RideRequest struct {
	CustomerID    string `json:"customer_id"`
	CustomerPhone string `json:"customer_phone"`
	Origin        Coord  `json:"origin"`
	OriginAddress string `json:"origin_address,omitempty"`
	Destination   *Coord `json:"destination,omitempty"`
}

type Ride struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customer_id"`
	CustomerPhone string     `json:"customer_phone"`
	Origin        Coord      `json:"origin"`
	OriginAddress string     `json:"origin_address,omitempty"`
	Destination   *Coord     `json:"destination,omitempty"`
	RequestedAt   time.Time  `json:"requested_at"`
	Status        RideStatus `json:"status"`
	DriverID      string     `json:"driver_id,omitempty"`
	FinalFare     *int64     `json:"final_fare,omitempty"` // cents, set outside the dispatch core
	CancelReason  string     `json:"cancel_reason,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Driver struct {
	ID           string    `json:"id"`
	Phone        string    `json:"phone"`
	Loc          Coord     `json:"loc"`
	LocUpdated   time.Time `json:"loc_updated"`
	Available    bool      `json:"available"`
	Rating       float64   `json:"rating"` // 0..5
	ActiveRideID string    `json:"active_ride_id,omitempty"`

	// Risk counters feeding the fraud heuristics.
	Cancellations    int `json:"cancellations"`
	RejectionStreak  int `json:"rejection_streak"`
	OffersSeen       int `json:"offers_seen"`
	FlaggedIncidents int `json:"flagged_incidents"`
}

type OfferOutcome string

const (
	OfferPending  OfferOutcome = "pending"
	OfferAccepted OfferOutcome = "accepted"
	OfferRejected OfferOutcome = "rejected"
	OfferExpired  OfferOutcome = "expired"
	OfferRevoked  OfferOutcome = "revoked"
)

// Offer is one time-boxed proposal of a ride to one driver. Immutable
// once Outcome leaves pending.
type Offer struct {
	RideID    string       `json:"ride_id"`
	DriverID  string       `json:"driver_id"`
	Seq       int          `json:"seq"` // position in the ranked candidate list
	SentAt    time.Time    `json:"sent_at"`
	ExpiresAt time.Time    `json:"expires_at"`
	Outcome   OfferOutcome `json:"outcome"`
}

// RideEvent is emitted on every status transition and consumed by the
// conversational layer and admin views.
type RideEvent struct {
	RideID   string     `json:"ride_id"`
	Status   RideStatus `json:"status"`
	DriverID string     `json:"driver_id,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// Heartbeat is the driver-app location/availability update, ingested
// over HTTP and relayed through Kafka.
type Heartbeat struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Rating    float64   `json:"rating,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Available bool      `json:"available"`
	At        time.Time `json:"at"`
}
