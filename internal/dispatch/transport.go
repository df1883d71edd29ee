package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openride/taxi-dispatch/internal/models"
)

// OfferNotice is the payload delivered to the driver app when a ride
// is proposed to them.
type OfferNotice struct {
	RideID        string        `json:"ride_id"`
	Origin        models.Coord  `json:"origin"`
	OriginAddress string        `json:"origin_address,omitempty"`
	Destination   *models.Coord `json:"destination,omitempty"`
	DistanceKm    float64       `json:"distance_km"`
	ExpiresAt     time.Time     `json:"expires_at"`
}

// Dispatcher delivers offers to drivers. Delivery failure is reported
// to the coordinator, which treats the driver like one that let the
// offer expire. Revoke is best-effort: the offer is already resolved
// on our side when it is called.
type Dispatcher interface {
	Offer(driverID string, notice OfferNotice) error
	Revoke(driverID, rideID string)
}

var ErrNoSession = errors.New("dispatch: no driver session")

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry delivers offers over driver WebSocket sessions.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) Offer(driverID string, notice OfferNotice) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(map[string]interface{}{"type": "offer", "offer": notice})
}

func (r *WSRegistry) Revoke(driverID, rideID string) {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	_ = s.send(map[string]interface{}{"type": "revoke", "ride_id": rideID})
}

// PushDispatcher tries the driver's WebSocket first and falls back to
// an HTTP push endpoint (the WhatsApp transport collaborator).
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Offer(driverID string, notice OfferNotice) error {
	if p.WS != nil {
		if err := p.WS.Offer(driverID, notice); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, _ := json.Marshal(map[string]interface{}{"driver_id": driverID, "offer": notice})
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("dispatch: push endpoint rejected offer")
	}
	return nil
}

func (p *PushDispatcher) Revoke(driverID, rideID string) {
	if p.WS != nil {
		p.WS.Revoke(driverID, rideID)
	}
}
