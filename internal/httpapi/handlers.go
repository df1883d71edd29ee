package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openride/taxi-dispatch/internal/dispatch"
	"github.com/openride/taxi-dispatch/internal/events"
	"github.com/openride/taxi-dispatch/internal/ingest"
	"github.com/openride/taxi-dispatch/internal/models"
)

// Server is the HTTP surface for the intake, driver-app and admin
// collaborators. All dispatch decisions live behind the supervisor;
// handlers only translate wire shapes.
type Server struct {
	Supervisor *dispatch.Supervisor
	Broker     *events.Broker
	WSReg      *dispatch.WSRegistry
	Kafka      *ingest.KafkaProducer // optional heartbeat relay
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(sup *dispatch.Supervisor, broker *events.Broker, wsreg *dispatch.WSRegistry, kafka *ingest.KafkaProducer, logger *slog.Logger) *Server {
	s := &Server{Supervisor: sup, Broker: broker, WSReg: wsreg, Kafka: kafka, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/response", s.handleOfferResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStartTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleCompleteTrip).Methods("POST")
	s.mux.HandleFunc("/internal/driver/locations", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/events", s.handleEventsWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ride, err := s.Supervisor.CreateRide(req)
	if err != nil {
		var verr *dispatch.ValidationError
		var ferr *dispatch.FraudBlockedError
		switch {
		case errors.As(err, &verr):
			http.Error(w, verr.Error(), http.StatusBadRequest)
		case errors.As(err, &ferr):
			http.Error(w, ferr.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride_id": ride.ID, "status": ride.Status})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Supervisor.Status(mux.Vars(r)["ride_id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason   string `json:"reason"`
		DriverID string `json:"driver_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	rideID := mux.Vars(r)["ride_id"]
	var err error
	if body.DriverID != "" {
		err = s.Supervisor.CancelByDriver(rideID, body.DriverID, body.Reason)
	} else {
		err = s.Supervisor.Cancel(rideID, body.Reason)
	}
	s.writeSignalResult(w, err)
}

func (s *Server) handleOfferResponse(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
		Response string `json:"response"` // accept | reject
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Response != "accept" && body.Response != "reject" {
		http.Error(w, "response must be accept or reject", http.StatusBadRequest)
		return
	}
	err := s.Supervisor.OfferResponse(mux.Vars(r)["ride_id"], body.DriverID, body.Response == "accept")
	s.writeSignalResult(w, err)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := s.Supervisor.StartTrip(mux.Vars(r)["ride_id"], body.DriverID)
	s.writeSignalResult(w, err)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID  string `json:"driver_id"`
		FareCents *int64 `json:"fare_cents"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	err := s.Supervisor.CompleteTrip(mux.Vars(r)["ride_id"], body.DriverID, body.FareCents)
	s.writeSignalResult(w, err)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if hb.DriverID == "" {
		http.Error(w, "driver_id is required", http.StatusBadRequest)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishHeartbeat(hb); err != nil {
			s.logger.Warn("heartbeat relay failed", "driver_id", hb.DriverID, "error", err)
		}
	}
	s.Supervisor.Heartbeat(hb)
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleDriverWS attaches a driver app session. Offers flow out over
// the socket; accept/reject responses flow back in.
func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(driverID, conn)

	go func() {
		defer func() {
			s.WSReg.Remove(driverID)
			_ = conn.Close()
		}()
		for {
			var msg struct {
				RideID   string `json:"ride_id"`
				Response string `json:"response"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.RideID == "" || (msg.Response != "accept" && msg.Response != "reject") {
				continue
			}
			if err := s.Supervisor.OfferResponse(msg.RideID, driverID, msg.Response == "accept"); err != nil {
				s.logger.Debug("ws offer response dropped", "ride_id", msg.RideID, "error", err)
			}
		}
	}()
}

// handleEventsWS streams ride transitions to admin tooling and the
// conversational layer.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	ch, cancel := s.Broker.Subscribe()
	go func() {
		defer func() {
			cancel()
			_ = conn.Close()
		}()
		for ev := range ch {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeSignalResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, dispatch.ErrRideNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dispatch.ErrRideTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
