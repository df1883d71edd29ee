package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openride/taxi-dispatch/internal/config"
	"github.com/openride/taxi-dispatch/internal/dispatch"
	"github.com/openride/taxi-dispatch/internal/events"
	"github.com/openride/taxi-dispatch/internal/fleet"
	"github.com/openride/taxi-dispatch/internal/geo"
	"github.com/openride/taxi-dispatch/internal/models"
	"github.com/openride/taxi-dispatch/internal/storage"
)

type nopDispatcher struct{}

func (nopDispatcher) Offer(string, dispatch.OfferNotice) error { return nil }
func (nopDispatcher) Revoke(string, string)                    {}

func newTestServer() *Server {
	cfg := config.DispatchConfig{
		SearchRadiusKm:       15,
		ResponseTimeout:      50 * time.Millisecond,
		StalenessThreshold:   time.Minute,
		GeoPriority:          true,
		GeoWeight:            0.7,
		RatingWeight:         0.3,
		MaxOffersPerRide:     5,
		FraudEnabled:         true,
		MaxConcurrentRides:   2,
		SpeedCeilingKmh:      110,
		PairRideLimit:        5,
		RejectionStreakLimit: 8,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sup := dispatch.NewSupervisor(dispatch.Options{
		Config:     cfg,
		Geo:        geo.NewMemoryIndex(cfg.StalenessThreshold),
		Fleet:      fleet.NewRegistry(),
		Store:      storage.NewMemoryStore(),
		Dispatcher: nopDispatcher{},
		Sink:       events.NewBroker(),
		Logger:     logger,
	})
	return NewServer(sup, events.NewBroker(), dispatch.NewWSRegistry(), nil, logger)
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestCreateRideEndpoint(t *testing.T) {
	s := newTestServer()
	w := postJSON(t, s, "/api/v1/rides", `{"customer_id":"c1","customer_phone":"+5511999990000","origin":{"lat":-23.55,"lon":-46.63},"destination":{"lat":-23.56,"lon":-46.66}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		RideID string `json:"ride_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RideID == "" || resp.Status != "aguardando" {
		t.Fatalf("resp = %+v", resp)
	}

	// status endpoint answers for the new ride
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/"+resp.RideID, nil)
	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rw.Code)
	}
	var ride models.Ride
	if err := json.Unmarshal(rw.Body.Bytes(), &ride); err != nil {
		t.Fatalf("decode ride: %v", err)
	}
	if ride.ID != resp.RideID {
		t.Fatalf("ride = %+v", ride)
	}
}

func TestCreateRideRejectsBadRequests(t *testing.T) {
	s := newTestServer()

	if w := postJSON(t, s, "/api/v1/rides", `{not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed body = %d", w.Code)
	}
	// missing destination with no-destination mode off
	if w := postJSON(t, s, "/api/v1/rides", `{"customer_id":"c1","origin":{"lat":0,"lon":0}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing destination = %d", w.Code)
	}
}

func TestStatusUnknownRide(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/rides/unknown", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestOfferResponseValidation(t *testing.T) {
	s := newTestServer()
	w := postJSON(t, s, "/api/v1/rides/r1/response", `{"driver_id":"d1","response":"maybe"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	w = postJSON(t, s, "/api/v1/rides/r1/response", `{"driver_id":"d1","response":"accept"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown ride response = %d", w.Code)
	}
}

func TestHeartbeatEndpoint(t *testing.T) {
	s := newTestServer()
	w := postJSON(t, s, "/internal/driver/locations", `{"driver_id":"d1","lat":-23.55,"lon":-46.63,"available":true}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if w := postJSON(t, s, "/internal/driver/locations", `{"lat":1,"lon":1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("missing driver_id = %d", w.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	s := newTestServer()
	w := postJSON(t, s, "/api/v1/rides", `{"customer_id":"c1","origin":{"lat":0,"lon":0},"destination":{"lat":0.1,"lon":0.1}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d", w.Code)
	}
	var resp struct {
		RideID string `json:"ride_id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)

	cw := postJSON(t, s, "/api/v1/rides/"+resp.RideID+"/cancel", `{"reason":"changed plans"}`)
	if cw.Code != http.StatusNoContent && cw.Code != http.StatusConflict {
		t.Fatalf("cancel = %d, body = %s", cw.Code, cw.Body.String())
	}
}
