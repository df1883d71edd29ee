package storage

import (
	"testing"
	"time"

	"github.com/openride/taxi-dispatch/internal/fraud"
	"github.com/openride/taxi-dispatch/internal/models"
)

func TestMemoryStoreArchivesTerminalRides(t *testing.T) {
	s := NewMemoryStore()
	r := &models.Ride{ID: "r1", CustomerID: "c1", Status: models.StatusAguardando, RequestedAt: time.Now()}
	if err := s.SaveRide(r); err != nil {
		t.Fatalf("save: %v", err)
	}

	r.Status = models.StatusCancelada
	r.CancelReason = "no driver available"
	if err := s.UpdateRide(r); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, ok := s.GetRide("r1")
	if !ok {
		t.Fatal("terminal ride not retained")
	}
	if got.Status != models.StatusCancelada || got.CancelReason != "no driver available" {
		t.Fatalf("archived ride = %+v", got)
	}

	// the returned ride is a copy, not a live reference
	got.Status = models.StatusAguardando
	again, _ := s.GetRide("r1")
	if again.Status != models.StatusCancelada {
		t.Fatal("store leaked a mutable reference")
	}
}

func TestActiveRideCount(t *testing.T) {
	s := NewMemoryStore()
	save := func(id string, status models.RideStatus) {
		_ = s.SaveRide(&models.Ride{ID: id, CustomerID: "c1", Status: status})
	}
	save("r1", models.StatusAguardando)
	save("r2", models.StatusEnviada)
	save("r3", models.StatusAceita)
	save("r4", models.StatusCancelada)
	_ = s.SaveRide(&models.Ride{ID: "r5", CustomerID: "other", Status: models.StatusAguardando})

	if n := s.ActiveRideCount("c1"); n != 2 {
		t.Fatalf("active = %d, want 2 (aguardando + enviada)", n)
	}
}

func TestPairingCounter(t *testing.T) {
	s := NewMemoryStore()
	if n := s.PairRideCount("+551191", "+551192"); n != 0 {
		t.Fatalf("initial pair count = %d", n)
	}
	s.RecordPairing("+551191", "+551192")
	s.RecordPairing("+551191", "+551192")
	s.RecordPairing("+551191", "+551193")
	if n := s.PairRideCount("+551191", "+551192"); n != 2 {
		t.Fatalf("pair count = %d, want 2", n)
	}
}

func TestVerdictAuditTrail(t *testing.T) {
	s := NewMemoryStore()
	v := fraud.Verdict{Subject: "d1", Kind: fraud.AcceptanceAboutToConfirm, Decision: fraud.Block, Reason: fraud.ReasonVelocity, EvaluatedAt: time.Now()}
	if err := s.SaveVerdict(v); err != nil {
		t.Fatalf("save verdict: %v", err)
	}
	got := s.Verdicts()
	if len(got) != 1 || got[0].Reason != fraud.ReasonVelocity {
		t.Fatalf("verdicts = %+v", got)
	}
}
