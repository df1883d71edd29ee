package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/openride/taxi-dispatch/internal/fraud"
	"github.com/openride/taxi-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	var destLat, destLon sql.NullFloat64
	if r.Destination != nil {
		destLat = sql.NullFloat64{Float64: r.Destination.Lat, Valid: true}
		destLon = sql.NullFloat64{Float64: r.Destination.Lon, Valid: true}
	}
	_, err := p.db.Exec(`INSERT INTO rides(id, customer_id, customer_phone, origin_lat, origin_lon, origin_address, dest_lat, dest_lon, status, driver_id, cancel_reason, requested_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.CustomerID, r.CustomerPhone, r.Origin.Lat, r.Origin.Lon, r.OriginAddress,
		destLat, destLon, string(r.Status), nullString(r.DriverID), nullString(r.CancelReason),
		r.RequestedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	_, err := p.db.Exec(`UPDATE rides SET status=$1, driver_id=$2, cancel_reason=$3, final_fare=$4, updated_at=$5 WHERE id=$6`,
		string(r.Status), nullString(r.DriverID), nullString(r.CancelReason), r.FinalFare, time.Now(), r.ID)
	return err
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, bool) {
	var (
		r                models.Ride
		status           string
		driverID, reason sql.NullString
		destLat, destLon sql.NullFloat64
	)
	err := p.db.QueryRow(`SELECT id, customer_id, customer_phone, origin_lat, origin_lon, origin_address, dest_lat, dest_lon, status, driver_id, cancel_reason, final_fare, requested_at, updated_at FROM rides WHERE id=$1`, id).
		Scan(&r.ID, &r.CustomerID, &r.CustomerPhone, &r.Origin.Lat, &r.Origin.Lon, &r.OriginAddress,
			&destLat, &destLon, &status, &driverID, &reason, &r.FinalFare, &r.RequestedAt, &r.UpdatedAt)
	if err != nil {
		return nil, false
	}
	r.Status = models.RideStatus(status)
	r.DriverID = driverID.String
	r.CancelReason = reason.String
	if destLat.Valid && destLon.Valid {
		r.Destination = &models.Coord{Lat: destLat.Float64, Lon: destLon.Float64}
	}
	return &r, true
}

func (p *PostgresStore) ActiveRideCount(customerID string) int {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM rides WHERE customer_id=$1 AND status IN ('aguardando','enviada')`, customerID).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

func (p *PostgresStore) RecordPairing(customerPhone, driverPhone string) {
	_, _ = p.db.Exec(`INSERT INTO ride_pairings(customer_phone, driver_phone, paired_at) VALUES($1,$2,$3)`,
		customerPhone, driverPhone, time.Now())
}

func (p *PostgresStore) PairRideCount(customerPhone, driverPhone string) int {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM ride_pairings WHERE customer_phone=$1 AND driver_phone=$2`,
		customerPhone, driverPhone).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

func (p *PostgresStore) SaveVerdict(v fraud.Verdict) error {
	_, err := p.db.Exec(`INSERT INTO fraud_verdicts(subject, kind, decision, reason, evaluated_at) VALUES($1,$2,$3,$4,$5)`,
		v.Subject, string(v.Kind), string(v.Decision), v.Reason, v.EvaluatedAt)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
