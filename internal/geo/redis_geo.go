package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openride/taxi-dispatch/internal/models"
)

// RedisIndex implements Index on Redis GEO commands so several
// dispatch processes can share one fleet picture. Positions go to a
// GEOADD set, availability and freshness to a per-driver meta hash.
type RedisIndex struct {
	client    *redis.Client
	key       string
	staleness time.Duration
	ctx       context.Context
}

func NewRedisIndex(addr, password, key string, staleness time.Duration) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, staleness: staleness, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(hb models.Heartbeat) {
	at := hb.At
	if at.IsZero() {
		at = time.Now()
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: hb.Lon, Latitude: hb.Lat, Name: hb.DriverID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(hb.DriverID), map[string]interface{}{
		"available": strconv.FormatBool(hb.Available),
		"updated":   at.Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Candidates(origin models.Coord, radiusKm float64) []Candidate {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-r.staleness)
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if m["available"] != "true" {
			continue
		}
		updated, err := time.Parse(time.RFC3339, m["updated"])
		if err != nil || updated.Before(cutoff) {
			continue
		}
		out = append(out, Candidate{DriverID: g.Name, DistanceKm: g.Dist})
	}
	return out
}

func metaKey(id string) string { return "driver:meta:" + id }
