package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// DispatchConfig captures all tunable parameters for the dispatch
// process. Values are loaded from the environment (with an optional
// .env file) with sane defaults so the binary can run locally without
// excessive setup. A coordinator snapshots the dispatch knobs at
// start; later changes never affect in-flight rides.
type DispatchConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Matching.
	SearchRadiusKm     float64
	ResponseTimeout    time.Duration
	StalenessThreshold time.Duration
	GeoPriority        bool
	RatingPriority     bool
	GeoWeight          float64
	RatingWeight       float64
	AllowNoDestination bool
	MaxOffersPerRide   int

	// Anti-fraud.
	FraudEnabled         bool
	MaxConcurrentRides   int
	SpeedCeilingKmh      float64
	PairRideLimit        int
	RejectionStreakLimit int
	RejectionCooldown    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	StripeAPIKey string
	Currency     string

	LogLevel string
}

func defaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		SearchRadiusKm:     15,
		ResponseTimeout:    60 * time.Second,
		StalenessThreshold: 2 * time.Minute,
		GeoPriority:        true,
		GeoWeight:          0.7,
		RatingWeight:       0.3,
		MaxOffersPerRide:   20,

		FraudEnabled:         true,
		MaxConcurrentRides:   2,
		SpeedCeilingKmh:      110,
		PairRideLimit:        5,
		RejectionStreakLimit: 8,
		RejectionCooldown:    10 * time.Minute,

		RedisGeoKey: "drivers_geo",
		KafkaTopic:  "driver-heartbeats",
		Currency:    "brl",
		LogLevel:    "info",
	}
}

func Load() (DispatchConfig, error) {
	_ = godotenv.Load(".env")

	cfg := defaultDispatchConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.SearchRadiusKm = cast.ToFloat64(getOrDefault("SEARCH_RADIUS_KM", cfg.SearchRadiusKm))
	setDurationFromEnv(&cfg.ResponseTimeout, "RESPONSE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.StalenessThreshold, "LOCATION_STALENESS_THRESHOLD", &errs)
	cfg.GeoPriority = cast.ToBool(getOrDefault("GEO_PRIORITY", cfg.GeoPriority))
	cfg.RatingPriority = cast.ToBool(getOrDefault("RATING_PRIORITY", cfg.RatingPriority))
	cfg.GeoWeight = cast.ToFloat64(getOrDefault("GEO_WEIGHT", cfg.GeoWeight))
	cfg.RatingWeight = cast.ToFloat64(getOrDefault("RATING_WEIGHT", cfg.RatingWeight))
	cfg.AllowNoDestination = cast.ToBool(getOrDefault("ALLOW_NO_DESTINATION", cfg.AllowNoDestination))
	cfg.MaxOffersPerRide = cast.ToInt(getOrDefault("MAX_OFFERS_PER_RIDE", cfg.MaxOffersPerRide))

	cfg.FraudEnabled = cast.ToBool(getOrDefault("FRAUD_ENABLED", cfg.FraudEnabled))
	cfg.MaxConcurrentRides = cast.ToInt(getOrDefault("FRAUD_MAX_CONCURRENT_RIDES", cfg.MaxConcurrentRides))
	cfg.SpeedCeilingKmh = cast.ToFloat64(getOrDefault("FRAUD_SPEED_CEILING_KMH", cfg.SpeedCeilingKmh))
	cfg.PairRideLimit = cast.ToInt(getOrDefault("FRAUD_PAIR_RIDE_LIMIT", cfg.PairRideLimit))
	cfg.RejectionStreakLimit = cast.ToInt(getOrDefault("FRAUD_REJECTION_STREAK_LIMIT", cfg.RejectionStreakLimit))
	setDurationFromEnv(&cfg.RejectionCooldown, "FRAUD_REJECTION_COOLDOWN", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.Currency, "FARE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.ResponseTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RESPONSE_TIMEOUT must be > 0"))
	}
	if cfg.MaxOffersPerRide <= 0 {
		errs = append(errs, fmt.Errorf("MAX_OFFERS_PER_RIDE must be > 0"))
	}
	if cfg.GeoWeight < 0 || cfg.RatingWeight < 0 {
		errs = append(errs, fmt.Errorf("ranking weights must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

func getOrDefault(key string, def interface{}) interface{} {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
