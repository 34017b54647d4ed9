package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures all tunable parameters for the dispatch engine and its
// workers. Values are primarily loaded from environment variables with
// sane defaults so the binaries can run locally without excessive setup.
type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	LocationsTopic      string
	SettlementTopic     string
	SettlementGroup     string
	ConsumerGroup       string
	LocationMetricsAddr string

	PGDSN string

	DispatchRadiusMiles float64
	CandidateLimit      int
	OfferTimeout        time.Duration
	MaxSearchAttempts   int

	Currency            string
	PerMileRateCents    int64
	SurgeMax            float64
	TaxRate             float64
	DriverPayoutPercent float64

	SettlementMaxAttempts int
	SettlementBackoff     time.Duration
	PayoutSweepInterval   time.Duration
	PayoutSweepBatch      int
	PayoutSweepWorkers    int
	PendingSweepInterval  time.Duration
	PendingSweepAge       time.Duration

	AvgSpeedMph float64

	StripeAPIKey string
	PushEndpoint string

	LogLevel      string
	RunMigrations bool
}

func defaults() Config {
	return Config{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "drivers_geo",
		LocationsTopic:        "driver-locations",
		SettlementTopic:       "rescue-settlements",
		SettlementGroup:       "settler",
		ConsumerGroup:         "location-consumer",
		LocationMetricsAddr:   ":2112",
		DispatchRadiusMiles:   10,
		CandidateLimit:        20,
		OfferTimeout:          30 * time.Second,
		MaxSearchAttempts:     20,
		Currency:              "USD",
		PerMileRateCents:      200,
		SurgeMax:              3.0,
		TaxRate:               0.08,
		DriverPayoutPercent:   0.80,
		SettlementMaxAttempts: 3,
		SettlementBackoff:     2 * time.Second,
		PayoutSweepInterval:   7 * 24 * time.Hour,
		PayoutSweepBatch:      500,
		PayoutSweepWorkers:    4,
		PendingSweepInterval:  5 * time.Minute,
		PendingSweepAge:       10 * time.Minute,
		AvgSpeedMph:           18,
		LogLevel:              "info",
	}
}

func Load() (Config, error) {
	cfg := defaults()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.SettlementTopic, "KAFKA_SETTLEMENT_TOPIC")
	setStringFromEnv(&cfg.SettlementGroup, "KAFKA_SETTLEMENT_GROUP")
	setStringFromEnv(&cfg.ConsumerGroup, "KAFKA_CONSUMER_GROUP")
	setStringFromEnv(&cfg.LocationMetricsAddr, "METRICS_ADDR")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.DispatchRadiusMiles, "DISPATCH_RADIUS_MILES", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MaxSearchAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)

	setStringFromEnv(&cfg.Currency, "PRICING_CURRENCY")
	setInt64FromEnv(&cfg.PerMileRateCents, "PRICING_PER_MILE_CENTS", &errs)
	setFloatFromEnv(&cfg.SurgeMax, "PRICING_SURGE_MAX", &errs)
	setFloatFromEnv(&cfg.TaxRate, "PRICING_TAX_RATE", &errs)
	setFloatFromEnv(&cfg.DriverPayoutPercent, "PRICING_DRIVER_PAYOUT_PERCENT", &errs)

	setIntFromEnv(&cfg.SettlementMaxAttempts, "SETTLEMENT_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SettlementBackoff, "SETTLEMENT_BACKOFF", &errs)
	setDurationFromEnv(&cfg.PayoutSweepInterval, "PAYOUT_SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.PayoutSweepBatch, "PAYOUT_SWEEP_BATCH", &errs)
	setIntFromEnv(&cfg.PayoutSweepWorkers, "PAYOUT_SWEEP_WORKERS", &errs)
	setDurationFromEnv(&cfg.PendingSweepInterval, "PENDING_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.PendingSweepAge, "PENDING_SWEEP_AGE", &errs)

	setFloatFromEnv(&cfg.AvgSpeedMph, "BROADCAST_AVG_SPEED_MPH", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.PushEndpoint = os.Getenv("PUSH_ENDPOINT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.DispatchRadiusMiles <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_MILES must be > 0"))
	}
	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.MaxSearchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.DriverPayoutPercent <= 0 || cfg.DriverPayoutPercent > 1 {
		errs = append(errs, fmt.Errorf("PRICING_DRIVER_PAYOUT_PERCENT must be in (0,1]"))
	}
	if cfg.TaxRate < 0 || cfg.TaxRate >= 1 {
		errs = append(errs, fmt.Errorf("PRICING_TAX_RATE must be in [0,1)"))
	}

	return cfg, errors.Join(errs...)
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

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
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
