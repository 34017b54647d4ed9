// The consumer drains the driver-locations topic into the shared geo
// index so dispatch sees positions pushed through Kafka as well as
// positions posted straight to the API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/config"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/logging"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supportcarr_consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supportcarr_consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supportcarr_consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "supportcarr_consumer_geo_errors_total",
		Help: "Total geo index update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, geoUpdates, geoErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", "", "address to serve prometheus metrics on (overrides env)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New("consumer", cfg.LogLevel)
	if metricsAddr == "" {
		metricsAddr = cfg.LocationMetricsAddr
	}
	if cfg.RedisAddr == "" {
		logger.Error("REDIS_ADDR is required; the consumer feeds the shared geo index")
		os.Exit(1)
	}

	geoIdx := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	defer geoIdx.Close()
	ping := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer ping.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := ping.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.LocationsTopic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consuming", "topic", cfg.LocationsTopic, "brokers", brokers, "group", cfg.ConsumerGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		var upd models.LocationUpdate
		if err := json.Unmarshal(m.Value, &upd); err != nil || upd.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}
		if upd.Timestamp.IsZero() {
			upd.Timestamp = time.Now()
		}

		if err := upsertWithRetry(ctx, geoIdx, upd, 3, 200*time.Millisecond); err != nil {
			geoErrors.Inc()
			logger.Error("geo update failed", "driver_id", upd.DriverID, "error", err)
			continue
		}
		geoUpdates.Inc()
	}
}

// upsertWithRetry absorbs transient Redis failures without dropping the
// position. The Upsert itself preserves any active claim on the driver
// and discards positions older than the one already stored.
func upsertWithRetry(ctx context.Context, idx geo.Index, upd models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = idx.Upsert(ctx, models.DriverAvailability{
			DriverID:  upd.DriverID,
			Loc:       upd.Loc,
			Online:    true,
			Available: true,
			Updated:   upd.Timestamp,
		})
		if err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
