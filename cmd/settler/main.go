// The settler drains the rescue-settlements topic and runs the payment
// pipeline for each completed rescue. Delivery is at least once; the
// pipeline's compare-and-set status guards make duplicates harmless.
// Background tickers sweep settled records that still owe the driver a
// payout and pending records whose task never arrived.
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/config"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/ingest"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/logging"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/payments"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/pricing"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/rescue"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/settlement"
)

const taskWorkers = 4

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New("settler", cfg.LogLevel)

	if cfg.PGDSN == "" {
		logger.Error("PG_DSN is required; the settler shares the server's stores")
		os.Exit(1)
	}
	if cfg.StripeAPIKey == "" {
		logger.Warn("STRIPE_API_KEY not set; gateway calls will fail")
	}

	rescueStore, err := rescue.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer rescueStore.Close()
	settleStore, err := settlement.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	defer settleStore.Close()

	gateway := payments.NewStripeGateway(cfg.StripeAPIKey)
	pipeline := settlement.NewPipeline(settleStore, gateway, logger, cfg.SettlementMaxAttempts, cfg.SettlementBackoff)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		if err := http.ListenAndServe(cfg.LocationMetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runPayoutSweep(ctx, cfg, pipeline, logger)
	}()
	go func() {
		defer wg.Done()
		runPendingSweep(ctx, cfg, pipeline, logger)
	}()

	brokers := cfg.KafkaBrokers
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.SettlementTopic,
		GroupID:  cfg.SettlementGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("settler consuming", "topic", cfg.SettlementTopic, "brokers", brokers, "group", cfg.SettlementGroup)

	sem := make(chan struct{}, taskWorkers)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
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

		var task ingest.SettlementTask
		if err := json.Unmarshal(m.Value, &task); err != nil || task.RescueID == "" {
			logger.Warn("invalid settlement task", "error", err)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(task ingest.SettlementTask) {
			defer wg.Done()
			defer func() { <-sem }()
			settle(ctx, rescueStore, pipeline, task, logger)
		}(task)
	}

	logger.Info("shutting down")
	wg.Wait()
}

func settle(ctx context.Context, store rescue.Store, pipeline *settlement.Pipeline, task ingest.SettlementTask, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := store.Get(ctx, task.RescueID)
	if err != nil {
		logger.Error("rescue load failed", "rescue_id", task.RescueID, "error", err)
		return
	}
	// the record was prepared at completion time; the breakdown argument
	// is only used when it is missing
	rec, err := pipeline.Settle(ctx, r, pricing.Breakdown{})
	if err != nil {
		logger.Error("settlement failed", "rescue_id", task.RescueID, "error", err)
		return
	}
	logger.Info("settlement processed", "rescue_id", task.RescueID, "record_id", rec.ID, "status", rec.Status)
}

func runPayoutSweep(ctx context.Context, cfg config.Config, pipeline *settlement.Pipeline, logger *slog.Logger) {
	t := time.NewTicker(cfg.PayoutSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := pipeline.RunPayoutSweep(ctx, cfg.PayoutSweepBatch, cfg.PayoutSweepWorkers); err != nil {
				logger.Error("payout sweep failed", "error", err)
				continue
			}
			logger.Info("payout sweep complete")
		}
	}
}

// runPendingSweep catches records whose settlement task never made it
// onto the queue, so a completed rescue is never silently unsettled.
func runPendingSweep(ctx context.Context, cfg config.Config, pipeline *settlement.Pipeline, logger *slog.Logger) {
	t := time.NewTicker(cfg.PendingSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := pipeline.RunPendingSweep(ctx, cfg.PendingSweepAge, cfg.PayoutSweepBatch, cfg.PayoutSweepWorkers); err != nil {
				logger.Error("pending sweep failed", "error", err)
			}
		}
	}
}
