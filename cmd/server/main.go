package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/broadcast"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/config"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/dispatch"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/geo"
	httpapi "github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/http"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/ingest"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/logging"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/payments"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/pricing"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/rescue"
	"github.com/PetrefiedThunder/SupportCarr-V2-sub001/internal/settlement"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New("server", cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	var geoIdx geo.Index
	if cfg.RedisAddr != "" {
		geoIdx = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		geoIdx = geo.NewMemIndex()
	}

	var rescueStore rescue.Store
	var settleStore settlement.Store
	if cfg.PGDSN != "" {
		ps, err := rescue.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		ss, err := settlement.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		rescueStore, settleStore = ps, ss
	} else {
		rescueStore, settleStore = rescue.NewMemStore(), settlement.NewMemStore()
		logger.Warn("no PG_DSN set; using in-memory stores")
	}

	machine := rescue.NewMachine(rescueStore, geoIdx, logger)

	wsReg := dispatch.NewWSRegistry()
	notifier := dispatch.NewPushNotifier(wsReg, cfg.PushEndpoint)
	coordinator := dispatch.NewCoordinator(geoIdx, machine, notifier, dispatch.Config{
		RadiusMiles:    cfg.DispatchRadiusMiles,
		CandidateLimit: cfg.CandidateLimit,
		OfferTimeout:   cfg.OfferTimeout,
		MaxAttempts:    cfg.MaxSearchAttempts,
	}, logger)

	if cfg.StripeAPIKey == "" {
		logger.Warn("STRIPE_API_KEY not set; gateway calls will fail")
	}
	gateway := payments.NewStripeGateway(cfg.StripeAPIKey)
	pipeline := settlement.NewPipeline(settleStore, gateway, logger, cfg.SettlementMaxAttempts, cfg.SettlementBackoff)

	var locProducer *ingest.LocationProducer
	var setProducer *ingest.SettlementProducer
	var sink broadcast.LocationSink
	if len(cfg.KafkaBrokers) > 0 {
		locProducer = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.LocationsTopic)
		setProducer = ingest.NewSettlementProducer(cfg.KafkaBrokers, cfg.SettlementTopic)
		sink = locProducer
		defer locProducer.Close()
		defer setProducer.Close()
	}
	broadcaster := broadcast.New(geoIdx, rescueStore, sink, cfg.AvgSpeedMph, logger)

	calcCfg := pricing.DefaultConfig()
	calcCfg.Currency = cfg.Currency
	calcCfg.PerMileRate = cfg.PerMileRateCents
	calcCfg.SurgeMax = cfg.SurgeMax
	calcCfg.DriverPayoutPercent = cfg.DriverPayoutPercent
	calc := pricing.NewCalculator(calcCfg)

	srv := httpapi.NewServer(cfg, logger)
	srv.Machine = machine
	srv.Coordinator = coordinator
	srv.Broadcast = broadcaster
	srv.Pipeline = pipeline
	srv.Calc = calc
	srv.Geo = geoIdx
	srv.Settlements = setProducer
	srv.WSReg = wsReg
	srv.Init()

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
		log.Printf("migration applied: %s", filepath.Base(f))
	}
	return nil
}
