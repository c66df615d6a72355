package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"wager_service/internal/api"
	"wager_service/internal/collab"
	"wager_service/internal/config"
	"wager_service/internal/database"
	"wager_service/internal/evidence"
	"wager_service/internal/ledger"
	"wager_service/internal/match"
	"wager_service/internal/metrics"
	"wager_service/internal/notify"
	"wager_service/internal/payout"
	"wager_service/internal/scheduler"
	"wager_service/pkg/logger"
)

func main() {
	once := flag.Bool("once", false, "run every settlement check once and exit (for external cron)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using environment")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal("Failed to run migrations", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var processor collab.PaymentProcessor = collab.SandboxProcessor{}
	if cfg.ProcessorURL != "" {
		processor = collab.NewHTTPProcessor(cfg.ProcessorURL, cfg.ProcessorToken)
	} else {
		logger.Warn("PROCESSOR_URL not set, using sandbox payment processor")
	}
	ledgerService := ledger.NewService(db, ledger.NewRepository(db), processor, collab.AllowAll{}, m)

	hub := notify.NewHub()
	publisher, closeBroker := buildPublisher(ctx, cfg, hub)
	defer closeBroker()

	store, err := buildEvidenceStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to set up evidence storage", err)
	}

	settings := match.Settings{
		FeeSinkUserID:       cfg.FeeSinkUserID,
		StartTimeout:        cfg.StartTimeout,
		VotingWindow:        cfg.VotingWindow,
		DisputeWindow:       cfg.DisputeWindow,
		MaxActivityDuration: cfg.MaxActivityDuration,
		ReminderWindow:      cfg.ReminderWindow,
		MaxStake:            cfg.MaxStake,
	}
	var subscriptions match.Subscriptions = collab.StaticSubscriptions{}
	if cfg.SubscriptionURL != "" {
		subscriptions = collab.NewHTTPSubscriptions(cfg.SubscriptionURL, cfg.SubscriptionToken)
	} else {
		logger.Warn("SUBSCRIPTION_URL not set, every user is on the free tier")
	}
	matchRepo := match.NewRepository(db)
	engine := match.NewEngine(db, matchRepo, ledgerService, payout.NewCalculator(cfg.FeeRate),
		notify.NewDispatcher(publisher, m), settings,
		match.WithMetrics(m),
		match.WithEvidenceStore(store),
		match.WithSubscriptions(subscriptions),
	)

	sched := scheduler.New(engine, matchRepo, settings, cfg.SchedulerInterval, m)
	if *once {
		stats := sched.RunOnce(ctx, time.Now())
		for job, s := range stats {
			logger.Info("Settlement check finished", "job", job, "due", s.Due, "applied", s.Applied,
				"conflicts", s.Conflicts, "failed", s.Failed)
		}
		return
	}
	if err := sched.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", err)
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.NewHandler(engine, ledgerService, hub), api.RouterOptions{
		Gatherer:    reg,
		ReviewToken: cfg.ReviewToken,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server started", "port", cfg.HTTPPort, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error("Scheduler shutdown failed", "error", err)
	}
	logger.Info("Server stopped")
}

// buildPublisher fans events to the in-process hub and, when NATS is
// configured, to JetStream; otherwise to the log.
func buildPublisher(ctx context.Context, cfg *config.Config, hub *notify.Hub) (notify.Publisher, func()) {
	pubs := notify.Multi{hub}
	if cfg.NATSURL == "" {
		return append(pubs, notify.LogPublisher{}), func() {}
	}

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("wager-service"), nats.MaxReconnects(-1))
	if err != nil {
		logger.Fatal("Failed to connect to NATS", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		logger.Fatal("Failed to create JetStream context", err)
	}
	if err := notify.EnsureStream(ctx, js); err != nil {
		logger.Fatal("Failed to ensure event stream", err)
	}

	var signer *notify.Signer
	if cfg.EventSigningKey != "" {
		signer, err = notify.NewSigner([]byte(cfg.EventSigningKey))
		if err != nil {
			logger.Fatal("Failed to create event signer", err)
		}
	}
	return append(pubs, notify.NewJetStreamPublisher(js, signer)), func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("NATS drain failed", "error", err)
		}
	}
}

func buildEvidenceStore(ctx context.Context, cfg *config.Config) (match.EvidenceStore, error) {
	if cfg.EvidenceBucket == "" {
		logger.Warn("EVIDENCE_BUCKET not set, storing dispute evidence on disk", "dir", cfg.EvidenceDir)
		return evidence.NewDiskStore(cfg.EvidenceDir)
	}
	return evidence.NewS3Store(ctx, evidence.S3Options{
		Bucket:    cfg.EvidenceBucket,
		Endpoint:  cfg.EvidenceEndpoint,
		Region:    cfg.EvidenceRegion,
		AccessKey: cfg.EvidenceAccessKey,
		SecretKey: cfg.EvidenceSecretKey,
	})
}
