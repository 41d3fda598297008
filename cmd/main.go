package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"bizfolio/internal/api"
	"bizfolio/internal/auth"
	"bizfolio/internal/config"
	"bizfolio/internal/consumer"
	"bizfolio/internal/logging"
	"bizfolio/internal/manager"
	"bizfolio/internal/messaging"
	"bizfolio/internal/metrics"
	"bizfolio/internal/password"
	"bizfolio/internal/ratelimit"
	"bizfolio/internal/session"
	"bizfolio/internal/storage"
	"bizfolio/internal/telemetry"
	"bizfolio/internal/worker"
)

// @title Bizfolio API
// @version 1.0
// @description Businesses, portfolios and comments behind cookie sessions.
// @description Unsafe requests must carry the X-CSRF-Token returned by login.
// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey SessionCookie
// @in cookie
// @name bizfolio_session
func main() {
	// Init Metrics
	metrics.Init()

	// Load Configuration
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("failed to set up logging")
	}
	log.Info().Str("config", path).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true")

	// Init storage
	var store storage.Store
	switch cfg.Database.Driver {
	case "memory":
		store = storage.NewMemory()
		log.Warn().Msg("using in-memory storage; data is lost on exit")
	default:
		db, err := storage.NewStorage(cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init DB")
		}
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate DB")
		}
		store = db
		log.Info().Msg("PostgreSQL connected")
	}
	defer store.Close()

	// Audit events go through RabbitMQ when configured, otherwise straight
	// to the audit table.
	var (
		events     messaging.Publisher = messaging.StorePublisher{Log: store}
		auditQueue *consumer.Consumer
		background []*worker.Periodic
	)
	if cfg.RabbitMQ.URL != "" {
		rabbitClient, err := messaging.NewRabbitClient(cfg.RabbitMQ.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		defer rabbitClient.Close()
		if err := rabbitClient.DeclareQueue(messaging.AuditQueue, messaging.AuditDLQ); err != nil {
			log.Fatal().Err(err).Msg("failed to declare audit queue")
		}
		auditQueue, err = consumer.StartConsumer(rabbitClient.GetConnection(), messaging.AuditQueue, cfg.RabbitMQ.Prefetch, consumer.AuditHandler(store, 5*time.Second))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start audit consumer")
		}
		events = rabbitClient
		background = append(background, worker.NewQueueMonitor(rabbitClient, messaging.AuditQueue, 10*time.Second))
		log.Info().Msg("RabbitMQ connected")
	}

	// Login and member-lookup throttles
	var (
		limiter ratelimit.Limiter = ratelimit.Nop{}
		lookups ratelimit.Limiter = ratelimit.Nop{}
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		limiter = ratelimit.NewRedis(rdb, ratelimit.Config{
			MaxAttempts: cfg.LoginLimit.MaxAttempts,
			Window:      cfg.LoginLimit.Window,
		})
		lookups = ratelimit.NewRedis(rdb, ratelimit.Config{
			MaxAttempts: cfg.LoginLimit.MaxAttempts,
			Window:      cfg.LoginLimit.Window,
			Prefix:      "bizfolio:member-lookup:",
		})
		log.Info().Msg("Redis connected")
	} else {
		log.Warn().Msg("no redis configured; login attempts and member lookups are not throttled")
	}

	hasher, err := password.NewHasher(password.Params{
		MemoryKiB:   cfg.Password.MemoryKiB,
		Iterations:  cfg.Password.Iterations,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  password.DefaultParams.SaltLength,
		KeyLength:   password.DefaultParams.KeyLength,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid password parameters")
	}

	sessions := session.NewManager(store, store, session.Config{
		Lifetime:      cfg.Session.Lifetime,
		RefreshWindow: cfg.Session.RefreshWindow,
	})
	authSvc := auth.NewService(store, sessions, hasher, limiter, events)
	tm := manager.NewTenantManager(store, events, lookups)

	background = append(background, worker.NewSessionSweeper(sessions, cfg.Session.SweepInterval))
	for _, w := range background {
		w.Start()
	}

	// Init API
	cookies := auth.Cookies{Name: cfg.Server.CookieName, Secure: *cfg.Server.CookieSecure, Domain: cfg.Server.CookieDomain}
	apiHandler := api.NewAPI(authSvc, sessions, tm, store, cookies, cfg.Server.PublicOrigins)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           otelhttp.NewHandler(apiHandler.Router(), "bizfolio"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done() // Wait for interrupt signal
	log.Info().Msg("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}

	for _, w := range background {
		w.Stop()
	}
	if auditQueue != nil {
		auditQueue.Stop()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown error")
	}

	log.Info().Msg("graceful shutdown complete")
}
