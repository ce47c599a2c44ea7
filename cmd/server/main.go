// @title           Account Guard API
// @version         1.0.0
// @description     Per-user action rate limiting and account suspension for multi-tenant SaaS.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "Session token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health endpoint. Prometheus metrics are served on a dedicated port (default: 9090) at GET /metrics, outside the Gin router.

// Package main is the entry point for the account guard server binary.
// It dispatches three subcommands (serve, migrate, version) via a simple switch
// on os.Args. The serve command runs migrations on startup.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accountguard/accountguard/internal/api"
	"github.com/accountguard/accountguard/internal/api/admin"
	"github.com/accountguard/accountguard/internal/audit"
	"github.com/accountguard/accountguard/internal/config"
	"github.com/accountguard/accountguard/internal/db"
	"github.com/accountguard/accountguard/internal/db/repositories"
	"github.com/accountguard/accountguard/internal/identity"
	"github.com/accountguard/accountguard/internal/jobs"
	"github.com/accountguard/accountguard/internal/middleware"
	"github.com/accountguard/accountguard/internal/notify"
	"github.com/accountguard/accountguard/internal/ratelimit"
	"github.com/accountguard/accountguard/internal/safego"
	"github.com/accountguard/accountguard/internal/stats"
	"github.com/accountguard/accountguard/internal/suspension"
	"github.com/accountguard/accountguard/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const (
	version = "0.1.0"

	// Unauthenticated login routes, per client IP
	loginThrottlePerMinute = 20
	loginThrottleBurst     = 10
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("Account Guard v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func isDevMode() bool {
	v := os.Getenv("DEV_MODE")
	return v == "true" || v == "1"
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	secret, err := identity.LoadSecret(isDevMode())
	if err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	tokens, err := identity.NewJWTProvider(secret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections,
		cfg.Database.MinIdleConnections, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	telemetry.StartDBStatsCollector(bgCtx, database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(bgCtx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Redis-backed components fail open per call; startup continues.
			slog.Warn("redis not reachable at startup", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	sqlxDB := sqlx.NewDb(database, "postgres")
	userRepo := repositories.NewUserRepository(database)
	suspensionRepo := repositories.NewSuspensionRepository(database)
	auditRepo := repositories.NewAuditRepository(database)
	notificationRepo := repositories.NewNotificationRepository(database)

	// Administrator alerts
	var notifier notify.Notifier = nopNotifier{}
	if cfg.Notifications.Enabled {
		notifier = newDispatcher(cfg, userRepo, notificationRepo, rdb)
	}

	// Audit trail
	var recorder *audit.Recorder
	if cfg.Audit.Enabled {
		shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			return fmt.Errorf("failed to configure audit shippers: %w", err)
		}
		defer shipper.Close()
		recorder = audit.NewRecorder(auditRepo, shipper, userRepo)
	}

	// Rate limiter
	windowStore, err := newWindowStore(cfg, sqlxDB, rdb)
	if err != nil {
		return err
	}
	alertSinks := ratelimit.MultiAlertSink{notify.NewRateLimitAlerts(notifier, userRepo)}
	if recorder != nil {
		alertSinks = append(alertSinks, recorder)
	}
	limiterOpts := ratelimit.Options{
		StoreTimeout: cfg.RateLimiting.StoreTimeout,
		Alerts:       alertSinks,
		AsyncAlerts:  cfg.RateLimiting.AsyncAlerts,
		AlertTimeout: cfg.RateLimiting.AlertTimeout,
	}
	if cfg.RateLimiting.AlertDedupe == config.DedupeShared {
		if marker, ok := windowStore.(ratelimit.AlertMarker); ok {
			limiterOpts.Deduper = ratelimit.NewStoreDeduper(marker)
		}
	}
	limiter := ratelimit.New(windowStore, limiterOpts)
	slog.Info("rate limiter ready", "store", cfg.RateLimiting.Store, "alert_dedupe", cfg.RateLimiting.AlertDedupe)

	// Suspensions and live session enforcement
	manager := suspension.NewManager(suspensionRepo, userRepo, suspension.Options{
		StoreTimeout: cfg.Suspension.StoreTimeout,
		Events:       []suspension.EventSink{notify.NewSuspensionAlerts(notifier)},
		AsyncEvents:  cfg.Suspension.AsyncEvents,
	})
	if recorder != nil {
		manager.AddEventSink(recorder)
	}
	sessions := suspension.NewSessionRegistry(manager, suspension.SessionRegistryOptions{
		Interval:     cfg.Suspension.SessionCheckInterval,
		CheckTimeout: cfg.Suspension.SessionCheckTimeout,
		RevokedTTL:   cfg.Auth.TokenTTL,
	})
	defer sessions.Shutdown()
	manager.AddEventSink(sessions)

	var activity stats.ActivitySource
	if cfg.Audit.Enabled {
		activity = auditRepo
	}

	var oidcProvider admin.LoginProvider
	if cfg.Auth.OIDC.Enabled {
		discoverCtx, cancel := context.WithTimeout(bgCtx, 15*time.Second)
		p, err := identity.NewOIDCProvider(discoverCtx, cfg.Auth.OIDC)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to initialise OIDC: %w", err)
		}
		oidcProvider = p
		slog.Info("OIDC login enabled", "issuer", cfg.Auth.OIDC.IssuerURL)
	}

	loginThrottle := middleware.NewClientThrottle(loginThrottlePerMinute, loginThrottleBurst)
	defer loginThrottle.Stop()

	deps := api.Dependencies{
		Config:        cfg,
		DB:            database,
		Tokens:        tokens,
		OIDC:          oidcProvider,
		Users:         userRepo,
		Limiter:       limiter,
		Suspensions:   manager,
		Sessions:      sessions,
		Stats:         stats.NewAggregator(suspensionRepo, activity, cfg.Suspension.StoreTimeout),
		Notifications: notificationRepo,
		LoginThrottle: loginThrottle,
	}
	if recorder != nil {
		deps.Audit = recorder
	}
	router := api.NewRouter(deps)

	cleaner := jobs.NewWindowCleaner(limiter, cfg.RateLimiting.CleanupInterval)
	safego.Go("window-cleanup", func() { cleaner.Start(bgCtx) })
	defer cleaner.Stop()

	if cfg.Telemetry.Metrics.Enabled {
		startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.Server.GetAddress(), "base_url", cfg.Server.BaseURL,
			"tls", cfg.Security.TLS.Enabled)
		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	slog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newWindowStore selects the rate-limit window backend
func newWindowStore(cfg *config.Config, sqlxDB *sqlx.DB, rdb *redis.Client) (ratelimit.Store, error) {
	switch cfg.RateLimiting.Store {
	case config.StoreMemory:
		slog.Warn("rate-limit windows are in process memory; counts are per instance and lost on restart")
		return ratelimit.NewMemoryStore(), nil
	case config.StorePostgres:
		return ratelimit.NewPostgresStore(repositories.NewRateLimitRepository(sqlxDB)), nil
	case config.StoreRedis:
		if rdb == nil {
			return nil, fmt.Errorf("rate_limiting.store=redis requires redis.addr")
		}
		return ratelimit.NewRedisStore(rdb, cfg.Redis.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown rate_limiting.store: %q", cfg.RateLimiting.Store)
	}
}

// newDispatcher builds the admin alert fan-out. Email is enabled by an SMTP host,
// the per-admin email cap by Redis.
func newDispatcher(cfg *config.Config, users *repositories.UserRepository, inbox *repositories.NotificationRepository, rdb *redis.Client) *notify.Dispatcher {
	opts := notify.DispatcherOptions{
		Timeout:   cfg.Notifications.DispatchTimeout,
		PublicURL: cfg.Server.GetPublicURL(),
	}
	if cfg.Notifications.InApp {
		opts.Inbox = inbox
	}
	if cfg.Notifications.SMTP.Host != "" {
		opts.Mailer = notify.NewSMTPMailer(cfg.Notifications.SMTP)
		if rdb != nil && cfg.Notifications.EmailsPerAdminPerHour > 0 {
			opts.Throttle = notify.NewRedisThrottle(rdb, cfg.Redis.KeyPrefix+":mail", cfg.Notifications.EmailsPerAdminPerHour)
		}
	} else {
		slog.Info("alert email disabled (notifications.smtp.host not set)")
	}
	return notify.NewDispatcher(users, opts)
}

type nopNotifier struct{}

func (nopNotifier) NotifyAdmins(context.Context, string, notify.Payload) error { return nil }

// startMetricsServer serves /metrics on a dedicated port so it is not reachable
// through the public API ingress path.
func startMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	safego.Go("metrics-server", func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("starting Prometheus metrics server", "addr", addr)
		srv := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	})
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections,
		cfg.Database.MinIdleConnections, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return migrate(database, direction)
}

func migrate(database *sql.DB, direction string) error {
	log.Printf("Running migrations: %s", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", v, dirty)
	return nil
}
