package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/billing"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/apperr"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/redisx"
	"github.com/clinic/clinic/internal/platform/websocket"
	"github.com/clinic/clinic/pkg/validate"
)

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// newEcho builds the server with global middleware but no routes.
func newEcho(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Metrics(m))
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-User-ID", "X-User-Role"},
	}))
	return e
}

// authMiddleware picks header identity in development and JWT elsewhere.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		return auth.DevAuthMiddleware()
	}
	return auth.JWTMiddleware(jwtConfig(cfg))
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	return rl
}

// slotLocker uses Redis when available so booking is serialized across
// instances; otherwise the lock only covers this process.
func slotLocker(rdb *redis.Client, ttl time.Duration) redisx.Locker {
	if rdb == nil {
		return redisx.NewLocalLocker()
	}
	return redisx.NewRedisLocker(rdb, ttl)
}

// app holds the wired components of a running server.
type app struct {
	echo     *echo.Echo
	registry *websocket.Registry
	relay    *websocket.ClusterDeliverer
}

type deps struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

func buildApp(cfg *config.Config, d deps, m *metrics.Metrics, logger zerolog.Logger) *app {
	e := newEcho(cfg, m, logger)
	a := &app{echo: e}

	// Live delivery
	a.registry = websocket.NewRegistry(m, logger)
	var live notification.Deliverer = a.registry
	if d.rdb != nil {
		a.relay = websocket.NewClusterDeliverer(a.registry, d.rdb, m, logger)
		live = a.relay
	}

	tx := db.NewTxManager(d.pool)

	// Notifications
	store := notification.NewStore(notification.NewRepoPG(d.pool))
	dispatcher := notification.NewDispatcher(store, notification.NewUserDirectoryPG(d.pool), tx, live, m, logger)

	// Scheduling
	policy := scheduling.Policy{
		BusinessStart:  cfg.BusinessHoursStart,
		BusinessEnd:    cfg.BusinessHoursEnd,
		UrgentKeywords: cfg.UrgentKeywords,
		Location:       time.Local,
	}
	schedSvc := scheduling.NewService(
		scheduling.NewAppointmentRepoPG(d.pool),
		scheduling.NewUserLookupPG(d.pool),
		tx,
		slotLocker(d.rdb, cfg.SlotLockTTL),
		scheduling.NewNotifier(policy, dispatcher, logger),
		m, logger,
	)

	// Ledger
	catalog := billing.NewCachedCatalog(billing.NewCatalogRepoPG(d.pool), cfg.CatalogCacheTTL)
	ledger := billing.NewService(
		billing.NewInvoiceRepoPG(d.pool),
		billing.NewLineRepoPG(d.pool),
		catalog,
		billing.NewAppointmentReaderPG(d.pool),
		tx,
		billing.NewNotifier(dispatcher, logger),
		m, logger,
	)

	// Routes
	apiV1 := e.Group("/api/v1", authMiddleware(cfg), middleware.RateLimit(rateLimitConfig(cfg)))
	scheduling.NewHandler(schedSvc).RegisterRoutes(apiV1)
	billing.NewHandler(ledger).RegisterRoutes(apiV1)
	notification.NewHandler(store, dispatcher).RegisterRoutes(apiV1)
	websocket.NewHandler(a.registry, cfg.WSSendBuffer, logger).RegisterRoutes(apiV1)

	var checks []db.Check
	if d.rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Ping: redisx.Ping(d.rdb)})
	}
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"version":      version,
			"liveSessions": a.registry.Count(),
		})
	})
	e.GET("/health/db", db.HealthHandler(d.pool, checks...))
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return a
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = redisx.NewClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
	} else {
		logger.Warn().Msg("REDIS_URL not set; slot locks and live delivery are local to this instance")
	}

	m := metrics.New("clinic")
	a := buildApp(cfg, deps{pool: pool, rdb: rdb}, m, logger)

	if a.relay != nil {
		go func() {
			if err := a.relay.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("delivery relay stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-shutdownSignal():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
