package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/config"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/domain/scheduling"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/auth"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/db"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/functions"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/metrics"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/middleware"
	"github.com/LPredmore/fieldflow-client-connect-sub002/internal/platform/timezone"
)

const version = "0.1.0"

// app holds the process-wide dependencies shared by `serve` and `jobs`.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	registry *prometheus.Registry

	formatter *timezone.Formatter
	generator *scheduling.Generator
	service   *scheduling.Service
	worker    *scheduling.Worker
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level := zerolog.InfoLevel
	if cfg != nil {
		if l, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && l != zerolog.NoLevel {
			level = l
		}
	}
	return logger.Level(level)
}

// newRedis returns nil when REDIS_URL is unset; the format cache and the
// rate limiter then stay process-local.
func newRedis(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// redisPinger adapts the redis client to db.Pinger for the health check.
type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	logger.Info().Msg("connected to database")

	rdb, err := newRedis(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if rdb != nil {
		logger.Info().Msg("connected to redis")
	}

	a := &app{cfg: cfg, logger: logger, pool: pool, rdb: rdb}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

// open wires a. When that fails both connections are closed.
func (a *app) open() error {
	if err := a.wire(); err != nil {
		a.close()
		return err
	}
	return nil
}

// wire builds everything that sits on top of the connections.
func (a *app) wire() error {
	cfg, logger, pool, rdb := a.cfg, a.logger, a.pool, a.rdb

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sm := metrics.NewSchedulingMetrics(registry)

	norm, err := timezone.NewNormalizer(cfg.DefaultTimezone)
	if err != nil {
		return err
	}
	formatter, err := timezone.NewFormatter(pool, norm, cfg.FormatCacheSize, rdb, cfg.FormatCacheTTL, logger)
	if err != nil {
		return err
	}

	repos := scheduling.Repositories{
		Series:       scheduling.NewSeriesRepoPG(pool),
		Appointments: scheduling.NewAppointmentRepoPG(pool),
		Exceptions:   scheduling.NewExceptionRepoPG(pool),
		Jobs:         scheduling.NewJobRepoPG(pool),
	}

	generator := scheduling.NewGenerator(repos.Series, repos.Appointments, norm,
		scheduling.WithDefaults(cfg.MaterializeMonthsAhead, cfg.MaterializeMaxOccurrences),
		scheduling.WithGeneratorMetrics(sm),
	)

	var materializer scheduling.Materializer = generator
	if cfg.RemoteMaterializer() {
		client := functions.NewClient(cfg.MaterializerURL, cfg.MaterializerAPIKey,
			functions.WithTenantFunc(db.TenantFromContext))
		materializer = scheduling.NewRemoteMaterializer(client)
		logger.Info().Str("url", cfg.MaterializerURL).Msg("using remote materializer")
	}

	service := scheduling.NewService(repos, db.NewTxRunner(pool), norm, materializer, scheduling.Options{
		MonthsAhead:    cfg.MaterializeMonthsAhead,
		MaxOccurrences: cfg.MaterializeMaxOccurrences,
		Logger:         logger,
		Metrics:        sm,
	})

	worker := scheduling.NewWorker(repos.Jobs, repos.Series, materializer,
		func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
			return db.WithTenant(ctx, pool, tenantID, fn)
		},
		func(ctx context.Context) ([]string, error) {
			return db.ListTenants(ctx, pool)
		},
		scheduling.WorkerConfig{
			OutboxSchedule:  cfg.OutboxSchedule,
			HorizonSchedule: cfg.HorizonSchedule,
			MaxAttempts:     cfg.OutboxMaxAttempts,
			BatchSize:       cfg.OutboxBatchSize,
			MonthsAhead:     cfg.MaterializeMonthsAhead,
			MaxOccurrences:  cfg.MaterializeMaxOccurrences,
		},
		logger, sm,
	)

	a.registry = registry
	a.formatter = formatter
	a.generator = generator
	a.service = service
	a.worker = worker
	return nil
}

func (a *app) close() {
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// authMiddleware picks dev or JWT auth. In development a presented token is
// still verified when a key or issuer is configured.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthHMACKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthHMACKey)
	}

	if cfg.IsDev() {
		var verify echo.MiddlewareFunc
		if cfg.AuthIssuer != "" || cfg.AuthHMACKey != "" {
			verify = auth.JWTMiddleware(jwtCfg)
		}
		return auth.DevAuthMiddleware(cfg.DefaultTenant, verify)
	}
	return auth.JWTMiddleware(jwtCfg)
}

func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(a.logger)

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(authMiddleware(cfg))
	e.Use(middleware.Audit(a.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	checks := []db.HealthCheck{{Name: "postgres", Pinger: a.pool}}
	if a.rdb != nil {
		checks = append(checks, db.HealthCheck{Name: "redis", Pinger: redisPinger{a.rdb}})
	}
	e.GET("/health/db", db.HealthHandler(func() *db.PoolStats { return db.GetPoolStats(a.pool) }, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	if a.rdb != nil {
		rateLimitCfg.Redis = a.rdb
	}
	tenant := db.TenantMiddleware(a.pool, cfg.DefaultTenant)

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), tenant)
	fnGroup := e.Group("/functions/v1", middleware.RateLimit(rateLimitCfg), tenant)

	scheduling.NewHandler(a.service, a.generator, a.formatter).RegisterRoutes(apiV1, fnGroup)
	return e
}

func runServer() error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		startupLogger := newLogger(nil)
		startupLogger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()
	logger := a.logger

	e := a.router()

	if err := a.worker.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if a.cfg.TLSEnabled {
			err = e.StartTLS(addr, a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		stop()
		<-a.worker.Stop().Done()
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	select {
	case <-a.worker.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Warn().Msg("worker did not finish before shutdown deadline")
	}
	stop()
	logger.Info().Msg("server stopped")
	return nil
}
