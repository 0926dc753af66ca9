package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/practice/practice/internal/config"
	"github.com/practice/practice/internal/domain/scheduling"
	"github.com/practice/practice/internal/platform/audit"
	"github.com/practice/practice/internal/platform/auth"
	"github.com/practice/practice/internal/platform/db"
	"github.com/practice/practice/internal/platform/events"
	"github.com/practice/practice/internal/platform/middleware"
	"github.com/practice/practice/internal/platform/notification"
)

const version = "0.1.0"

// storeDeps is the opened reservation store plus what /health/db needs.
type storeDeps struct {
	store   scheduling.Store
	pinger  db.Pinger
	stats   func() *db.PoolStats
	closers []func()
}

func (d *storeDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeDeps, error) {
	switch cfg.Store {
	case config.StoreMemory:
		ms := scheduling.NewMemoryStore()
		if cfg.SeedFile != "" {
			f, err := os.Open(cfg.SeedFile)
			if err != nil {
				return nil, fmt.Errorf("open seed file: %w", err)
			}
			defer f.Close()
			if err := ms.LoadSeed(f); err != nil {
				return nil, err
			}
		}
		logger.Warn().Msg("using in-memory store; data is lost on exit")
		return &storeDeps{store: ms, pinger: ms}, nil

	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &storeDeps{
			store:   scheduling.NewPGStore(pool),
			pinger:  pool,
			stats:   func() *db.PoolStats { return db.GetPoolStats(pool) },
			closers: []func(){pool.Close},
		}, nil
	}
}

func newScheduler(cfg *config.Config, store scheduling.Store, pub events.Publisher, logger zerolog.Logger) (*scheduling.Scheduler, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return scheduling.NewScheduler(store, pub, scheduling.Config{
		Location:        loc,
		SlotGranularity: time.Duration(cfg.SlotGranularityMinutes) * time.Minute,
		MinNotice:       cfg.MinBookingNotice,
		BookingTimeout:  cfg.BookingTimeout,
		Directory: scheduling.DirectoryConfig{
			CacheSize:              cfg.DirectoryCacheSize,
			CacheTTL:               cfg.DirectoryCacheTTL,
			DefaultDurationMinutes: cfg.DefaultDurationMinutes,
		},
	}, logger), nil
}

// openPublisher returns the configured event transport. With the memory
// backend the consumers run in this process behind the bus.
func openPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (events.Publisher, func(), error) {
	switch cfg.EventBackend {
	case config.EventsRedis:
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return events.NewRedisPublisher(client, cfg.RedisStream), func() { client.Close() }, nil

	case config.EventsRabbitMQ:
		p, err := events.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil

	case config.EventsAsynq:
		p, err := events.NewAsynqPublisher(cfg.RedisURL, cfg.AsynqQueue)
		if err != nil {
			return nil, nil, err
		}
		return p, func() { p.Close() }, nil

	default:
		bus := events.NewBus(logger, 256)
		dedupe := events.NewMemoryDeduper(10000, 24*time.Hour)
		c := newConsumers(cfg, nil, logger)
		bus.Subscribe("notification", events.Idempotent(dedupe, "notification", c.notify),
			notification.EventCreated, notification.EventStatusChanged)
		bus.Subscribe("audit", events.Idempotent(dedupe, "audit", c.audit))
		return bus, bus.Close, nil
	}
}

// consumers are the downstream collaborators of reservation events.
type consumers struct {
	notify events.Handler
	audit  events.Handler
}

func newConsumers(cfg *config.Config, reminders notification.ReminderScheduler, logger zerolog.Logger) consumers {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	n := notification.NewConsumer(
		notification.NewTemplateEngine(),
		notification.NewLogSender(logger),
		reminders,
		notification.ConsumerConfig{Location: loc, ReminderLead: cfg.ReminderLead},
		logger,
	)
	return consumers{notify: n.Handle, audit: audit.NewLogger(logger).Handle}
}

func newEcho(cfg *config.Config, svc *scheduling.Scheduler, deps *storeDeps, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(deps.pinger, deps.stats))

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
		rl.BurstSize = cfg.RateLimitBurst
	}
	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(rl),
		middleware.RequestTimeout(cfg.RequestTimeout, nil),
		middleware.Audit(logger),
	)
	scheduling.NewHandler(svc).RegisterRoutes(apiV1)
	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	deps, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	pub, closePub, err := openPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePub()

	svc, err := newScheduler(cfg, deps.store, pub, logger)
	if err != nil {
		return err
	}
	e := newEcho(cfg, svc, deps, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("event_backend", cfg.EventBackend).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
