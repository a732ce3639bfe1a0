package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/responsegrid/coord/internal/config"
	"github.com/responsegrid/coord/internal/domain/assignment"
	"github.com/responsegrid/coord/internal/domain/avsession"
	"github.com/responsegrid/coord/internal/domain/consent"
	"github.com/responsegrid/coord/internal/domain/eventlog"
	"github.com/responsegrid/coord/internal/domain/incident"
	"github.com/responsegrid/coord/internal/domain/projection"
	"github.com/responsegrid/coord/internal/domain/timeline"
	"github.com/responsegrid/coord/internal/platform/auth"
	"github.com/responsegrid/coord/internal/platform/db"
	"github.com/responsegrid/coord/internal/platform/logging"
	"github.com/responsegrid/coord/internal/platform/metrics"
	"github.com/responsegrid/coord/internal/platform/middleware"
	"github.com/responsegrid/coord/internal/platform/relay"
	"github.com/responsegrid/coord/internal/platform/websocket"
)

const version = "0.1.0"

// pingFunc adapts a plain check function to db.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// stores holds the persistence chosen at startup: Postgres, or process
// memory for local development.
type stores struct {
	events  eventlog.Store
	repo    incident.Repository
	records consent.RecordStore
	tx      eventlog.TxFunc
	pool    *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.UsesMemoryStore() {
		logger.Warn().Msg("DATABASE_URL not set; events are kept in memory and lost on restart")
		events := eventlog.NewMemoryStore()
		return &stores{
			events:  events,
			repo:    incident.NewMemoryRepo(),
			records: consent.NewMemoryRecords(),
			tx:      events.WithTx,
		}, nil
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")
	return &stores{
		events:  eventlog.NewPGStore(pool),
		repo:    incident.NewPGRepo(pool),
		records: consent.NewPGRecords(pool),
		tx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.WithTx(ctx, pool, fn)
		},
		pool: pool,
	}, nil
}

func openCache(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (projection.Cache, *redis.Client, error) {
	if cfg.RedisURL == "" {
		return projection.NewMemoryCache(), nil, nil
	}
	client, err := projection.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Dur("ttl", cfg.ProjectionTTL).Msg("projection snapshots cached in redis")
	return projection.NewRedisCache(client, cfg.ProjectionTTL), client, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.Default(cfg.Env, cfg.LogFile)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	cache, redisClient, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validator, err := eventlog.NewValidator()
	if err != nil {
		return fmt.Errorf("compile event schemas: %w", err)
	}

	hub := websocket.NewHub(logger)
	m := metrics.New(func() float64 { return float64(hub.ClientCount()) })

	// Event log and the domain rules that hang off it
	eventLog := eventlog.NewService(st.events, validator, logger)
	eventLog.SetMetrics(m)
	eventLog.SetReadLimit(cfg.ReadPageLimit)
	if st.tx != nil {
		eventLog.SetTx(st.tx)
	}
	eventLog.AddNotifier(eventlog.NewHubNotifier(hub, logger))
	eventLog.Use(assignment.Policy())

	gate := consent.NewGate(eventLog, st.records, cache, cfg.OverrideRoles, logger)
	gate.SetMetrics(m)
	gate.SetProxyRoles(cfg.ConsentProxyRoles)
	gate.Register()

	assignments := assignment.NewService(eventLog, cache, logger)
	incidents := incident.NewService(st.repo, eventLog, assignments, cache, logger)
	if st.tx != nil {
		incidents.SetTx(st.tx)
	}
	sessions := avsession.NewService(eventLog, cache, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{
			"Authorization", "Content-Type", "Idempotency-Key", middleware.RequestIDHeader,
			middleware.OverrideHeader, auth.HeaderActorID, auth.HeaderActorRole, auth.HeaderActorName,
		},
	}))

	var authMW echo.MiddlewareFunc
	var verify relay.Verifier
	if cfg.ResolvedAuthMode() == config.AuthDevelopment {
		logger.Warn().Msg("development auth: identities are taken from X-Actor-* headers")
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(jwtConfig(cfg))
		verify = relay.JWTVerifier(jwtConfig(cfg))
	}

	// Unauthenticated operational endpoints
	var relayUp atomic.Bool
	deps := map[string]db.Pinger{}
	if st.pool != nil {
		deps["database"] = st.pool
	}
	if redisClient != nil {
		deps["redis"] = pingFunc(func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	}
	if cfg.AMQPURL != "" {
		deps["relay"] = pingFunc(func(context.Context) error {
			if !relayUp.Load() {
				return errors.New("relay consumer not connected")
			}
			return nil
		})
	}
	e.GET("/health", db.HealthHandler(st.pool, deps))
	e.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(ctx, rateLimitCfg))
	eventlog.NewHandler(eventLog).RegisterRoutes(apiV1)
	incident.NewHandler(incidents).RegisterRoutes(apiV1)
	assignment.NewHandler(assignments).RegisterRoutes(apiV1)
	avsession.NewHandler(sessions).RegisterRoutes(apiV1)
	consent.NewHandler(gate).RegisterRoutes(apiV1, middleware.Override(ctx, logger, cfg.OverrideMaxPerHour))
	timeline.NewHandler(eventLog).RegisterRoutes(apiV1)

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e.Group("", authMW))

	g, gctx := errgroup.WithContext(ctx)

	addr := ":" + cfg.Port
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.AMQPURL != "" {
		consumer := relay.NewConsumer(eventLog, verify, logger)
		consumer.SetMetrics(m)
		g.Go(func() error {
			runRelay(gctx, cfg.AMQPURL, cfg.RelayQueue, consumer, &relayUp, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// runRelay keeps a consumer attached to the broker, redialling after a
// lost connection until ctx ends.
func runRelay(ctx context.Context, url, queue string, consumer *relay.Consumer, up *atomic.Bool, logger zerolog.Logger) {
	const redial = 5 * time.Second
	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			up.Store(true)
			err = consumer.Run(ctx, conn, queue)
			up.Store(false)
			conn.Close()
		}
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Dur("retry_in", redial).Msg("relay disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(redial):
		}
	}
}
