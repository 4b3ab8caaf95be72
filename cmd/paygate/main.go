package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/paygate/internal/api"
	"github.com/noah-isme/paygate/internal/config"
	"github.com/noah-isme/paygate/internal/health"
	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/ratelimit"
	"github.com/noah-isme/paygate/internal/reconcile"
	"github.com/noah-isme/paygate/internal/resilience"
	"github.com/noah-isme/paygate/internal/security"
	"github.com/noah-isme/paygate/internal/tasks"
)

func main() {
	cfg := config.MustLoad()

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "paygate-api",
			Endpoint:      cfg.OTLPEndpoint,
			SamplingRatio: cfg.TracingSamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	breakers := &resilience.BreakerSet{
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenFor,
		Logger:       logger,
	}
	payments := payment.NewService(cfg.Providers(), payment.Options{
		Logger:     logger,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Timeout:    cfg.ProviderTimeout,
		Breaker:    breakers.For,
	})
	if len(payments.AvailableProviders()) == 0 {
		logger.Warn().Msg("no payment provider configured")
	}

	reconciler := reconcile.New(reconcile.RedisStore{Client: redisClient, TTL: cfg.RecordTTL}, logger)

	var sink tasks.Sink = tasks.Inline{Reconciler: reconciler}
	if cfg.QueueEnabled {
		redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse queue redis url")
		}
		queueClient := asynq.NewClient(redisOpt)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close queue client")
			}
		}()
		sink = tasks.Enqueuer{
			Client:   queueClient,
			Queue:    tasks.DefaultQueue,
			MaxRetry: cfg.QueueMaxRetry,
			Logger:   logger,
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Payments:   payments,
		Sink:       sink,
		Reconciler: reconciler,
		Replay:     redisClient,
		ReplayTTL:  cfg.WebhookReplayTTL,
		Logger:     logger,
	})
	routes := api.RouteOptions{WebhookMaxBody: cfg.WebhookMaxBodyBytes}
	if cfg.RateLimitCreate != "" {
		routes.CreateLimit = mustCreateLimit(cfg, redisClient, logger)
	}

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, nil, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.CORS(cfg.CORSAllowedOrigins))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	healthHandler := health.Handler{
		Checker:   health.RedisChecker{Client: redisClient},
		Providers: payments.AvailableProviders,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		handler.Mount(v, routes)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Strs("providers", payments.AvailableProviders()).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		logger.Info().Msg("shutdown requested")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}
	logger.Info().Msg("server stopped")
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func mustCreateLimit(cfg *config.Config, client *redis.Client, logger zerolog.Logger) func(http.Handler) http.Handler {
	store, err := ratelimit.NewRedisStore(client, "paygate:ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limit store")
	}
	limiter, err := ratelimit.New(store, cfg.RateLimitCreate)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	return ratelimit.Handler{
		Limiter: limiter,
		Key:     ratelimit.KeyByIPAndRoute("payments:create"),
		OnError: func(err error) {
			logger.Warn().Err(err).Msg("rate limiter unavailable")
		},
	}.Middleware
}
