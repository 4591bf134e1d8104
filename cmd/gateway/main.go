package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/eventhub/internal/api"
	"github.com/lalithlochan/eventhub/internal/circuitbreaker"
	"github.com/lalithlochan/eventhub/internal/config"
	"github.com/lalithlochan/eventhub/internal/db"
	"github.com/lalithlochan/eventhub/internal/dispatch"
	"github.com/lalithlochan/eventhub/internal/events"
	"github.com/lalithlochan/eventhub/internal/i18n"
	"github.com/lalithlochan/eventhub/internal/metrics"
	"github.com/lalithlochan/eventhub/internal/observ"
	"github.com/lalithlochan/eventhub/internal/push"
	"github.com/lalithlochan/eventhub/internal/redis"
	"github.com/lalithlochan/eventhub/internal/sqs"
	"github.com/lalithlochan/eventhub/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger("eventhub-gateway", cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting eventhub gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		ApplicationName: "eventhub-gateway",
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)

	repo := db.NewRepository(database, logger)

	// Initialize Redis for idempotency and rate limiting
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var dispatchLimit, inboxLimit *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		dispatchLimit = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Name:   redis.BudgetDispatch,
			Limit:  cfg.RateLimitDispatch,
			Window: cfg.RateLimitWindow,
		})
		inboxLimit = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Name:   redis.BudgetInbox,
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	// Push gateway behind a circuit breaker
	var gateway push.Gateway
	if cfg.PushGatewayURL == "log" {
		gateway = push.NewLogGateway(logger)
		logger.Warn("using log push gateway, no devices will be notified")
	} else {
		client, err := push.NewClient(push.Config{
			URL:         cfg.PushGatewayURL,
			AccessToken: cfg.PushGatewayToken,
			Timeout:     cfg.PushGatewayTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create push client: %w", err)
		}
		gateway = client
	}

	breakerCfg := circuitbreaker.DefaultConfig("push_gateway")
	breakerCfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetCircuitState(name, int(to))
	}
	protected := circuitbreaker.NewProtectedGateway(gateway, circuitbreaker.New(breakerCfg, logger), logger)

	catalog, err := i18n.NewDefault(cfg.DefaultLocale, logger)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	dispatcher := dispatch.New(repo, protected, logger,
		dispatch.WithCatalog(catalog),
		dispatch.WithPublisher(publisher),
		dispatch.WithFailureRecorder(repo),
		dispatch.WithDefaultLocale(cfg.DefaultLocale),
	)

	// Background loops run until workerCancel; stopWorkers also waits for them
	// so in-flight retries finish their bookkeeping before the pool closes.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	stopWorkers := func() {
		workerCancel()
		workers.Wait()
	}
	defer stopWorkers()

	goWorker := func(fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(workerCtx)
		}()
	}

	retryWorker := worker.New(repo, dispatcher, worker.Config{
		PollInterval: cfg.RetryPollInterval,
		BatchSize:    cfg.RetryBatchSize,
		MaxRetries:   cfg.RetryMaxAttempts,
	}, logger)
	goWorker(retryWorker.Start)

	logger.Info("retry worker started")

	// Async intake over SQS
	handler := api.NewHandler(logger, repo, dispatcher).WithRateLimits(dispatchLimit, inboxLimit)
	if idempotencyService != nil {
		handler.WithIdempotency(idempotencyService)
	}

	if cfg.SQSQueueURL != "" {
		sqsClient, err := sqs.NewClient(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		})
		if err != nil {
			logger.Warn("sqs unavailable, async dispatch disabled", zap.Error(err))
		} else {
			handler.WithProducer(sqs.NewProducer(sqsClient, cfg.SQSQueueURL, logger))

			consumer := worker.NewQueueConsumer(sqs.NewConsumer(sqsClient, cfg.SQSQueueURL, logger), dispatcher, logger)
			if idempotencyService != nil {
				consumer.WithDeduplication(idempotencyService)
			}
			goWorker(consumer.Start)

			logger.Info("sqs consumer started", zap.String("queue_url", cfg.SQSQueueURL))
		}
	}

	goWorker(func(ctx context.Context) { reportPoolStats(ctx, database, redisClient) })

	auth := api.NewAuthenticator(cfg.JWTSecret, logger)
	if auth == nil {
		logger.Warn("JWT_SECRET not set, authentication disabled")
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Request logging
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		handler.Register(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"database": "ok", "push_gateway": protected.Breaker().GetState().String()}
		code := http.StatusOK

		if err := database.Health(r.Context()); err != nil {
			status["database"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
		if redisClient != nil {
			status["redis"] = "ok"
			if err := redisClient.Ping(r.Context()); err != nil {
				status["redis"] = "unavailable"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop pulling new work before draining requests
		stopWorkers()
		logger.Info("background workers stopped")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newPublisher wires the configured event buses. Publish errors are logged
// and never fail a dispatch.
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	var buses events.Multi

	if cfg.EventsSNSTopicARN != "" {
		p, err := events.NewSNSPublisher(ctx, events.SNSConfig{
			TopicARN: cfg.EventsSNSTopicARN,
			Region:   cfg.EventsSNSRegion,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create sns publisher: %w", err)
		}
		buses = append(buses, p)
	}

	if cfg.EventsAMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.EventsAMQPURL, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, amqp events disabled", zap.Error(err))
		} else {
			buses = append(buses, p)
		}
	}

	if len(buses) == 0 {
		logger.Info("no event bus configured, domain events disabled")
		return events.Nop{}, nil
	}

	return events.NewLogging(buses, logger), nil
}

func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
			if redisClient != nil {
				metrics.SetRedisConnections(redisClient.ActiveConns())
			}
		}
	}
}
