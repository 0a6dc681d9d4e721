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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/labnotify/internal/api"
	"github.com/lalithlochan/labnotify/internal/circuitbreaker"
	"github.com/lalithlochan/labnotify/internal/config"
	"github.com/lalithlochan/labnotify/internal/db"
	"github.com/lalithlochan/labnotify/internal/dispatch"
	"github.com/lalithlochan/labnotify/internal/mail"
	"github.com/lalithlochan/labnotify/internal/metrics"
	"github.com/lalithlochan/labnotify/internal/notify"
	"github.com/lalithlochan/labnotify/internal/observ"
	"github.com/lalithlochan/labnotify/internal/ratelimit"
	"github.com/lalithlochan/labnotify/internal/redis"
	"github.com/lalithlochan/labnotify/internal/render"
	"github.com/lalithlochan/labnotify/internal/sns"
	"github.com/lalithlochan/labnotify/internal/sqs"
)

// drainTimeout bounds how long shutdown waits for in-flight email jobs.
const drainTimeout = 10 * time.Second

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
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "labnotify-gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting labnotify gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis is optional: without it locks are per process and rate limits
	// use the in-memory windows.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using in-process locks and rate limits",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	mailCfg, err := mail.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load mail config: %w", err)
	}
	transport, err := mail.NewTransport(ctx, mailCfg, logger.Named("mail"))
	if err != nil {
		return fmt.Errorf("failed to create mail transport: %w", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(mailCfg.Provider), logger.Named("breaker"))
	protected := circuitbreaker.NewProtectedTransport(transport, breaker, logger)

	limiter := emailLimiter(cfg, redisClient, logger)

	var renderer *render.Renderer
	if cfg.TemplateDir != "" {
		renderer = render.NewFromDir(cfg.TemplateDir, logger.Named("render"))
	} else {
		renderer = render.New(nil, logger.Named("render"))
	}

	mailer := dispatch.NewMailer(protected, renderer, limiter, dispatch.MailerConfig{
		From:       mailCfg.From,
		MaxRetries: cfg.MailMaxRetries,
	}, logger.Named("mailer"))

	dispatcher := dispatch.New(mailer, dispatch.Config{
		Concurrency:       cfg.QueueConcurrency,
		Timeout:           cfg.QueueTimeout,
		GracePeriod:       cfg.QueueGracePeriod,
		RateLimitRequeues: cfg.QueueRateLimitRequeues,
	}, logger.Named("dispatcher"))
	dispatcher.Start()

	opts := []notify.Option{notify.WithDispatcher(dispatcher)}
	if redisClient != nil {
		opts = append(opts, notify.WithLocker(redis.NewActivityLock(redisClient, logger, 0)))
	}
	if cfg.NotificationsARN != "" {
		publisher, err := sns.NewPublisher(ctx, cfg.NotificationsARN, cfg.SNSRegion, cfg.AWSEndpoint, logger.Named("sns"))
		if err != nil {
			logger.Warn("sns publisher unavailable, notifications will not be announced", zap.Error(err))
		} else {
			opts = append(opts, notify.WithAnnouncer(publisher))
		}
	}
	engine := notify.NewEngine(repo, repo, logger.Named("engine"), opts...)

	logger.Info("notification pipeline ready",
		zap.String("mail_provider", mailCfg.Provider),
		zap.Int("queue_concurrency", cfg.QueueConcurrency),
		zap.String("rate_limit_backend", cfg.RateLimitBackend),
		zap.Bool("redis", redisClient != nil),
		zap.Bool("sqs_intake", cfg.ActivityQueueURL != ""),
		zap.Bool("sns_announce", cfg.NotificationsARN != ""),
	)

	health := func(ctx context.Context) error {
		if err := database.Health(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newRouter(cfg, repo, health, engine, dispatcher, breaker, redisClient, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.ActivityQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:            cfg.SQSRegion,
			QueueURL:          cfg.ActivityQueueURL,
			Endpoint:          cfg.AWSEndpoint,
			WaitSeconds:       int32(cfg.SQSPollWaitSeconds),
			VisibilitySeconds: int32(cfg.SQSVisibilitySecond),
		}
		client, err := sqs.NewClient(ctx, sqsCfg)
		if err != nil {
			return fmt.Errorf("failed to create sqs client: %w", err)
		}
		intake := sqs.NewIntake(sqs.NewConsumer(client, sqsCfg, logger), engine, repo, sqs.IntakeConfig{}, logger.Named("intake"))
		g.Go(func() error {
			intake.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	err = g.Wait()

	dispatcher.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := dispatcher.Drain(drainCtx); derr != nil {
		logger.Warn("email jobs still running at shutdown", zap.Any("stats", dispatcher.Stats()))
	}

	logger.Info("gateway stopped")
	return err
}

// emailLimiter picks the recipient window store.
func emailLimiter(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) ratelimit.Admitter {
	rlCfg := ratelimit.Config{Max: cfg.RateLimitMax, Window: cfg.RateLimitWindow}
	if cfg.RateLimitBackend == config.RateLimitBackendRedis {
		if redisClient != nil {
			return redis.NewRateLimiter(redisClient, logger.Named("ratelimit"), rlCfg)
		}
		logger.Warn("RATE_LIMIT_BACKEND=redis but redis is unavailable, using memory")
	}
	return ratelimit.New(rlCfg, logger.Named("ratelimit"))
}

func newRouter(cfg *config.Config, repo *db.Repository, health func(context.Context) error, engine *notify.Engine, dispatcher *dispatch.Dispatcher,
	breaker *circuitbreaker.CircuitBreaker, redisClient *redis.Client, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	var apiLimiter ratelimit.Admitter
	if redisClient != nil {
		apiLimiter = redis.NewRateLimiter(redisClient, logger.Named("api-ratelimit"), ratelimit.Config{
			Max:    cfg.APIRateLimit,
			Window: time.Minute,
		})
	} else {
		apiLimiter = api.NewLocalLimiter(cfg.APIRateLimit)
	}

	handler := api.NewHandler(logger.Named("api"), repo, engine).WithStats(dispatcher, breaker)
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))
		handler.Routes(r)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := health(r.Context()); err != nil {
			logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	return r
}
