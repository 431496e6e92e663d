package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/studynest/batchline/internal/adapter/cache"
	"github.com/studynest/batchline/internal/adapter/provider"
	"github.com/studynest/batchline/internal/bootstrap"
	"github.com/studynest/batchline/internal/config"
	httptransport "github.com/studynest/batchline/internal/http"
	"github.com/studynest/batchline/internal/http/handler"
	httpmiddleware "github.com/studynest/batchline/internal/http/middleware"
	apimiddleware "github.com/studynest/batchline/internal/middleware"
	"github.com/studynest/batchline/internal/notify"
	"github.com/studynest/batchline/internal/reconciler"
	"github.com/studynest/batchline/internal/repository"
	"github.com/studynest/batchline/internal/server"
	"github.com/studynest/batchline/internal/service"
	"github.com/studynest/batchline/internal/session"
	"github.com/studynest/batchline/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newUserRepository,
			newBatchRepository,
			newRedisClient,
			newRedisCoordinator,
			newSweepLock,
			newOTPThrottle,
			newProviderClient,
			newSessionManager,
			newNotifier,
			newReconciler,
			newAuthService,
			newContentService,
			handler.NewAuthHandler,
			handler.NewBatchHandler,
			newReconcileHandler,
			newSessionMiddleware,
			newRateLimiter,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, runMigrations, bootstrap.EnsureAdmin, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func runMigrations(lc fx.Lifecycle, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return repository.Migrate(ctx, cfg.DatabaseURL)
		},
	})
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newBatchRepository(pool *pgxpool.Pool) repository.BatchRepository {
	return repository.NewPostgresBatchRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newRedisCoordinator(client redis.UniversalClient) *cache.RedisCoordinator {
	return cache.NewRedisCoordinator(client)
}

func newSweepLock(coordinator *cache.RedisCoordinator) cache.SweepLock {
	return coordinator
}

func newOTPThrottle(coordinator *cache.RedisCoordinator) cache.OTPThrottle {
	return coordinator
}

func newProviderClient(cfg config.Config) provider.Client {
	return provider.NewHTTPClient(cfg.ProviderBaseURL, cfg.ProviderClientID, &http.Client{
		Timeout: cfg.ProviderTimeout,
	})
}

func newSessionManager(users repository.UserRepository, cfg config.Config, logger *zap.Logger) *session.Manager {
	return session.NewManager(users, cfg.SessionSecret, cfg.AccessTokenTTL, cfg.RefreshTokenBytes, logger)
}

func newNotifier(cfg config.Config, logger *zap.Logger) reconciler.Notifier {
	if cfg.NotifyWebhookURL != "" {
		return notify.NewWebhookNotifier(cfg.NotifyWebhookURL, nil, logger)
	}
	return notify.NewLogNotifier(logger)
}

func newReconciler(batches repository.BatchRepository, users repository.UserRepository, client provider.Client, lock cache.SweepLock, notifier reconciler.Notifier, cfg config.Config, logger *zap.Logger) *reconciler.Reconciler {
	return reconciler.New(batches, users, client, lock, notifier, reconciler.Options{
		Workers:      cfg.SweepWorkers,
		Timeout:      cfg.SweepTimeout,
		FailureLimit: cfg.RefreshFailureLimit,
	}, logger)
}

func newAuthService(users repository.UserRepository, batches repository.BatchRepository, client provider.Client, sessions *session.Manager, throttle cache.OTPThrottle, cfg config.Config, node *snowflake.Node, logger *zap.Logger) *service.AuthService {
	return service.NewAuthService(users, batches, client, sessions, throttle, cfg.OTPRequestInterval, node, logger)
}

func newContentService(batches repository.BatchRepository, client provider.Client, logger *zap.Logger) *service.ContentService {
	return service.NewContentService(batches, client, logger)
}

func newReconcileHandler(rec *reconciler.Reconciler, cfg config.Config) *handler.ReconcileHandler {
	return handler.NewReconcileHandler(rec, cfg.ReconcileKey)
}

func newSessionMiddleware(manager *session.Manager, cfg config.Config) *httpmiddleware.Session {
	return &httpmiddleware.Session{Manager: manager, Cfg: cfg}
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

func useTelemetry(*telemetry.Provider) {}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
