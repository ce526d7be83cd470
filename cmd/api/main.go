//	@title			TempShare API
//	@version		1.0
//	@description	Temporary file sharing: upload a file, share a 4-digit code, and the file expires on schedule.
//
//	@host		localhost:8080
//	@BasePath	/

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tempshare/service/internal/config"
	"github.com/tempshare/service/internal/db"
	"github.com/tempshare/service/internal/logger"
	"github.com/tempshare/service/internal/metrics"
	appMiddleware "github.com/tempshare/service/internal/middleware"
	"github.com/tempshare/service/internal/response"
	"github.com/tempshare/service/internal/scheduler"
	"github.com/tempshare/service/internal/share"
	"github.com/tempshare/service/internal/storage"

	_ "github.com/tempshare/service/docs/swagger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	zl, err := logger.New(cfg.IsProduction(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer zl.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("metadata store init failed", zap.String("backend", cfg.MetadataBackend), zap.Error(err))
	}
	defer closeStore()

	blobs, err := openStorage(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("object storage init failed", zap.String("backend", cfg.StorageBackend), zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		zl.Fatal("redis connection failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	sched := scheduler.NewRedisScheduler(rdb, scheduler.Options{
		ProjectID:    cfg.ProjectID,
		LocationID:   cfg.LocationID,
		PollInterval: cfg.SchedulerPollInterval,
		RetryDelay:   cfg.SchedulerRetryDelay,
	}, zl)

	notifier := metrics.NewNotifier(prometheus.DefaultRegisterer, 0)
	go notifier.Run(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-notifier.Errors():
				zl.Warn("upload metrics failed", zap.Error(err))
			}
		}
	}()

	// Wire dependencies: store → service → handler
	svc := share.NewService(store, blobs, sched, notifier, share.Options{
		MaxDuration:         cfg.MaxShareDuration,
		MaxAllocateAttempts: cfg.MaxAllocateAttempts,
	}, zl)
	shareHandler := share.NewHandler(svc, cfg.MaxUploadBytes, zl)

	go sched.Run(ctx, svc.Expire)

	sweeper := share.NewSweeper(svc, store, blobs, share.SweeperOptions{
		Interval:     cfg.SweepInterval,
		OrphanGrace:  cfg.OrphanGrace,
		OverdueGrace: cfg.OverdueGrace,
	}, zl)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(zl.Named("access")))
	r.Use(appMiddleware.Metrics)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		response.Text(w, http.StatusOK, "TempShare is running")
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		response.OK(w, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	// Swagger UI at http://localhost:8080/swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	shareHandler.Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zl.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.AppEnv),
			zap.String("metadata", cfg.MetadataBackend),
			zap.String("storage", cfg.StorageBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zl.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("forced shutdown", zap.Error(err))
		os.Exit(1)
	}

	zl.Info("server stopped")
}

// openStore connects the configured metadata backend and returns it with its closer.
func openStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (share.Store, func(), error) {
	switch cfg.MetadataBackend {
	case config.MetadataMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				zl.Warn("mongo disconnect failed", zap.Error(err))
			}
		}
		if err := client.Ping(ctx, nil); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		repo := share.NewMongoRepository(client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection))
		if err := repo.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		zl.Info("mongo connected", zap.String("database", cfg.MongoDatabase), zap.String("collection", cfg.MongoCollection))
		return repo, closeFn, nil

	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL, zl)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(cfg.DatabaseURL, zl); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return share.NewRepository(pool), pool.Close, nil
	}
}

// openStorage builds the configured blob backend.
func openStorage(ctx context.Context, cfg *config.Config, zl *zap.Logger) (storage.Storage, error) {
	if cfg.StorageBackend == config.StorageS3 {
		return storage.NewS3Storage(ctx, storage.S3Options{
			Region:     cfg.StorageRegion,
			Bucket:     cfg.StorageBucket,
			Endpoint:   cfg.StorageEndpointURL(),
			AccessKey:  cfg.StorageAccessKey,
			SecretKey:  cfg.StorageSecretKey,
			PublicBase: cfg.StoragePublicBase,
		}, zl)
	}
	return storage.NewMinioStorage(ctx, storage.MinioOptions{
		Endpoint:        cfg.StorageEndpoint,
		AccessKey:       cfg.StorageAccessKey,
		SecretKey:       cfg.StorageSecretKey,
		Bucket:          cfg.StorageBucket,
		PublicBase:      cfg.StoragePublicBase,
		UseSSL:          cfg.StorageUseSSL,
		ExpireAfterDays: cfg.StorageLifecycleDays,
	}, zl)
}
