package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoicepreview/internal/api"
	"invoicepreview/internal/auth"
	"invoicepreview/internal/blob"
	"invoicepreview/internal/cache"
	"invoicepreview/internal/config"
	"invoicepreview/internal/prefetch"
	"invoicepreview/internal/redis"
	"invoicepreview/internal/storage"
	"invoicepreview/internal/viewer"
)

func main() {
	cfg, err := config.Load(os.Getenv("INVOICEPREVIEW_CONFIG"))
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}

	logger := newLogger(cfg.BasicConfig.Debug)
	defer logger.Sync()

	dbType := cfg.BasicConfig.Database
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()

	// Create necessary tables: viewers, viewer_tokens, cached_files
	if err := storage.Migrate(db, dbType); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.Redis.Host != "" || cfg.Cache.Driver == config.CacheRedis {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			logger.Fatal("create redis client", zap.Error(err))
		}
		defer rdb.Close()
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	fileCache, err := newCache(bgCtx, cfg, db, rdb, logger)
	if err != nil {
		logger.Fatal("init cache", zap.Error(err))
	}

	refTTL := time.Duration(cfg.Preview.ReferenceTTLMinutes) * time.Minute
	registry := blob.NewRegistry(api.RefsPrefix, refTTL, logger.Named("refs"))
	registry.StartSweeper(bgCtx, refTTL/4)

	fetcher := blob.NewHTTPFetcher(
		cfg.Upstream.BaseURL,
		cfg.Upstream.ResourcePath,
		time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second,
		cfg.Preview.MaxFileBytes,
	)
	fetcher.AllowPublicHosts(cfg.Upstream.PublicHosts...)
	loader := blob.NewLoader(fetcher, registry, blob.WithCache(fileCache), blob.WithLogger(logger.Named("loader")))

	cipher, err := viewer.NewTokenCipherFromEnv()
	if err != nil {
		logger.Fatal("init token cipher", zap.Error(err))
	}
	viewers := viewer.NewService(db, loader, cipher, logger.Named("viewer"))

	prefetchLog := logger.Named("prefetch")
	dispatcher := prefetch.NewDispatcher(loader, prefetch.Options{
		MinWorkers:  cfg.Prefetch.MinWorkers,
		MaxWorkers:  cfg.Prefetch.MaxWorkers,
		QueueSize:   cfg.Prefetch.QueueSize,
		IdleTimeout: time.Duration(cfg.Prefetch.WorkerIdleMinutes) * time.Minute,
		OnDone: func(out prefetch.Outcome) {
			if out.Err != nil {
				prefetchLog.Debug("prefetch failed",
					zap.Int64("viewer_id", out.Job.ViewerID),
					zap.String("source_id", out.Job.Request.SourceID),
					zap.Error(out.Err))
			}
		},
	}, prefetchLog)

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour)
	handlers := api.NewHandler(viewers, authService, loader, dispatcher, logger.Named("api"))

	if !cfg.BasicConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: router,
	}
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	dispatcher.Stop()
	viewers.Shutdown()
	bgCancel()
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func newCache(ctx context.Context, cfg *config.Config, db *sql.DB, rdb *redis.Client, logger *zap.Logger) (blob.Cache, error) {
	ttl := time.Duration(cfg.Cache.TTLMinutes) * time.Minute
	switch cfg.Cache.Driver {
	case config.CacheRedis:
		// local copies stay small; redis holds the shared set
		local := blob.NewMemoryCache(cfg.Cache.MaxBytes/8, ttl)
		rc := cache.NewRedisCache(rdb, ttl, local, uuid.NewString(), logger.Named("cache"))
		if err := rc.StartListener(ctx); err != nil {
			return nil, err
		}
		return rc, nil
	case config.CacheDisk:
		if err := os.MkdirAll(cfg.Cache.SpoolDir, 0o755); err != nil {
			return nil, err
		}
		dc := cache.NewDiskCache(db, cfg.Cache.SpoolDir, ttl, logger.Named("cache"))
		dc.StartCleaner(ctx, time.Duration(cfg.Cache.CleanIntervalMinutes)*time.Minute)
		return dc, nil
	default:
		return blob.NewMemoryCache(cfg.Cache.MaxBytes, ttl), nil
	}
}
