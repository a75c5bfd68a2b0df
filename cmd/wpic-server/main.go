// Package main is the entry point for the wpic server, a deduplicating
// image hosting backend with pluggable storage.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ThinkerWen/wpic/internal/auth"
	"github.com/ThinkerWen/wpic/internal/cache"
	memcache "github.com/ThinkerWen/wpic/internal/cache/memory"
	rediscache "github.com/ThinkerWen/wpic/internal/cache/redis"
	"github.com/ThinkerWen/wpic/internal/config"
	"github.com/ThinkerWen/wpic/internal/derivative"
	"github.com/ThinkerWen/wpic/internal/handler"
	"github.com/ThinkerWen/wpic/internal/lock"
	"github.com/ThinkerWen/wpic/internal/pkg/crypto"
	"github.com/ThinkerWen/wpic/internal/quota"
	"github.com/ThinkerWen/wpic/internal/repository"
	"github.com/ThinkerWen/wpic/internal/repository/postgres"
	"github.com/ThinkerWen/wpic/internal/repository/sqlite"
	"github.com/ThinkerWen/wpic/internal/service"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting wpic server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	// Database
	repos, health, closeDB, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	// Cache and locks. Without Redis both are in-process, which only
	// coordinates a single instance.
	var (
		baseCache repository.Cache
		locker    lock.Locker
	)
	if cfg.Redis.Enabled {
		rc, err := rediscache.NewCache(ctx, rediscache.Config{
			Addr:        cfg.Redis.Addr(),
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		}, logger)
		if err != nil {
			return err
		}
		baseCache = rc
		locker = lock.NewRedisLocker(rc.Client())
	} else {
		mc := memcache.NewCache()
		defer mc.Stop()
		baseCache = mc
		ml := lock.NewMemoryLocker()
		defer ml.Stop()
		locker = ml
	}

	fileCache := cache.NewFileCache(baseCache, cache.Options{
		BlobTTL:       cfg.Cache.BlobTTL,
		DerivativeTTL: cfg.Cache.DerivativeTTL,
		MetaTTL:       cfg.Cache.MetaTTL,
		MaxBlobBytes:  cfg.Cache.MaxBlobBytes,
	}, logger)

	// Storage backends
	factory := storage.NewFactory(storage.Defaults{
		LocalBasePath: cfg.Storage.DataDir,
		WebDAV: storage.WebDAVDefaults{
			URL:      cfg.Storage.WebDAV.URL,
			Username: cfg.Storage.WebDAV.Username,
			Password: cfg.Storage.WebDAV.Password,
		},
		S3: storage.S3Defaults{
			Endpoint:  cfg.Storage.S3.Endpoint,
			Region:    cfg.Storage.S3.Region,
			Bucket:    cfg.Storage.S3.Bucket,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			UseSSL:    cfg.Storage.S3.UseSSL,
		},
	}, storage.RetryConfig{
		MaxAttempts:    cfg.Storage.Retry.MaxAttempts,
		InitialBackoff: cfg.Storage.Retry.InitialBackoff,
	}, logger)
	backendRouter := storage.NewRouter(factory)

	// Credential encryption
	var encryptor *crypto.Encryptor
	if cfg.Auth.EncryptionKey != "" {
		encryptor, err = crypto.NewEncryptorFromHex(cfg.Auth.EncryptionKey)
		if err != nil {
			return err
		}
	} else {
		logger.Warn().Msg("auth.encryption_key not set, backend credentials stored in plaintext")
	}

	// Services
	ledger := quota.NewLedger(repos.Owner, logger)
	builder := derivative.NewBuilder(backendRouter, fileCache, locker, logger)
	ownerService := service.NewOwnerService(repos.Owner, baseCache, encryptor, backendRouter, logger)
	storageService := service.NewStorageService(
		repos.Object, repos.File, ownerService, backendRouter,
		fileCache, ledger, builder, cfg.Upload.MaxBytes, logger,
	)

	if cfg.GC.Enabled {
		gc := service.NewGCService(
			repos.Object, repos.File, ownerService, backendRouter,
			fileCache, ledger, locker, service.GCOptions{
				Interval:    cfg.GC.Interval,
				OrphanGrace: cfg.GC.GracePeriod,
				BatchSize:   cfg.GC.BatchSize,
			}, logger)
		go gc.Run(ctx)
	}

	// HTTP surface
	router := handler.NewRouter(handler.RouterConfig{
		ImageHandler:     handler.NewImageHandler(storageService, logger),
		AdminHandler:     handler.NewAdminHandler(ownerService, logger),
		AuthMiddleware:   auth.Middleware(ownerService, auth.DefaultConfig()),
		MasterMiddleware: auth.MasterKeyMiddleware(cfg.Auth.MasterKeyHash),
		Health:           health,
		Logger:           logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openDatabase connects to the configured database, runs migrations and
// builds the repositories.
func openDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.Repositories, repository.DatabaseHealth, func(), error) {
	if cfg.Database.IsEmbedded() {
		db, err := sqlite.NewDB(ctx, sqlite.Config{
			Path:         cfg.Database.Path,
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			JournalMode:  cfg.Database.JournalMode,
			BusyTimeout:  cfg.Database.BusyTimeout,
		}, logger)
		if err != nil {
			return repository.Repositories{}, nil, nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return repository.Repositories{}, nil, nil, err
		}
		repos := repository.Repositories{
			Owner:  sqlite.NewOwnerRepository(db),
			Object: sqlite.NewObjectRepository(db),
			File:   sqlite.NewFileRepository(db),
		}
		return repos, db, func() { db.Close() }, nil
	}

	db, err := postgres.NewDB(ctx, cfg.Database, logger)
	if err != nil {
		return repository.Repositories{}, nil, nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return repository.Repositories{}, nil, nil, err
	}
	repos := repository.Repositories{
		Owner:  postgres.NewOwnerRepository(db),
		Object: postgres.NewObjectRepository(db),
		File:   postgres.NewFileRepository(db),
	}
	return repos, db, func() { db.Close() }, nil
}

// setupLogger configures the process-wide zerolog logger.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = cfg.TimeFormat

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}
