package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/onehippo/hippo-repository/internal/config"
	"github.com/onehippo/hippo-repository/internal/database"
	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/migration"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/syncguard"
	"github.com/onehippo/hippo-repository/internal/tracing"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

// services holds the assembled repository components shared by the commands.
type services struct {
	db         *gorm.DB
	tracing    *tracing.Provider
	metrics    *metrics.Metrics
	registry   *nodetype.Registry
	repository *repository.Repository
	migrator   *migration.Migrator
	watcher    *initialize.Watcher
	workflows  *workflow.Manager
}

func openServices(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*services, func(), error) {
	db, err := database.OpenSQLite(ctx, appConfig.DatabasePath, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      appConfig.TracingEnabled,
		Exporter:     appConfig.TracingExporter,
		OTLPEndpoint: appConfig.TracingOTLPEndpoint,
		SampleRate:   appConfig.TracingSampleRate,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
		_ = sqlDB.Close()
	}

	built, err := assemble(ctx, db, provider, appConfig, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return built, cleanup, nil
}

func assemble(ctx context.Context, db *gorm.DB, provider *tracing.Provider, appConfig config.AppConfig, logger *zap.Logger) (*services, error) {
	recorder := metrics.New()
	tracer := provider.Tracer()

	registry, err := nodetype.NewRegistry(nodetype.RegistryConfig{
		Database:           db,
		Logger:             logger,
		CacheTTL:           appConfig.TypeCacheTTL,
		RedefinitionPolicy: migration.OnlyWidens,
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Bootstrap(ctx); err != nil {
		return nil, err
	}

	repo, err := repository.New(repository.Config{Database: db, Schema: registry, Logger: logger})
	if err != nil {
		return nil, err
	}
	migrator, err := migration.NewMigrator(migration.Config{
		Repository: repo,
		Registry:   registry,
		Logger:     logger,
		Tracer:     tracer,
		Metrics:    recorder,
		BatchSize:  appConfig.MigrationBatchSize,
	})
	if err != nil {
		return nil, err
	}

	var resources initialize.ResourceLoader
	if appConfig.InitializeResourceRoot != "" {
		resources = initialize.FileResourceLoader{Root: appConfig.InitializeResourceRoot}
	}
	watcher, err := initialize.NewWatcher(initialize.Config{
		Repository:    repo,
		Registry:      registry,
		Migrator:      migrator,
		Resources:     resources,
		Guard:         syncguard.New(appConfig.InitializeSyncCache, nil),
		Logger:        logger,
		Tracer:        tracer,
		Metrics:       recorder,
		SweepInterval: appConfig.InitializeSweep,
	})
	if err != nil {
		return nil, err
	}

	manager, err := workflow.NewManager(workflow.Config{
		Repository: repo,
		Registry:   registry,
		Logger:     logger,
		Tracer:     tracer,
		Metrics:    recorder,
	})
	if err != nil {
		return nil, err
	}
	if err := manager.Configure(ctx, workflow.DefaultCategory, workflow.DefaultEntries()); err != nil {
		return nil, err
	}

	return &services{
		db:         db,
		tracing:    provider,
		metrics:    recorder,
		registry:   registry,
		repository: repo,
		migrator:   migrator,
		watcher:    watcher,
		workflows:  manager,
	}, nil
}

func waitOptions(appConfig config.AppConfig) (initialize.WaitOptions, error) {
	mode, err := initialize.ParseWaitMode(appConfig.InitializeWaitMode)
	if err != nil {
		return initialize.WaitOptions{}, err
	}
	return initialize.WaitOptions{
		Retries:  appConfig.InitializeWaitRetries,
		Interval: appConfig.InitializeWaitInterval,
		Mode:     mode,
	}, nil
}
