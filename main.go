package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/adapters/source"
	_ "github.com/substrate-ops/inventory-engine/pkg/adapters/source/static"
	"github.com/substrate-ops/inventory-engine/pkg/config"
	"github.com/substrate-ops/inventory-engine/pkg/database"
	"github.com/substrate-ops/inventory-engine/pkg/handlers"
	"github.com/substrate-ops/inventory-engine/pkg/logging"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
	"github.com/substrate-ops/inventory-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Int("sources", len(cfg.Sync.Sources)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrationDB := stdlib.OpenDBFromPool(db.Pool)
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	// Repositories
	deviceRepo := repositories.NewDeviceRepository(db)
	syncRepo := repositories.NewSyncMetadataRepository(db)
	historyRepo := repositories.NewSyncHistoryRepository(db)
	extensionRepo := repositories.NewExtensionRepository(db)
	changeRepo := repositories.NewChangeApprovalRepository(db)

	// Services
	adapterFactory := source.NewAdapterFactory(logger)
	correlationService := services.NewCorrelationService(services.CorrelationServiceDeps{
		DeviceRepo:          deviceRepo,
		ConfidenceThreshold: cfg.Correlation.ConfidenceThreshold,
		AmbiguityMargin:     cfg.Correlation.AmbiguityMargin,
		DomainSuffixes:      cfg.Correlation.DomainSuffixes,
		SourcePriority:      cfg.Sync.PriorityOrder(),
		Logger:              logger,
	})
	syncService := services.NewSyncService(services.SyncServiceDeps{
		DeviceRepo:     deviceRepo,
		SyncRepo:       syncRepo,
		HistoryRepo:    historyRepo,
		ExtensionRepo:  extensionRepo,
		Correlation:    correlationService,
		AdapterFactory: adapterFactory,
		Config:         &cfg.Sync,
		Logger:         logger,
	})
	deviceService := services.NewDeviceService(services.DeviceServiceDeps{
		DeviceRepo:    deviceRepo,
		ExtensionRepo: extensionRepo,
		Logger:        logger,
	})
	auditService := services.NewAuditService(historyRepo, deviceRepo)
	changeService := services.NewChangeService(services.ChangeServiceDeps{
		ChangeRepo:  changeRepo,
		DeviceRepo:  deviceRepo,
		HistoryRepo: historyRepo,
		Adapters:    services.NewAdapterProvider(adapterFactory, &cfg.Sync),
		Logger:      logger,
	})

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewDeviceHandler(deviceService, auditService, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(syncService, auditService, logger).RegisterRoutes(mux)
	handlers.NewChangeHandler(changeService, logger).RegisterRoutes(mux)

	scheduler := services.NewScheduler(syncService, &cfg.Sync, logger)
	scheduler.Start(ctx)

	server := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting inventory-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("inventory-engine stopped")
}
