package main

import (
	"context"

	"github.com/huangang/casbridge/internal/config"
	"github.com/huangang/casbridge/internal/handlers"
	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/internal/services"
	"github.com/huangang/casbridge/internal/utils"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// appServices holds the long-lived services and the handlers built on them.
type appServices struct {
	db        *gorm.DB
	cfg       *config.Config
	registry  *prometheus.Registry
	casConfig *services.CASConfigStore
	syncQueue services.SyncQueue
	worker    *services.SyncWorker
	scheduler *services.CleanupScheduler

	authHandler      *handlers.AuthHandler
	casHandler       *handlers.CASHandler
	userHandler      *handlers.UserHandler
	configHandler    *handlers.SystemConfigHandler
	systemLogHandler *handlers.SystemLogHandler
	healthHandler    *handlers.HealthHandler
}

// bootstrap initializes the database, the CAS snapshot, the sync pipeline and
// the schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := models.GetDB()

	models.SetUsernameFolding(cfg.Auth.UsernameMatch == config.UsernameMatchCaseInsensitive)
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := models.SeedDefaultData(db, &cfg.JWT); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed default data")
	}

	services.InitSystemLogger(db)

	casConfig := services.NewCASConfigStore(db)
	if err := casConfig.Seed(cfg.CAS); err != nil {
		logger.Warn().Err(err).Msg("Failed to seed cas config")
	}
	if err := casConfig.Load(context.Background()); err != nil {
		logger.Fatalf("Failed to load cas config: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics := services.NewMetrics(registry)
	if err := handlers.RegisterRuntimeCollectors(registry, db); err != nil {
		logger.Warn().Err(err).Msg("Failed to register runtime collectors")
	}

	// Outbound user sync: mutation -> dispatcher -> queue -> orchestrator.
	clients := services.NewCasdoorClientFactory(cfg.Sync.Timeout)
	orchestrator := services.NewSyncOrchestrator(clients, cfg.Sync.Timeout, metrics)
	handleSync := func(ctx context.Context, task *services.SyncTask) {
		orchestrator.OnUserMutated(ctx, task.Event, task.Config)
	}
	syncQueue := services.NewSyncQueue(cfg, handleSync, metrics)

	var worker *services.SyncWorker
	if syncQueue.IsAsync() {
		worker = services.NewSyncWorker(&cfg.Redis, casConfig.Snapshot, handleSync)
		if err := worker.Start(); err != nil {
			logger.Fatalf("Failed to start sync worker: %v", err)
		}
	}
	dispatcher := services.NewSyncDispatcher(syncQueue, metrics)

	sessions := services.NewSessionIssuer(db, &cfg.JWT)
	userService := services.NewUserService(db, casConfig.Snapshot, dispatcher)

	authService := services.NewAuthService(db, sessions)
	if err := authService.CreateAdminIfNotExists(cfg.Auth.AdminPassword); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	validator := services.NewCASTicketValidator(cfg.Auth.TicketTimeout)
	reconciler := services.NewReconciler(services.NewGormUserStore(db), clients)
	casService := services.NewCASAuthService(db, casConfig, validator, validator, reconciler, sessions, metrics)

	systemLogService := services.NewSystemLogService(db)
	scheduler := services.NewCleanupScheduler(sessions, systemLogService)
	if err := scheduler.Start(); err != nil {
		logger.Warn().Err(err).Msg("Failed to start cleanup scheduler")
	}

	return &appServices{
		db:        db,
		cfg:       cfg,
		registry:  registry,
		casConfig: casConfig,
		syncQueue: syncQueue,
		worker:    worker,
		scheduler: scheduler,

		authHandler:      handlers.NewAuthHandler(authService, sessions, userService),
		casHandler:       handlers.NewCASHandler(casService),
		userHandler:      handlers.NewUserHandler(userService),
		configHandler:    handlers.NewSystemConfigHandler(services.NewSystemConfigService(db)),
		systemLogHandler: handlers.NewSystemLogHandler(systemLogService),
		healthHandler:    handlers.NewHealthHandler(db, casConfig, syncQueue),
	}
}

// shutdown stops background work. Buffered sync tasks are drained before the
// database is closed.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}
	if err := s.syncQueue.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close sync queue")
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info().Msg("All background services stopped")
}
