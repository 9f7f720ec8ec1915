package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/conduitworks/conduit-engine/pkg/adapters/engine"
	_ "github.com/conduitworks/conduit-engine/pkg/adapters/engine/mysql"
	_ "github.com/conduitworks/conduit-engine/pkg/adapters/engine/postgres"
	_ "github.com/conduitworks/conduit-engine/pkg/adapters/engine/sqlite"
	"github.com/conduitworks/conduit-engine/pkg/audit"
	"github.com/conduitworks/conduit-engine/pkg/auth"
	"github.com/conduitworks/conduit-engine/pkg/cache"
	"github.com/conduitworks/conduit-engine/pkg/catalog"
	"github.com/conduitworks/conduit-engine/pkg/config"
	"github.com/conduitworks/conduit-engine/pkg/dqm"
	"github.com/conduitworks/conduit-engine/pkg/handlers"
	"github.com/conduitworks/conduit-engine/pkg/logging"
	"github.com/conduitworks/conduit-engine/pkg/middleware"
	"github.com/conduitworks/conduit-engine/pkg/migration"
	"github.com/conduitworks/conduit-engine/pkg/models"
	"github.com/conduitworks/conduit-engine/pkg/registry"
	"github.com/conduitworks/conduit-engine/pkg/retry"
	"github.com/conduitworks/conduit-engine/pkg/services"
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
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.Int("databases", len(cfg.Databases)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Build the connection registry from configuration.
	connections := make([]*models.DatabaseConnection, 0, len(cfg.Databases))
	for i := range cfg.Databases {
		conn, err := cfg.Databases[i].Connection()
		if err != nil {
			logger.Fatal("invalid database configuration", zap.Error(err))
		}
		if conn.Enabled && !engine.Registered(conn.Type) {
			logger.Fatal("unsupported engine type",
				zap.String("database", conn.Name),
				zap.String("type", conn.Type))
		}
		connections = append(connections, conn)
	}
	reg, err := registry.New(connections, logger)
	if err != nil {
		logger.Fatal("failed to build connection registry", zap.Error(err))
	}

	// Populate the query template catalog: every enabled connection runs
	// its migrations concurrently, failures isolated per connection.
	cat := catalog.New(logger)
	migration.NewEngine(cat, logger).ApplyAll(ctx, reg)

	auditor := audit.NewSecurityAuditor(logger)

	// One queue manager per migrated connection. Connections that failed
	// migration stay registered so status can report them, but get no
	// manager and reject queries as not ready.
	managers := make(map[string]*dqm.Manager, len(connections))
	for _, conn := range reg.All() {
		if !conn.Ready() {
			continue
		}

		driver, err := engine.New(conn.Type, conn.Target, logger)
		if err != nil {
			logger.Error("failed to create engine driver",
				zap.String("database", conn.Name), zap.Error(err))
			conn.SetStatus(models.MigrationFailed)
			continue
		}
		if err := retry.DoIfRetryable(ctx, nil, func() error {
			return driver.Connect(ctx)
		}); err != nil {
			logger.Error("failed to connect engine",
				zap.String("database", conn.Name), zap.Error(err))
			conn.SetStatus(models.MigrationFailed)
			continue
		}

		mgr := dqm.NewManager(conn, driver,
			cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL()),
			dqm.Config{
				Workers:       cfg.DQM.Workers(),
				Backlog:       cfg.DQM.Backlog,
				SubmitTimeout: cfg.DQM.SubmitTimeout(),
				QueryTimeout:  cfg.DQM.QueryTimeout(),
				Auditor:       auditor,
			}, logger)
		if err := mgr.Start(); err != nil {
			logger.Fatal("failed to start queue manager",
				zap.String("database", conn.Name), zap.Error(err))
		}
		managers[conn.Name] = mgr
	}

	svc := services.NewConduitService(reg, cat, managers, nil, logger)

	verifier, err := auth.NewVerifier(&auth.VerifierConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
		HMACSecret:         cfg.Auth.HMACSecret,
	})
	if err != nil {
		logger.Fatal("failed to create token verifier", zap.Error(err))
	}
	authMW := auth.NewMiddleware(verifier, auditor, logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewConduitHandler(svc, authMW, logger).RegisterRoutes(mux)
	handlers.NewStatusHandler(svc, authMW, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.BindAddr + ":" + cfg.Port,
		Handler:           middleware.RequestID(middleware.RequestLogger(logger)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting conduit-engine",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version))
		if cfg.TLSCertPath != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.DQM.ShutdownGraceSec)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", zap.Error(err))
	}

	// Drain the lanes after the listener stops accepting work.
	for name, mgr := range managers {
		logger.Info("stopping queue manager", zap.String("database", name))
		mgr.Stop()
	}

	logger.Info("conduit-engine stopped")
}
