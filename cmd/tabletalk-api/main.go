package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tabletalk/tabletalk/internal/api"
	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/ledger"
	ledgerpostgres "github.com/tabletalk/tabletalk/internal/ledger/postgres"
	"github.com/tabletalk/tabletalk/internal/maintenance"
	"github.com/tabletalk/tabletalk/internal/migrations"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/pipeline"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/storage"
	s3store "github.com/tabletalk/tabletalk/internal/storage/s3"
	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/store/duckdb"
	"github.com/tabletalk/tabletalk/internal/store/sqlite"
)

func main() {
	cfg, err := config.LoadFromEnv("tabletalk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	dialect := sqlite.Dialect()
	if cfg.Store.Engine == "duckdb" {
		dialect = duckdb.Dialect()
	}
	if err := os.MkdirAll(cfg.Store.DataDir, 0o755); err != nil {
		logger.Error("failed to create data directory", slog.String("dir", cfg.Store.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	tableStore, err := store.New(cfg.Store.DataDir, dialect)
	if err != nil {
		logger.Error("failed to initialize store", slog.Any("error", err))
		os.Exit(1)
	}
	executor := query.NewExecutor(tableStore, cfg.Query.RowLimit, logger)
	executor.Timeout = cfg.Query.QueryTimeout

	readiness := []api.ReadinessCheck{
		api.CheckDataDir(cfg.Store.DataDir),
		api.CheckObjectStoreConfig(cfg),
	}

	var history ledger.Ledger = ledger.NewMemory()
	if cfg.Ledger.Backend == "postgres" {
		ledgerDB, err := ledgerpostgres.Open(context.Background(), ledgerpostgres.DBConfig{
			DSN:             cfg.Ledger.DSN,
			ApplicationName: cfg.Service.Name,
			MaxOpenConns:    cfg.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Ledger.MaxIdleConns,
			ConnMaxIdleTime: cfg.Ledger.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open ledger db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = ledgerDB.Close() }()

		if cfg.Ledger.AutoMigrate {
			migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			applied, err := migrations.NewRunner().Up(migrateCtx, ledgerDB, 0)
			cancel()
			if err != nil {
				logger.Error("ledger migration failed", slog.Any("error", err))
				os.Exit(1)
			}
			logger.Info("ledger migrations applied", slog.Int("count", applied))
		}

		postgresLedger := ledgerpostgres.NewLedger(ledgerDB)
		history = postgresLedger
		readiness = append(readiness, postgresLedger.HealthCheck)
	}

	var translator nl2sql.Translator
	if cfg.AI.TranslateEnabled {
		translator, err = newTranslator(cfg.AI)
		if err != nil {
			logger.Error("failed to initialize query translator", slog.Any("error", err))
			os.Exit(1)
		}
		translator = nl2sql.NewRetryingTranslator(translator, cfg.AI.MaxAttempts, cfg.AI.RetryBackoff, cfg.AI.Timeout, logger)
		if cfg.AI.CacheTTL > 0 {
			translator = nl2sql.NewCachedTranslator(translator, cfg.AI.CacheTTL)
		}
	}

	sessions := session.NewManager()
	service := &pipeline.Service{
		Sessions:   sessions,
		Ledger:     history,
		Store:      tableStore,
		Executor:   executor,
		Translator: translator,
		Logger:     logger,
	}
	if cfg.ObjectStore.Enabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		service.Publisher = storage.NewPublisher(objectStore)
	}

	deps := api.Dependencies{
		Logger:           logger,
		Sessions:         service,
		Readiness:        api.CombineReadinessChecks(readiness...),
		DependencyTimout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retention := &maintenance.Service{
		Sessions: sessions,
		Reaper:   service,
		Config: maintenance.Config{
			RetentionInterval: cfg.Session.RetentionInterval,
			IdleTTL:           cfg.Session.IdleTTL,
			DataDir:           cfg.Store.DataDir,
			OrphanSafetyAge:   cfg.Session.OrphanSafetyAge,
		},
		Logger: logger,
	}
	go func() { _ = retention.Run(ctx) }()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("engine", dialect.Name),
			slog.String("ledger", cfg.Ledger.Backend),
			slog.Bool("translate_enabled", cfg.AI.TranslateEnabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func newTranslator(cfg config.AIConfig) (nl2sql.Translator, error) {
	if cfg.Provider == "openai" {
		return nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Timeout:     cfg.Timeout,
		})
	}
	return nl2sql.NewGeminiTranslator(nl2sql.GeminiConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	})
}
