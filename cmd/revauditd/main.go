package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scivet/revaudit/internal/agents"
	"github.com/scivet/revaudit/internal/budget"
	"github.com/scivet/revaudit/internal/config"
	"github.com/scivet/revaudit/internal/engine"
	"github.com/scivet/revaudit/internal/httpapi"
	"github.com/scivet/revaudit/internal/llm"
	"github.com/scivet/revaudit/internal/pricing"
	"github.com/scivet/revaudit/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Optional Postgres for usage accounting.
	var db *sql.DB
	if cfg.Database.DSN != "" {
		db, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("database unreachable, usage persistence degraded", zap.Error(err))
		}
	} else {
		logger.Info("no database configured, usage accounting is in-memory only")
	}

	budgetMgr := budget.NewManager(db, logger, budget.Options{
		DailyLimitUSD: cfg.Budget.DailyLimitUSD,
		CallsPerSec:   cfg.Budget.CallsPerSec,
		CallBurst:     cfg.Budget.CallBurst,
	})

	// Optional Redis mirror for run events.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, event mirror degraded", zap.Error(err))
		}
		defer rdb.Close()
	}

	streams := streaming.NewManager(rdb, logger, streaming.ManagerOptions{
		QueueCapacity: cfg.Streaming.QueueCapacity,
		MirrorTTL:     cfg.Redis.MirrorTTL,
	})

	var client llm.Client
	if cfg.LLM.Enabled {
		client = llm.NewHTTPClient(llm.Options{
			BaseURL:    cfg.LLM.BaseURL,
			APIKey:     cfg.LLM.APIKey,
			Model:      cfg.LLM.Model,
			Provider:   cfg.LLM.Provider,
			Timeout:    cfg.LLM.Timeout,
			MaxRetries: cfg.LLM.MaxRetries,
		}, logger)
		logger.Info("llm backend enabled",
			zap.String("model", cfg.LLM.Model),
			zap.String("provider", cfg.LLM.Provider))
	} else {
		client = llm.Disabled{}
		logger.Info("llm backend disabled, agents run deterministic checks only")
	}

	agentList := agents.All(agents.Deps{
		LLM:    client,
		Budget: budgetMgr,
		Logger: logger,
		UseLLM: cfg.LLM.Enabled,
	})
	eng := engine.New(agentList, engine.ForName(cfg.Review.Strategy), streams, logger)

	// Hot reload of the model pricing catalog.
	if watcher, err := config.NewWatcher(configDir(), logger); err != nil {
		logger.Warn("config watcher init failed", zap.Error(err))
	} else {
		watcher.OnChange("models.yaml", func() error {
			pricing.Reload()
			return nil
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("config watcher start failed", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	httpapi.NewReviewHandler(eng, streams, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Service.Addr,
		Handler:      mux,
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Service.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	return zc.Build()
}

func configDir() string {
	if dir := os.Getenv("REVAUDIT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "./config"
}
