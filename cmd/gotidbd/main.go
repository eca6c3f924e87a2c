package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pingcap/gotidb"
	"github.com/pingcap/gotidb/embedding"
	"github.com/pingcap/gotidb/internal/config"
	"github.com/pingcap/gotidb/internal/httpd"
	logpkg "github.com/pingcap/gotidb/internal/logger"
	"github.com/pingcap/gotidb/internal/metrics"
	"github.com/pingcap/gotidb/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting gotidbd search server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.Int("http_port", cfg.Server.Port),
		zap.String("db_host", cfg.Database.Host),
		zap.String("db_name", cfg.Database.Database),
	)

	// Register domain metrics explicitly (no init())
	metrics.RegisterEmbeddingMetrics()
	metrics.RegisterSearchMetrics()

	ctx := context.Background()

	embedder, err := buildEmbedder(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create embedder", zap.Error(err))
	}
	logger.Info("Embedder created",
		zap.String("model", embedder.Name()),
		zap.Int("dimensions", embedder.Dimensions()),
	)

	client, err := connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to TiDB", zap.Error(err))
	}
	defer func() { _ = client.Close() }()

	if err := client.Ping(ctx); err != nil {
		logger.Fatal("Database not ready", zap.Error(err))
	}
	logger.Info("Connected to database", zap.String("database", client.DatabaseName()))

	server := httpd.NewServer(client, embedder, logger)
	r := server.Router(cfg.Auth.APIKeys)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// connect opens the TiDB client from database configuration. A DSN takes
// precedence over the individual host fields.
func connect(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) (*gotidb.Client, error) {
	opts := []gotidb.Option{gotidb.WithLogger(logger)}
	if dbCfg.DSN != "" {
		opts = append(opts, gotidb.WithDSN(dbCfg.DSN))
	} else {
		opts = append(opts,
			gotidb.WithHost(dbCfg.Host),
			gotidb.WithPort(dbCfg.Port),
			gotidb.WithCredentials(dbCfg.Username, dbCfg.Password),
		)
	}
	if dbCfg.Database != "" {
		opts = append(opts, gotidb.WithDatabase(dbCfg.Database))
	}
	if dbCfg.EnsureDatabase {
		opts = append(opts, gotidb.WithEnsureDatabase())
	}
	return gotidb.Connect(ctx, opts...)
}

// buildEmbedder assembles the embedding chain: OpenAI provider, optionally
// wrapped with a Redis-backed cache when cache addrs are configured.
func buildEmbedder(ctx context.Context, cfg config.Config, logger *zap.Logger) (embedding.Function, error) {
	model := cfg.Embedding.Model
	if model == "" {
		return nil, fmt.Errorf("embedding.model is required to serve text search")
	}
	if cfg.Embedding.Provider != "" && !strings.Contains(model, "/") {
		model = cfg.Embedding.Provider + "/" + model
	}

	base, err := embedding.NewOpenAI(ctx, embedding.OpenAIConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      model,
		Dimensions: cfg.Embedding.Dimensions,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.Cache.Addrs) == 0 {
		return base, nil
	}

	store, err := embedding.NewRedisCache(embedding.RedisConfig{
		Addrs:    cfg.Cache.Addrs,
		Password: cfg.Cache.Password,
		TTL:      time.Duration(cfg.Cache.TTLSec) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	logger.Info("Embedding cache enabled", zap.Strings("addrs", cfg.Cache.Addrs))

	return embedding.NewCached(base, store, logger), nil
}
