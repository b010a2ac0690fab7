// Package commands implements the llmshield CLI subcommands. Each command
// hydrates a ledger from the shared store before operating on it.
package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amerfu/llmshield/internal/config"
	"github.com/amerfu/llmshield/internal/logger"
	"github.com/amerfu/llmshield/pkg/ledger"
	"github.com/amerfu/llmshield/pkg/pricing"
	"github.com/amerfu/llmshield/pkg/storage"
)

var (
	cfg *config.Config
	log *zap.Logger

	store     storage.Adapter
	keyPrefix string
)

// Init loads configuration and connects the backing store. Called by the
// root command before any subcommand runs.
func Init(cfgPath, redisURL string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, err = logger.Initialize(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	url := redisURL
	if url == "" {
		url = cfg.Redis.URL
	}
	if url == "" {
		return fmt.Errorf("no redis URL configured: set redis.url or pass --redis-url")
	}

	store, err = storage.NewRedisAdapterURL(context.Background(), url, log)
	if err != nil {
		return err
	}
	keyPrefix = cfg.Redis.KeyPrefix

	return nil
}

// loadLedger builds a ledger over the shared store and hydrates it.
func loadLedger(ctx context.Context) (*ledger.Ledger, error) {
	l := ledger.New(ledger.Config{
		Pricing:   pricing.DefaultTable(),
		Persist:   true,
		KeyPrefix: keyPrefix,
		Storage:   store,
		Logger:    log,
	})
	n, err := l.Hydrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate ledger: %w", err)
	}
	log.Debug("Hydrated ledger", zap.Int("entries", n))
	return l, nil
}
