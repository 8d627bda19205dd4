package main

import (
	"context"
	"io"
	"os"

	"github.com/kimhsiao/supportsync/internal/config"
	"github.com/kimhsiao/supportsync/internal/crypto"
	"github.com/kimhsiao/supportsync/internal/db"
	apperrors "github.com/kimhsiao/supportsync/internal/errors"
	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/queue"
	"github.com/kimhsiao/supportsync/internal/stats"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
	"github.com/kimhsiao/supportsync/internal/sync/adapters"
	"github.com/kimhsiao/supportsync/internal/sync/retry"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg      config.QueueConfig
	database *db.DB
	repo     *db.Repository
	queue    *queue.Queue
	stats    *stats.Aggregator
	closers  []io.Closer
}

// loadConfig resolves configuration: defaults, then the config file, then
// .env files and SUPPORTSYNC_* variables, then the --log-level flag.
// Logs always go to stderr; stdout carries command output only.
func loadConfig(flags *globalFlags) (config.QueueConfig, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, err
	}
	envFiles, err := config.LoadDotEnv(flags.envFiles...)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	level := logging.ParseLevel(cfg.LogLevel)
	logging.Init(os.Stderr, level)
	logger := logging.Get()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)

	if len(envFiles) > 0 {
		logging.Debug("Loaded environment files", map[string]interface{}{"files": envFiles})
	}
	return cfg, nil
}

// openApp loads configuration and opens the migrated store.
func openApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	cipher, err := crypto.NewCipher([]byte(cfg.EncryptionKey))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "encryption key", err)
	}

	database, err := db.OpenMigrated(cfg.StorageLocation)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "open queue database", err)
	}

	repo := db.NewRepository(database.DB, cipher)
	return &app{
		cfg:      cfg,
		database: database,
		repo:     repo,
		queue:    queue.New(repo, &cfg),
		stats:    stats.NewAggregator(repo),
	}, nil
}

// orchestrator builds the delivery transports and the orchestrator.
func (a *app) orchestrator(opts ...syncpkg.Option) (*syncpkg.Orchestrator, error) {
	set, closers, err := adapters.Build(a.cfg.Destinations)
	a.closers = append(a.closers, closers...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "build destinations", err)
	}

	opts = append([]syncpkg.Option{syncpkg.WithAdapterTimeout(a.cfg.AdapterTimeout())}, opts...)
	return syncpkg.NewOrchestrator(a.repo, set, retry.FromConfig(&a.cfg), opts...), nil
}

// cleanup adapts queue cleanup to the scheduler's cleanup hook.
func (a *app) cleanup(ctx context.Context) error {
	_, err := a.queue.Cleanup(ctx)
	return err
}

// Close releases transports and the database.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logging.Warn("Failed to close transport", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := a.database.Close(); err != nil {
		logging.Error("Failed to close database", err)
	}
}
