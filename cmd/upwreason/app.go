package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/upwreason/pkg/config"
	"github.com/orneryd/upwreason/pkg/inference"
	"github.com/orneryd/upwreason/pkg/logging"
	"github.com/orneryd/upwreason/pkg/metrics"
	"github.com/orneryd/upwreason/pkg/storage"
	"github.com/orneryd/upwreason/pkg/validation"
)

// app is everything a command needs, opened from config and flags.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	store     storage.Engine
	engine    *inference.Engine
	validator *validation.Validator
	out       *printer
}

// loadConfig reads the config file and environment, then applies flags
// that were set explicitly.
func (o *options) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir = o.dataDir
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory = o.inMemory
	}
	if flags.Changed("fixture") {
		cfg.Storage.Fixture = o.fixture
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open builds the store, engine and validator. Callers must Close the
// result.
func (o *options) open(cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Runtime.Apply()

	logger, err := logging.New(cfg.Logging, o.verbose)
	if err != nil {
		return nil, err
	}
	logger.Debug("configuration loaded", zap.Stringer("config", cfg))

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		out:      newPrinter(cmd.OutOrStdout(), o.output),
	}
	a.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	store, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
		DataDir:        cfg.Storage.DataDir,
		InMemory:       cfg.Storage.InMemory,
		SyncWrites:     cfg.Storage.SyncWrites,
		BlockCacheSize: cfg.Storage.CacheBytes(),
		Logger:         logging.NewBadgerLogger(logger),
	})
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = store

	if cfg.Storage.Fixture != "" {
		res, err := storage.LoadFixture(store, cfg.Storage.Fixture)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("loading fixture %s: %w", cfg.Storage.Fixture, err)
		}
		logger.Info("fixture loaded",
			zap.String("path", cfg.Storage.Fixture),
			zap.Int("nodes", res.NodesImported),
			zap.Int("edges", res.EdgesImported))
	}

	engineConfig := inference.DefaultConfig()
	engineConfig.Disabled = cfg.Reasoning.DisabledRules
	engineConfig.QueryTimeout = cfg.Reasoning.QueryTimeout
	engineConfig.Logger = logger.Named("inference")
	engineConfig.Metrics = a.metrics
	if a.engine, err = inference.New(store, engineConfig); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating inference engine: %w", err)
	}

	validatorConfig := validation.DefaultConfig()
	validatorConfig.Concurrency = cfg.Validator.Concurrency
	validatorConfig.QueryTimeout = cfg.Validator.QueryTimeout
	validatorConfig.Logger = logger.Named("validation")
	validatorConfig.Metrics = a.metrics
	if a.validator, err = validation.New(store, validatorConfig); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating validator: %w", err)
	}

	return a, nil
}

// Close releases the store and flushes the logger.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("closing store", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// withApp wraps a command body with open and Close.
func withApp(opts *options, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := opts.open(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
