// Package config loads upwreason settings from defaults, a YAML file, a
// .env file and UPW_* environment variables, in that order.
//
// Each layer only overrides what it sets, so a YAML file may hold a
// handful of keys and the environment may tweak a single value.
//
// Example Usage:
//
//	cfg, err := config.Load("upwreason.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	fmt.Println(cfg) // Config{Storage: badger ./data, ...}
//
// Environment Variables:
//
//   - UPW_STORAGE_DATA_DIR="./data"
//   - UPW_STORAGE_IN_MEMORY=true
//   - UPW_STORAGE_CACHE_SIZE="64MB"
//   - UPW_REASONING_QUERY_TIMEOUT=30s
//   - UPW_REASONING_DISABLED_RULES="sensor_correlation,feed_closure"
//   - UPW_VALIDATOR_CONCURRENCY=4
//   - UPW_LOG_LEVEL=debug
//   - UPW_LOG_FORMAT=console
//   - UPW_SCHEDULER_RUN_ALL="0 */15 * * * *"
//   - UPW_SCHEDULER_TASK_TIMEOUT=10m
//   - UPW_SCHEDULER_METRICS_ADDR=":9464"
//
// For a complete list, see the env tags on the Config sections.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "UPW_"

// CronParser parses the scheduler specs. Specs carry a leading seconds
// field; descriptors such as "@hourly" are accepted too.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Config holds all upwreason settings.
//
// Configuration is organized into sections:
//   - Storage: where the graph lives
//   - Reasoning: rule evaluation limits and disabled rules
//   - Validator: axiom and constraint runs
//   - Logging: zap level, encoding and output
//   - Scheduler: daemon cron specs and the metrics listener
//   - Runtime: Go memory limit and GC tuning
type Config struct {
	Storage   StorageConfig   `yaml:"storage" envPrefix:"STORAGE_"`
	Reasoning ReasoningConfig `yaml:"reasoning" envPrefix:"REASONING_"`
	Validator ValidatorConfig `yaml:"validator" envPrefix:"VALIDATOR_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Runtime   RuntimeConfig   `yaml:"runtime" envPrefix:"RUNTIME_"`
}

// StorageConfig selects and tunes the graph store.
type StorageConfig struct {
	// DataDir is the BadgerDB directory.
	DataDir string `yaml:"dataDir" env:"DATA_DIR"`
	// InMemory keeps the graph in RAM; nothing survives the process.
	InMemory bool `yaml:"inMemory" env:"IN_MEMORY"`
	// SyncWrites fsyncs every write.
	SyncWrites bool `yaml:"syncWrites" env:"SYNC_WRITES"`
	// CacheSize is Badger's block cache, e.g. "32MB".
	CacheSize string `yaml:"cacheSize" env:"CACHE_SIZE"`
	// Fixture is loaded into the store at startup when set.
	Fixture string `yaml:"fixture" env:"FIXTURE"`
}

// CacheBytes returns CacheSize in bytes.
func (s StorageConfig) CacheBytes() int64 {
	return parseMemorySize(s.CacheSize)
}

// ReasoningConfig tunes the inference engine.
type ReasoningConfig struct {
	// QueryTimeout bounds one rule evaluation.
	QueryTimeout time.Duration `yaml:"queryTimeout" env:"QUERY_TIMEOUT"`
	// DisabledRules are left out of the catalog.
	DisabledRules []string `yaml:"disabledRules" env:"DISABLED_RULES" envSeparator:","`
}

// ValidatorConfig tunes axiom and constraint runs.
type ValidatorConfig struct {
	// Concurrency bounds the checks run at once.
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// QueryTimeout bounds one check.
	QueryTimeout time.Duration `yaml:"queryTimeout" env:"QUERY_TIMEOUT"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output is stderr, stdout or a file path.
	Output string `yaml:"output" env:"OUTPUT"`
}

// SchedulerConfig drives the daemon. An empty spec disables its job.
type SchedulerConfig struct {
	RunAll   string `yaml:"runAll" env:"RUN_ALL"`
	Validate string `yaml:"validate" env:"VALIDATE"`
	// TaskTimeout bounds one scheduled run.
	TaskTimeout time.Duration `yaml:"taskTimeout" env:"TASK_TIMEOUT"`
	// MetricsAddr is where the daemon serves /metrics; empty disables it.
	MetricsAddr string `yaml:"metricsAddr" env:"METRICS_ADDR"`
}

// RuntimeConfig tunes the Go runtime.
type RuntimeConfig struct {
	// MemoryLimit is the soft limit (GOMEMLIMIT), e.g. "2GB"; "0" or
	// "unlimited" leave it alone.
	MemoryLimit string `yaml:"memoryLimit" env:"MEMORY_LIMIT"`
	// GCPercent is GOGC; 100 is the Go default.
	GCPercent int `yaml:"gcPercent" env:"GC_PERCENT"`
}

// DefaultConfig returns the settings used when nothing overrides them.
//
// Example:
//
//	cfg := config.DefaultConfig()
//	cfg.Storage.InMemory = true
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:   "./data",
			CacheSize: "32MB",
		},
		Reasoning: ReasoningConfig{
			QueryTimeout: 30 * time.Second,
		},
		Validator: ValidatorConfig{
			Concurrency:  4,
			QueryTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Scheduler: SchedulerConfig{
			RunAll:      "0 */15 * * * *",
			Validate:    "0 0 * * * *",
			TaskTimeout: 10 * time.Minute,
			MetricsAddr: ":9464",
		},
		Runtime: RuntimeConfig{
			MemoryLimit: "0",
			GCPercent:   100,
		},
	}
}

// Load builds a Config from DefaultConfig, then the YAML file at path (if
// path is not empty), then envFiles (".env" when none are given; missing
// files are skipped), then UPW_* environment variables. The result is
// validated.
//
// Variables already set in the process environment win over .env files.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config: %w", err)
		}
		defer f.Close()
		if err := cfg.decodeYAML(f); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", file, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML overlays a YAML document. Unknown keys are errors so a typo
// does not silently fall back to a default.
func (c *Config) decodeYAML(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(c)
}

// Validate checks the configuration for errors.
//
// Example:
//
//	cfg := config.DefaultConfig()
//	cfg.Validator.Concurrency = 0
//	err := cfg.Validate() // "validator.concurrency must be at least 1"
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("storage.dataDir is required unless storage.inMemory is set")
	}
	if c.Storage.CacheSize != "" && c.Storage.CacheBytes() <= 0 {
		return fmt.Errorf("invalid storage.cacheSize: %q", c.Storage.CacheSize)
	}

	if c.Reasoning.QueryTimeout < 0 {
		return fmt.Errorf("reasoning.queryTimeout must not be negative: %v", c.Reasoning.QueryTimeout)
	}
	if c.Validator.QueryTimeout < 0 {
		return fmt.Errorf("validator.queryTimeout must not be negative: %v", c.Validator.QueryTimeout)
	}
	if c.Scheduler.TaskTimeout < 0 {
		return fmt.Errorf("scheduler.taskTimeout must not be negative: %v", c.Scheduler.TaskTimeout)
	}
	if c.Validator.Concurrency < 1 {
		return fmt.Errorf("validator.concurrency must be at least 1, got %d", c.Validator.Concurrency)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %q", c.Logging.Format)
	}

	for name, spec := range map[string]string{
		"scheduler.runAll":   c.Scheduler.RunAll,
		"scheduler.validate": c.Scheduler.Validate,
	} {
		if spec == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if c.Runtime.GCPercent < -1 {
		return fmt.Errorf("invalid runtime.gcPercent: %d", c.Runtime.GCPercent)
	}
	return nil
}

// String returns a one-line summary suitable for logging.
//
// Example:
//
//	log.Printf("Starting with config: %s", cfg)
//	// Config{Storage: badger ./data, QueryTimeout: 30s, Concurrency: 4, Log: info/json}
func (c *Config) String() string {
	store := "badger " + c.Storage.DataDir
	if c.Storage.InMemory {
		store = "memory"
	}
	return fmt.Sprintf(
		"Config{Storage: %s, QueryTimeout: %v, Concurrency: %d, Log: %s/%s}",
		store,
		c.Reasoning.QueryTimeout,
		c.Validator.Concurrency,
		c.Logging.Level, c.Logging.Format,
	)
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Apply sets the memory limit and GC percent on the Go runtime.
// Should be called early in main() before heavy allocations.
func (c RuntimeConfig) Apply() {
	if limit := parseMemorySize(c.MemoryLimit); limit > 0 {
		debug.SetMemoryLimit(limit)
	}
	if c.GCPercent != 100 && c.GCPercent != 0 {
		debug.SetGCPercent(c.GCPercent)
	}
}
