// Package config provides centralized configuration management for the collector.
// Values are resolved in priority order: environment variables, then a JSON or
// YAML configuration file, then struct-tag defaults. The result is validated
// once at startup and treated as immutable afterwards.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	apperrors "github.com/johnayoung/tradebot-collector/internal/errors"
	"github.com/johnayoung/tradebot-collector/internal/models"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	Exchange  ExchangeConfig  `json:"exchange" yaml:"exchange"`
	Collector CollectorConfig `json:"collector" yaml:"collector"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Validator ValidatorConfig `json:"validator" yaml:"validator"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Cache     CacheConfig     `json:"cache" yaml:"cache"`
	Publisher PublisherConfig `json:"publisher" yaml:"publisher"`
}

// ExchangeConfig configures the exchange adapter
type ExchangeConfig struct {
	Name              string  `json:"name" yaml:"name" default:"binance" validate:"required,oneof=binance coinbase"`
	APIKey            string  `json:"api_key" yaml:"api_key"`
	APISecret         string  `json:"api_secret" yaml:"api_secret"`
	Sandbox           bool    `json:"sandbox" yaml:"sandbox"`
	BaseURL           string  `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Timeout           string  `json:"timeout" yaml:"timeout" default:"15s"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" default:"10" validate:"gt=0"`
	MaxRetries        int     `json:"max_retries" yaml:"max_retries" default:"3" validate:"gte=0,lte=10"`
}

// CollectorConfig configures the collection scheduler
type CollectorConfig struct {
	Symbols           []string    `json:"symbols" yaml:"symbols" default:"[\"BTC/USDT\",\"ETH/USDT\"]" validate:"min=1,dive,required"`
	Timeframes        []string    `json:"timeframes" yaml:"timeframes" default:"[\"1m\"]" validate:"min=1,dive,required"`
	TickerSymbols     []string    `json:"ticker_symbols" yaml:"ticker_symbols"`
	IntervalSeconds   int         `json:"interval_seconds" yaml:"interval_seconds" validate:"gte=0"`
	FetchLimit        int         `json:"fetch_limit" yaml:"fetch_limit" default:"500" validate:"gt=0,lte=1000"`
	BootstrapLookback string      `json:"bootstrap_lookback" yaml:"bootstrap_lookback" default:"24h"`
	MaxPagesPerCycle  int         `json:"max_pages_per_cycle" yaml:"max_pages_per_cycle" default:"20" validate:"gt=0"`
	Workers           int         `json:"workers" yaml:"workers" default:"1" validate:"gte=1,lte=64"`
	UnitsPerSecond    float64     `json:"units_per_second" yaml:"units_per_second" validate:"gte=0"`
	ResampleTo        []string    `json:"resample_to" yaml:"resample_to"`
	ResampleLookback  string      `json:"resample_lookback" yaml:"resample_lookback" default:"2h"`
	ShutdownTimeout   string      `json:"shutdown_timeout" yaml:"shutdown_timeout" default:"30s"`
	StorageRetry      RetryConfig `json:"storage_retry" yaml:"storage_retry"`
}

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int    `json:"max_attempts" yaml:"max_attempts" default:"4" validate:"gte=1"`
	InitialDelay string `json:"initial_delay" yaml:"initial_delay" default:"250ms"`
	MaxDelay     string `json:"max_delay" yaml:"max_delay" default:"5s"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type        string `json:"type" yaml:"type" default:"sqlite" validate:"required,oneof=sqlite duckdb memory"`
	Path        string `json:"path" yaml:"path" default:"db/marketdata.sqlite"`
	BusyTimeout string `json:"busy_timeout" yaml:"busy_timeout" default:"5s"`
}

// ValidatorConfig configures the validation engine
type ValidatorConfig struct {
	Lookback      string  `json:"lookback" yaml:"lookback" default:"24h"`
	GapTolerance  float64 `json:"gap_tolerance" yaml:"gap_tolerance" default:"1.5" validate:"gte=1"`
	StaleMultiple float64 `json:"stale_multiple" yaml:"stale_multiple" default:"3" validate:"gt=0"`
	MaxItems      int     `json:"max_items" yaml:"max_items" default:"10" validate:"gte=0"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format        string            `json:"format" yaml:"format" default:"text" validate:"oneof=json text"`
	Output        string            `json:"output" yaml:"output" default:"stdout" validate:"oneof=stdout stderr file"`
	FilePath      string            `json:"file_path" yaml:"file_path" default:"logs/collector.log"`
	MaxSize       int               `json:"max_size" yaml:"max_size" default:"100"`
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" default:"5"`
	MaxAge        int               `json:"max_age" yaml:"max_age" default:"30"`
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" default:":9090"`
	Path    string `json:"path" yaml:"path" default:"/metrics"`
}

// CacheConfig configures the optional Redis read cache
type CacheConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Addr      string `json:"addr" yaml:"addr" default:"localhost:6379"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	TTL       string `json:"ttl" yaml:"ttl" default:"1m"`
	Namespace string `json:"namespace" yaml:"namespace" default:"tradebot"`
}

// PublisherConfig configures the optional Kafka candle event stream
type PublisherConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic" default:"tradebot.candles"`
}

// defaultTimeframeIntervals are the polling cadences used when no
// COLLECTION_INTERVAL override is set.
var defaultTimeframeIntervals = map[string]time.Duration{
	"1m":  60 * time.Second,
	"5m":  300 * time.Second,
	"15m": 900 * time.Second,
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
	validate   *validator.Validate
	lookupEnv  func(string) (string, bool)
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		lookupEnv:  os.LookupEnv,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config, err := DefaultConfig()
	if err != nil {
		return nil, err
	}

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, err
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"exchange", config.Exchange.Name,
		"storage_type", config.Storage.Type,
		"symbols", len(config.Collector.Symbols),
		"timeframes", strings.Join(config.Collector.Timeframes, ","))

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	env := func(key string) (string, bool) {
		val, ok := cm.lookupEnv(key)
		if !ok || strings.TrimSpace(val) == "" {
			return "", false
		}
		return strings.TrimSpace(val), true
	}

	// Exchange
	if val, ok := env("EXCHANGE_NAME"); ok {
		config.Exchange.Name = strings.ToLower(val)
	}
	if val, ok := env("EXCHANGE_API_KEY"); ok {
		config.Exchange.APIKey = val
	}
	if val, ok := env("EXCHANGE_SECRET"); ok {
		config.Exchange.APISecret = val
	}
	if val, ok := env("EXCHANGE_SANDBOX"); ok {
		config.Exchange.Sandbox = strings.EqualFold(val, "true")
	}

	// Collector
	if val, ok := env("SYMBOLS"); ok {
		config.Collector.Symbols = ParseList(val)
	}
	if val, ok := env("TIMEFRAMES"); ok {
		config.Collector.Timeframes = ParseList(val)
	} else if val, ok := env("TIMEFRAME"); ok {
		config.Collector.Timeframes = []string{val}
	}
	if val, ok := env("COLLECTION_INTERVAL"); ok {
		interval, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid COLLECTION_INTERVAL %q: %w", val, err)
		}
		if interval <= 0 {
			return fmt.Errorf("invalid COLLECTION_INTERVAL (must be > 0): %d", interval)
		}
		config.Collector.IntervalSeconds = interval
	}
	if val, ok := env("RESAMPLE_TO"); ok {
		config.Collector.ResampleTo = ParseList(val)
	}
	if val, ok := env("WORKER_COUNT"); ok {
		if workers, err := strconv.Atoi(val); err == nil {
			config.Collector.Workers = workers
		}
	}

	// Storage
	if val, ok := env("STORAGE_TYPE"); ok {
		config.Storage.Type = strings.ToLower(val)
	}
	if val, ok := env("DB_PATH"); ok {
		config.Storage.Path = val
	}

	// Logging
	if val, ok := env("LOG_LEVEL"); ok {
		config.Logging.Level = strings.ToLower(val)
	}
	if val, ok := env("LOG_FORMAT"); ok {
		config.Logging.Format = strings.ToLower(val)
	}
	if val, ok := env("LOG_OUTPUT"); ok {
		config.Logging.Output = strings.ToLower(val)
	}
	if val, ok := env("LOG_FILE_PATH"); ok {
		config.Logging.FilePath = val
	}

	// Metrics
	if val, ok := env("METRICS_ENABLED"); ok {
		config.Metrics.Enabled = strings.EqualFold(val, "true")
	}
	if val, ok := env("METRICS_ADDR"); ok {
		config.Metrics.Addr = val
	}

	// Cache and publisher
	if val, ok := env("REDIS_ADDR"); ok {
		config.Cache.Addr = val
		config.Cache.Enabled = true
	}
	if val, ok := env("KAFKA_BROKERS"); ok {
		config.Publisher.Brokers = ParseList(val)
		config.Publisher.Enabled = true
	}
	if val, ok := env("KAFKA_TOPIC"); ok {
		config.Publisher.Topic = val
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig runs struct-tag validation and the cross-field checks the
// tags cannot express. Every problem is reported, not just the first.
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var problems []string

	if err := cm.validate.Struct(config); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	for _, tf := range append(append([]string{}, config.Collector.Timeframes...), config.Collector.ResampleTo...) {
		if _, err := models.ParseTimeframe(tf); err != nil {
			problems = append(problems, err.Error())
		}
	}

	durations := map[string]string{
		"exchange.timeout":                      config.Exchange.Timeout,
		"collector.bootstrap_lookback":          config.Collector.BootstrapLookback,
		"collector.resample_lookback":           config.Collector.ResampleLookback,
		"collector.shutdown_timeout":            config.Collector.ShutdownTimeout,
		"collector.storage_retry.initial_delay": config.Collector.StorageRetry.InitialDelay,
		"collector.storage_retry.max_delay":     config.Collector.StorageRetry.MaxDelay,
		"storage.busy_timeout":                  config.Storage.BusyTimeout,
		"validator.lookback":                    config.Validator.Lookback,
		"cache.ttl":                             config.Cache.TTL,
	}
	for name, raw := range durations {
		if d, err := time.ParseDuration(raw); err != nil || d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be a positive duration, got %q", name, raw))
		}
	}

	if config.Storage.Type != "memory" {
		if strings.TrimSpace(config.Storage.Path) == "" {
			problems = append(problems, "storage.path is required for "+config.Storage.Type+" storage")
		} else if err := checkWritableDir(config.Storage.Path); err != nil {
			problems = append(problems, fmt.Sprintf("storage.path %q is unreachable: %v", config.Storage.Path, err))
		}
	}

	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		problems = append(problems, "logging.file_path is required when output is 'file'")
	}
	if config.Publisher.Enabled && len(config.Publisher.Brokers) == 0 {
		problems = append(problems, "publisher.brokers is required when the publisher is enabled")
	}

	if len(problems) > 0 {
		return &apperrors.ConfigError{Problems: problems}
	}
	return nil
}

// checkWritableDir makes sure the directory holding path exists (creating it
// if needed) and is a directory.
func checkWritableDir(path string) error {
	if path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration populated from struct-tag defaults.
func DefaultConfig() (*AppConfig, error) {
	config := &AppConfig{}
	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return config, nil
}

// ParseList splits a comma separated value, trimming blanks.
func ParseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TimeframeIntervals returns the polling cadence per configured timeframe.
func (c CollectorConfig) TimeframeIntervals() map[string]time.Duration {
	intervals := make(map[string]time.Duration, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		if c.IntervalSeconds > 0 {
			intervals[tf] = time.Duration(c.IntervalSeconds) * time.Second
			continue
		}
		if d, ok := defaultTimeframeIntervals[tf]; ok {
			intervals[tf] = d
			continue
		}
		if d, err := models.ParseTimeframe(tf); err == nil {
			intervals[tf] = d
		}
	}
	return intervals
}

// TickerList returns the symbols to poll tickers for, defaulting to Symbols.
func (c CollectorConfig) TickerList() []string {
	if len(c.TickerSymbols) > 0 {
		return c.TickerSymbols
	}
	return c.Symbols
}

// RetryPolicy converts the storage retry settings.
func (c CollectorConfig) RetryPolicy() apperrors.RetryPolicy {
	policy := apperrors.DefaultStorageRetryPolicy()
	if c.StorageRetry.MaxAttempts > 0 {
		policy.MaxAttempts = c.StorageRetry.MaxAttempts
	}
	if d, err := time.ParseDuration(c.StorageRetry.InitialDelay); err == nil {
		policy.InitialDelay = d
	}
	if d, err := time.ParseDuration(c.StorageRetry.MaxDelay); err == nil {
		policy.MaxDelay = d
	}
	return policy
}

// Duration parses a validated duration string, falling back to def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// String renders the configuration with secrets masked.
func (c *AppConfig) String() string {
	masked := *c
	if masked.Exchange.APIKey != "" {
		masked.Exchange.APIKey = "***"
	}
	if masked.Exchange.APISecret != "" {
		masked.Exchange.APISecret = "***"
	}
	if masked.Cache.Password != "" {
		masked.Cache.Password = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
