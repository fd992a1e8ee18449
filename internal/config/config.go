// Package config provides centralized configuration management for the gap analyzer.
// Configuration is layered: defaults, then a JSON or YAML file, then CMEGAP_* environment
// variables, and the result is validated as a whole.
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

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CMEGAP_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Analysis      AnalysisConfig      `json:"analysis" yaml:"analysis"`
	Exchange      ExchangeConfig      `json:"exchange" yaml:"exchange"`
	Storage       StorageConfig       `json:"storage" yaml:"storage"`
	Output        OutputConfig        `json:"output" yaml:"output"`
	Watch         WatchConfig         `json:"watch" yaml:"watch"`
	Logging       LoggingConfig       `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `json:"metrics" yaml:"metrics"`
	ErrorHandling ErrorHandlingConfig `json:"error_handling" yaml:"error_handling"`
}

// AnalysisConfig configures the weekly closed window and closure detection
type AnalysisConfig struct {
	CloseDay   string  `json:"close_day" yaml:"close_day"`     // Weekday the futures market closes
	CloseTime  string  `json:"close_time" yaml:"close_time"`   // HH:MM wall clock close time
	ReopenDay  string  `json:"reopen_day" yaml:"reopen_day"`   // Weekday the futures market reopens
	ReopenTime string  `json:"reopen_time" yaml:"reopen_time"` // HH:MM wall clock reopen time
	Timezone   string  `json:"timezone" yaml:"timezone"`       // IANA timezone of the schedule
	LocalTZ    string  `json:"local_tz" yaml:"local_tz"`       // Timezone for gap timestamps and dates; empty uses Timezone
	Tolerance  float64 `json:"tolerance" yaml:"tolerance"`     // Fractional closure tolerance, 0.001 = 0.1%
	ATRPeriod  int     `json:"atr_period" yaml:"atr_period"`   // ATR lookback for gap context, 0 disables
}

// ExchangeConfig configures the price data source
type ExchangeConfig struct {
	Type         string            `json:"type" yaml:"type"`                   // "binance", "coinbase"
	Symbol       string            `json:"symbol" yaml:"symbol"`               // Exchange symbol; empty uses the exchange default
	Interval     string            `json:"interval" yaml:"interval"`           // "1h", "4h", "1d"
	BaseURL      string            `json:"base_url" yaml:"base_url"`           // Override the API base URL
	RateLimit    float64           `json:"rate_limit" yaml:"rate_limit"`       // Requests per second
	Timeout      string            `json:"timeout" yaml:"timeout"`             // HTTP request timeout
	LookbackDays int               `json:"lookback_days" yaml:"lookback_days"` // Default history when no start date is given
	RetryPolicy  RetryPolicyConfig `json:"retry_policy" yaml:"retry_policy"`
}

// StorageConfig configures persistence of bars, gaps and runs
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "duckdb", "sqlite", "postgres", "memory", "none"
	DatabaseURL string `json:"database_url" yaml:"database_url"` // File path or connection string
	MaxConns    int    `json:"max_conns" yaml:"max_conns"`
}

// OutputConfig configures the files produced by an analysis
type OutputConfig struct {
	Dir        string  `json:"dir" yaml:"dir"`
	SaveData   bool    `json:"save_data" yaml:"save_data"`
	Plots      bool    `json:"plots" yaml:"plots"`
	PlotWidth  float64 `json:"plot_width" yaml:"plot_width"`   // inches
	PlotHeight float64 `json:"plot_height" yaml:"plot_height"` // inches
	TableLimit int     `json:"table_limit" yaml:"table_limit"`
}

// WatchConfig configures the recurring analysis scheduler
type WatchConfig struct {
	Cron         string `json:"cron" yaml:"cron"`                   // Standard 5-field cron spec
	RunOnStart   bool   `json:"run_on_start" yaml:"run_on_start"`   // Run once before waiting for the first tick
	LookbackDays int    `json:"lookback_days" yaml:"lookback_days"` // History window for each run
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // Log format: json, text
	Output        string            `json:"output" yaml:"output"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// MetricsConfig configures run metrics collection
type MetricsConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	HistorySize    int      `json:"history_size" yaml:"history_size"` // Data points kept per metric
	EnabledMetrics []string `json:"enabled_metrics" yaml:"enabled_metrics"`
}

// ErrorHandlingConfig configures error handling and retry policies
type ErrorHandlingConfig struct {
	GlobalRetryPolicy RetryPolicyConfig            `json:"global_retry_policy" yaml:"global_retry_policy"`
	ComponentPolicies map[string]RetryPolicyConfig `json:"component_policies" yaml:"component_policies"`
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay    string   `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay        string   `json:"max_delay" yaml:"max_delay"`
	BackoffStrategy string   `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed, exponential, linear
	RetryableErrors []string `json:"retryable_errors" yaml:"retryable_errors"`
	Jitter          bool     `json:"jitter" yaml:"jitter"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
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
		lookupEnv:  os.LookupEnv,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"exchange", config.Exchange.Type,
		"storage_type", config.Storage.Type,
		"timezone", config.Analysis.Timezone)

	return config, nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
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

func (cm *ConfigManager) env(key string) (string, bool) {
	val, ok := cm.lookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

// loadFromEnv applies CMEGAP_* environment overrides
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var problems []string

	setString := func(key string, dst *string) {
		if val, ok := cm.env(key); ok {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val, ok := cm.env(key); ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if val, ok := cm.env(key); ok {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if val, ok := cm.env(key); ok {
			b, err := strconv.ParseBool(val)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	setString("TIMEZONE", &config.Analysis.Timezone)
	setString("LOCAL_TZ", &config.Analysis.LocalTZ)
	setFloat("TOLERANCE", &config.Analysis.Tolerance)
	setInt("ATR_PERIOD", &config.Analysis.ATRPeriod)

	setString("EXCHANGE", &config.Exchange.Type)
	setString("SYMBOL", &config.Exchange.Symbol)
	setString("INTERVAL", &config.Exchange.Interval)
	setString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	setFloat("RATE_LIMIT", &config.Exchange.RateLimit)
	setString("HTTP_TIMEOUT", &config.Exchange.Timeout)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("DATABASE_URL", &config.Storage.DatabaseURL)

	setString("OUTPUT_DIR", &config.Output.Dir)
	setBool("SAVE_DATA", &config.Output.SaveData)
	setBool("PLOTS", &config.Output.Plots)

	setString("WATCH_CRON", &config.Watch.Cron)

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)

	setBool("METRICS_ENABLED", &config.Metrics.Enabled)

	if len(problems) > 0 {
		return fmt.Errorf("invalid environment values:\n- %s", strings.Join(problems, "\n- "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	// Analysis
	if _, err := config.Analysis.Schedule(); err != nil {
		errors = append(errors, fmt.Sprintf("analysis schedule is invalid: %v", err))
	}
	if config.Analysis.LocalTZ != "" {
		if _, err := time.LoadLocation(config.Analysis.LocalTZ); err != nil {
			errors = append(errors, fmt.Sprintf("analysis.local_tz is invalid: %v", err))
		}
	}
	if config.Analysis.Tolerance < 0 || config.Analysis.Tolerance >= 1 {
		errors = append(errors, "analysis.tolerance must be in [0, 1)")
	}
	if config.Analysis.ATRPeriod < 0 {
		errors = append(errors, "analysis.atr_period cannot be negative")
	}

	// Exchange
	validExchanges := map[string]bool{"binance": true, "coinbase": true}
	if !validExchanges[config.Exchange.Type] {
		errors = append(errors, "exchange.type must be one of: binance, coinbase")
	}
	validIntervals := map[string]bool{"1h": true, "4h": true, "1d": true}
	if !validIntervals[config.Exchange.Interval] {
		errors = append(errors, "exchange.interval must be one of: 1h, 4h, 1d")
	}
	if config.Exchange.RateLimit <= 0 {
		errors = append(errors, "exchange.rate_limit must be greater than 0")
	}
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errors = append(errors, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}
	if config.Exchange.LookbackDays <= 0 {
		errors = append(errors, "exchange.lookback_days must be greater than 0")
	}

	// Storage
	validStorage := map[string]bool{"duckdb": true, "sqlite": true, "postgres": true, "memory": true, "none": true}
	if !validStorage[config.Storage.Type] {
		errors = append(errors, "storage.type must be one of: duckdb, sqlite, postgres, memory, none")
	}
	switch config.Storage.Type {
	case "duckdb", "sqlite", "postgres":
		if config.Storage.DatabaseURL == "" {
			errors = append(errors, fmt.Sprintf("storage.database_url is required for %s storage", config.Storage.Type))
		}
	}

	// Output
	if config.Output.Dir == "" {
		errors = append(errors, "output.dir is required")
	}
	if config.Output.Plots && (config.Output.PlotWidth <= 0 || config.Output.PlotHeight <= 0) {
		errors = append(errors, "output.plot_width and output.plot_height must be greater than 0")
	}

	// Watch
	if _, err := cron.ParseStandard(config.Watch.Cron); err != nil {
		errors = append(errors, fmt.Sprintf("watch.cron is not a valid cron spec: %v", err))
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when logging.output is file")
	}

	// Error handling
	if config.ErrorHandling.GlobalRetryPolicy.MaxAttempts <= 0 {
		errors = append(errors, "error_handling.global_retry_policy.max_attempts must be greater than 0")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cm.config)
	default:
		data, err = json.MarshalIndent(cm.config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "cme-gap-analyzer",
		Version: "1.0.0",
		Analysis: AnalysisConfig{
			CloseDay:   "friday",
			CloseTime:  "16:00",
			ReopenDay:  "sunday",
			ReopenTime: "17:00",
			Timezone:   "America/Chicago",
			Tolerance:  0,
			ATRPeriod:  14,
		},
		Exchange: ExchangeConfig{
			Type:         "binance",
			Interval:     "1h",
			RateLimit:    10,
			Timeout:      "30s",
			LookbackDays: 3 * 365,
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:     4,
				InitialDelay:    "500ms",
				MaxDelay:        "30s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "rate_limit", "server_error"},
				Jitter:          true,
			},
		},
		Storage: StorageConfig{
			Type:        "none",
			DatabaseURL: "./data/cmegap.db",
			MaxConns:    4,
		},
		Output: OutputConfig{
			Dir:        "output",
			SaveData:   false,
			Plots:      true,
			PlotWidth:  12,
			PlotHeight: 6,
			TableLimit: 20,
		},
		Watch: WatchConfig{
			Cron:         "5 0 * * 1",
			RunOnStart:   true,
			LookbackDays: 90,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "cme-gap-analyzer",
			},
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			HistorySize:    100,
			EnabledMetrics: []string{
				"exchange_requests_total", "exchange_request_duration_ms", "exchange_errors_total",
				"bars_fetched_total", "bars_analyzed_total", "gaps_detected_total", "gaps_closed_total",
				"open_gaps", "stage_duration_ms", "analysis_runs_total", "analysis_failures_total",
			},
		},
		ErrorHandling: ErrorHandlingConfig{
			GlobalRetryPolicy: RetryPolicyConfig{
				MaxAttempts:     3,
				InitialDelay:    "1s",
				MaxDelay:        "60s",
				BackoffStrategy: "exponential",
				RetryableErrors: []string{"timeout", "network", "temporary"},
				Jitter:          true,
			},
			ComponentPolicies: map[string]RetryPolicyConfig{},
		},
	}
}

// Schedule builds the market schedule described by the analysis section.
func (a AnalysisConfig) Schedule() (models.MarketSchedule, error) {
	return models.NewMarketSchedule(a.CloseDay, a.CloseTime, a.ReopenDay, a.ReopenTime, a.Timezone)
}

// Location resolves the timezone gaps are reported in.
func (a AnalysisConfig) Location() (*time.Location, error) {
	if a.LocalTZ != "" {
		return time.LoadLocation(a.LocalTZ)
	}
	return time.LoadLocation(a.Timezone)
}

// HTTPTimeout parses the exchange timeout, falling back to 30s.
func (e ExchangeConfig) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// String returns the configuration as indented JSON
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
