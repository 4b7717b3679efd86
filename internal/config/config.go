package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "imagegate.db"
	defaultMaxConcurrent   = 2
	defaultMaxQueue        = 20
	defaultRequestTimeout  = 120 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultMinFreeDiskMB   = 500
	defaultDiskPath        = "/"
	defaultMaxImageMB      = 50
	defaultMaxImagePixels  = 100_000_000
	defaultMetricsSamples  = 1000
)

// Environment variable names.
const (
	envConfigFile      = "IMAGEGATE_CONFIG"
	envListenAddr      = "IMAGEGATE_LISTEN_ADDR"
	envDBPath          = "IMAGEGATE_DB_PATH"
	envLogLevel        = "IMAGEGATE_LOG_LEVEL"
	envMaxConcurrent   = "IMAGEGATE_MAX_CONCURRENT"
	envMaxQueue        = "IMAGEGATE_MAX_QUEUE"
	envRequestTimeout  = "IMAGEGATE_REQUEST_TIMEOUT_S"
	envShutdownTimeout = "IMAGEGATE_SHUTDOWN_TIMEOUT_S"
	envMinFreeDiskMB   = "IMAGEGATE_MIN_DISK_MB"
	envDiskPath        = "IMAGEGATE_DISK_PATH"
	envMaxImageMB      = "IMAGEGATE_MAX_IMAGE_MB"
	envMaxImagePixels  = "IMAGEGATE_MAX_IMAGE_PIXELS"
	envPoolWorkers     = "IMAGEGATE_POOL_WORKERS"
	envRateLimitRPS    = "IMAGEGATE_RATE_LIMIT_RPS"
	envRateLimitBurst  = "IMAGEGATE_RATE_LIMIT_BURST"
	envRedisAddr       = "IMAGEGATE_REDIS_ADDR"
	envRedisPrefix     = "IMAGEGATE_REDIS_PREFIX"
	envReclaimMemory   = "IMAGEGATE_RECLAIM_MEMORY"
	envMetricsSamples  = "IMAGEGATE_METRICS_SAMPLES"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by IMAGEGATE_CONFIG, then environment variables,
// each layer overriding the previous one.
type Config struct {
	ListenAddr   string     `yaml:"listen_addr"`
	DBPath       string     `yaml:"db_path"`
	LogLevel     slog.Level `yaml:"-"`
	LogLevelName string     `yaml:"log_level"`

	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxQueue         int           `yaml:"max_queue"`
	RequestTimeout   time.Duration `yaml:"-"`
	ShutdownTimeout  time.Duration `yaml:"-"`
	RequestTimeoutS  int           `yaml:"request_timeout_s"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"`

	MinFreeDiskMB  int    `yaml:"min_disk_mb"`
	DiskPath       string `yaml:"disk_path"`
	MaxImageMB     int    `yaml:"max_image_mb"`
	MaxImagePixels int64  `yaml:"max_image_pixels"`
	PoolWorkers    int    `yaml:"pool_workers"`
	ReclaimMemory  bool   `yaml:"reclaim_memory"`
	MetricsSamples int    `yaml:"metrics_samples"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// Load reads configuration with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       defaultListenAddr,
		DBPath:           defaultDBPath,
		LogLevel:         slog.LevelInfo,
		MaxConcurrent:    defaultMaxConcurrent,
		MaxQueue:         defaultMaxQueue,
		RequestTimeoutS:  int(defaultRequestTimeout.Seconds()),
		ShutdownTimeoutS: int(defaultShutdownTimeout.Seconds()),
		MinFreeDiskMB:    defaultMinFreeDiskMB,
		DiskPath:         defaultDiskPath,
		MaxImageMB:       defaultMaxImageMB,
		MaxImagePixels:   defaultMaxImagePixels,
		PoolWorkers:      runtime.NumCPU(),
		MetricsSamples:   defaultMetricsSamples,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutS) * time.Second
	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutS) * time.Second
	if cfg.LogLevelName != "" {
		cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, envListenAddr)
	setString(&cfg.DBPath, envDBPath)
	setString(&cfg.LogLevelName, envLogLevel)
	setInt(&cfg.MaxConcurrent, envMaxConcurrent)
	setInt(&cfg.MaxQueue, envMaxQueue)
	setInt(&cfg.RequestTimeoutS, envRequestTimeout)
	setInt(&cfg.ShutdownTimeoutS, envShutdownTimeout)
	setInt(&cfg.MinFreeDiskMB, envMinFreeDiskMB)
	setString(&cfg.DiskPath, envDiskPath)
	setInt(&cfg.MaxImageMB, envMaxImageMB)
	setInt64(&cfg.MaxImagePixels, envMaxImagePixels)
	setInt(&cfg.PoolWorkers, envPoolWorkers)
	setFloat(&cfg.RateLimitRPS, envRateLimitRPS)
	setInt(&cfg.RateLimitBurst, envRateLimitBurst)
	setString(&cfg.RedisAddr, envRedisAddr)
	setString(&cfg.RedisPrefix, envRedisPrefix)
	setBool(&cfg.ReclaimMemory, envReclaimMemory)
	setInt(&cfg.MetricsSamples, envMetricsSamples)
}

// MaxImageBytes returns the upload size cap in bytes.
func (c Config) MaxImageBytes() int64 {
	return int64(c.MaxImageMB) << 20
}

// MinFreeDiskBytes returns the disk guard threshold in bytes.
func (c Config) MinFreeDiskBytes() uint64 {
	return uint64(c.MinFreeDiskMB) << 20
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
