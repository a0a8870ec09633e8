// Package config loads process configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Queue backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is shared by the server and the worker binaries.
type Config struct {
	Port     int    `env:"PORT" envDefault:"3000"`
	HTTPAddr string `env:"HTTP_ADDR"` // wins over PORT when set

	RedisHost     string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisTLS      bool   `env:"REDIS_TLS" envDefault:"false"`

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"redis"`

	BoardUser         string        `env:"BOARD_USER" envDefault:"bull"`
	BoardPassword     string        `env:"BOARD_PASSWORD" envDefault:"board"`
	BoardPasswordHash string        `env:"BOARD_PASSWORD_HASH"` // bcrypt; wins over BOARD_PASSWORD
	SessionSecret     string        `env:"SESSION_SECRET"`      // random per process when empty
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	JobStorePath      string        `env:"JOBSTORE_PATH"` // memory backend only; empty keeps job logs in memory
	JobRetention      time.Duration `env:"JOB_RETENTION" envDefault:"24h"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	ReadyTimeout      time.Duration `env:"READY_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Log       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"true"`

	// Worker binary only.
	WorkerQueues   []string `env:"WORKER_QUEUES" envSeparator:"," envDefault:"ExampleBullMQ"`
	WorkerGRPCPort int      `env:"WORKER_GRPC_PORT" envDefault:"50051"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env.Parse cannot.
func (c Config) Validate() error {
	switch c.QueueBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.QueueBackend)
	}
	if c.HTTPAddr == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.RedisPort <= 0 || c.RedisPort > 65535 {
		return fmt.Errorf("REDIS_PORT %d out of range", c.RedisPort)
	}
	if strings.TrimSpace(c.BoardUser) == "" {
		return fmt.Errorf("BOARD_USER is required")
	}
	if c.BoardPassword == "" && c.BoardPasswordHash == "" {
		return fmt.Errorf("BOARD_PASSWORD or BOARD_PASSWORD_HASH is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	if strings.TrimSpace(c.HTTPAddr) != "" {
		return c.HTTPAddr
	}
	return ":" + strconv.Itoa(c.Port)
}

// RedisAddr is host:port of the Redis server.
func (c Config) RedisAddr() string {
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}

// RedisOpt builds the asynq connection options.
func (c Config) RedisOpt() asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{
		Addr:     c.RedisAddr(),
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
	if c.RedisTLS {
		opt.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: c.RedisHost,
		}
	}
	return opt
}

// RedisOptions builds go-redis options for the same server as RedisOpt.
func (c Config) RedisOptions() *redis.Options {
	opt := c.RedisOpt()
	return &redis.Options{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}
}

// LogLevel maps LOG_LEVEL to a slog level.
func (c Config) LogLevel() slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(c.Log)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		// Allow numeric levels for easy tweaking (-4 debug, 0 info, 4 warn, 8 error).
		if n, err := strconv.Atoi(c.Log); err == nil {
			return slog.Level(n)
		}
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel()}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
