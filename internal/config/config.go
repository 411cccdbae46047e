// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"development"`
	Addr   string `env:"ADDR" envDefault:":8080"`

	// PostgresDSN selects the durable store. Empty falls back to the
	// in-memory store (development only; state dies with the process).
	PostgresDSN string `env:"POSTGRES_DSN"`

	// RedisAddr, when set, moves session window state to Redis so
	// several dispatcher processes share one view of the budget.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// WorkerBaseURL is the external generation worker endpoint.
	WorkerBaseURL string `env:"WORKER_BASE_URL" envDefault:"http://localhost:9090"`
	WorkerAPIKey  string `env:"WORKER_API_KEY"`

	// StreamAPIKeys are the accepted stream credentials, comma separated.
	StreamAPIKeys []string `env:"STREAM_API_KEYS"`

	DispatchConcurrency int           `env:"DISPATCH_CONCURRENCY" envDefault:"2"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	StatsInterval       time.Duration `env:"STATS_INTERVAL" envDefault:"10s"`
	ClaimRatePerSecond  float64       `env:"CLAIM_RATE_PER_SECOND" envDefault:"5"`
	ClaimBurst          int           `env:"CLAIM_BURST" envDefault:"5"`

	SessionMaxRequests int           `env:"SESSION_MAX_REQUESTS" envDefault:"50"`
	SessionWindow      time.Duration `env:"SESSION_WINDOW" envDefault:"5h"`

	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100"`
	MaxStreamLifetime time.Duration `env:"MAX_STREAM_LIFETIME" envDefault:"1h"`

	// RequeueResetAttempts makes operator requeues zero the attempt
	// counter instead of preserving it for audit.
	RequeueResetAttempts bool `env:"REQUEUE_RESET_ATTEMPTS" envDefault:"false"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load parses configuration from the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	return c, nil
}
