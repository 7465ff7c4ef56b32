package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL   string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret     string `env:"JWT_SECRET,required,notEmpty"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	Port          int    `env:"PORT" envDefault:"8080"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv        string `env:"APP_ENV" envDefault:"production"`

	CustodyBaseURL      string        `env:"CUSTODY_BASE_URL" envDefault:"http://mock-custody:8081"`
	CustodyTimeout      time.Duration `env:"CUSTODY_TIMEOUT" envDefault:"10s"`
	CustodyMaxRetries   uint64        `env:"CUSTODY_MAX_RETRIES" envDefault:"3"`
	CustodyWalletSecret string        `env:"CUSTODY_WALLET_SECRET"`

	RedisURL     string   `env:"REDIS_URL"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"escrow-events"`

	SweepInterval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepBatchSize         int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	MinCreditConfirmations int           `env:"MIN_CREDIT_CONFIRMATIONS" envDefault:"1"`
	DefaultEscrowHours     int           `env:"DEFAULT_ESCROW_HOURS" envDefault:"24"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if cfg.MinCreditConfirmations < 0 {
		return nil, fmt.Errorf("config.Load: MIN_CREDIT_CONFIRMATIONS must not be negative")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("config.Load: SWEEP_INTERVAL must be positive, got %s", cfg.SweepInterval)
	}
	if cfg.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("config.Load: SWEEP_BATCH_SIZE must be positive, got %d", cfg.SweepBatchSize)
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
