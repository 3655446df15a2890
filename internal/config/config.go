package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Wallet   WalletConfig
	Session  SessionConfig
	Sweeper  SweeperConfig
}

type ServerConfig struct {
	Environment     string        `env:"APP_ENV" envDefault:"development"`
	Port            string        `env:"APP_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Security
	JWTSecret      string   `env:"JWT_SECRET" envDefault:"change-me-in-production"` // must match defaultJWTSecret
	WebhookSecret  string   `env:"WEBHOOK_SECRET"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173,http://127.0.0.1:5173"`
}

type DatabaseConfig struct {
	URL            string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/stakeplay?sslmode=disable"`
	MaxOpenConns   int    `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns   int    `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"false"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
}

type WalletConfig struct {
	SettlementCurrency string `env:"SETTLEMENT_CURRENCY" envDefault:"USD"`
	// FXRates is a comma separated list of CODE:rate pairs; rate is the number of
	// settlement-currency units one unit of CODE is worth.
	FXRates            string `env:"FX_RATES" envDefault:"USD:1"`
	MinDepositAmount   string `env:"MIN_DEPOSIT_AMOUNT" envDefault:"1"`
	MinWithdrawAmount  string `env:"MIN_WITHDRAW_AMOUNT" envDefault:"5"`
	WithdrawDailyLimit int    `env:"WITHDRAW_DAILY_LIMIT" envDefault:"3"`
}

type SessionConfig struct {
	StateTTL    time.Duration `env:"SESSION_STATE_TTL" envDefault:"1h"`
	Expiry      time.Duration `env:"SESSION_EXPIRY" envDefault:"30m"`
	TurnTimeout time.Duration `env:"TURN_TIMEOUT" envDefault:"2m"`
}

type SweeperConfig struct {
	Interval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	LockTTL    time.Duration `env:"SWEEP_LOCK_TTL" envDefault:"10s"`
	InstanceID string        `env:"INSTANCE_ID"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Server.IsProduction() {
		if cfg.Server.WebhookSecret == "" {
			return nil, fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if cfg.Server.JWTSecret == defaultJWTSecret {
			return nil, fmt.Errorf("JWT_SECRET must be set in production")
		}
	}
	if _, err := cfg.Wallet.Rates(); err != nil {
		return nil, err
	}
	if _, err := decimal.NewFromString(cfg.Wallet.MinDepositAmount); err != nil {
		return nil, fmt.Errorf("invalid MIN_DEPOSIT_AMOUNT: %w", err)
	}
	if _, err := decimal.NewFromString(cfg.Wallet.MinWithdrawAmount); err != nil {
		return nil, fmt.Errorf("invalid MIN_WITHDRAW_AMOUNT: %w", err)
	}
	return cfg, nil
}

func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// Rates parses FXRates. The settlement currency always converts at 1.
func (c WalletConfig) Rates() (map[string]decimal.Decimal, error) {
	rates := map[string]decimal.Decimal{
		strings.ToUpper(c.SettlementCurrency): decimal.NewFromInt(1),
	}
	for _, pair := range strings.Split(c.FXRates, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		code, raw, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid FX_RATES entry %q", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil || !rate.IsPositive() {
			return nil, fmt.Errorf("invalid FX_RATES rate for %s", code)
		}
		rates[strings.ToUpper(strings.TrimSpace(code))] = rate
	}
	return rates, nil
}

func (c WalletConfig) MinDeposit() decimal.Decimal {
	return decimal.RequireFromString(c.MinDepositAmount)
}

func (c WalletConfig) MinWithdraw() decimal.Decimal {
	return decimal.RequireFromString(c.MinWithdrawAmount)
}
