package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	DBFile      string        `env:"CHATIO_DB"    envDefault:"chatio.db"`
	AdminAddr   string        `env:"ADMIN_ADDR"   envDefault:"localhost:8081"`
	APIAddr     string        `env:"API_ADDR"     envDefault:":8080"`
	BaseURL     string        `env:"BASE_URL"     envDefault:"http://localhost:8080"`
	AuthSecret  string        `env:"AUTH_SECRET"`
	TokenExpiry time.Duration `env:"TOKEN_EXPIRY" envDefault:"24h"`

	// RedisAddr enables multi-node mode: presence counts and deliveries are
	// shared through Redis.
	RedisAddr   string `env:"REDIS_ADDR"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"chatio:"`
	// PresenceTTL bounds how long a crashed node keeps its users online.
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"30s"`

	ValidateJoin  bool       `env:"VALIDATE_JOIN"  envDefault:"true"`
	AllowedOrigin string     `env:"ALLOWED_ORIGIN"`
	SendBuffer    int        `env:"SEND_BUFFER"    envDefault:"100"`
	LogLevel      slog.Level `env:"LOG_LEVEL"      envDefault:"info"`
}

// Load reads the configuration from the environment. cliMode relaxes the
// checks that only matter to a running server.
func Load(cliMode bool) (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.PresenceTTL <= 0 {
		return fmt.Errorf("PRESENCE_TTL must be greater than 0")
	}

	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be greater than 0")
	}

	return nil
}
