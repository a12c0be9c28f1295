package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// devSigningKey is only ever used when ENV=development and no key is set.
const devSigningKey = "development-only-signing-key"

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	RedisChannel      string        `mapstructure:"REDIS_CHANNEL"`
	JWTSigningKey     string        `mapstructure:"JWT_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	TypingTimeout     time.Duration `mapstructure:"TYPING_TIMEOUT"`
	WSSendBuffer      int           `mapstructure:"WS_SEND_BUFFER"`
	WSEventsPerSecond float64       `mapstructure:"WS_EVENTS_PER_SECOND"`
	WSEventBurst      int           `mapstructure:"WS_EVENT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_CHANNEL", "chat.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("TYPING_TIMEOUT", "3s")
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_EVENTS_PER_SECOND", 20)
	v.SetDefault("WS_EVENT_BURST", 40)

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "REDIS_CHANNEL", "JWT_SIGNING_KEY", "AUTH_ISSUER",
		"AUTH_AUDIENCE", "AUTH_JWKS_URL", "CORS_ORIGINS", "RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST", "TYPING_TIMEOUT", "WS_SEND_BUFFER",
		"WS_EVENTS_PER_SECOND", "WS_EVENT_BURST",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.JWTSigningKey == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: ENV=development and no JWT_SIGNING_KEY set; using the built-in development key.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		cfg.JWTSigningKey = devSigningKey
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// token verification source (HMAC signing key or JWKS URL) is mandatory, and the
// built-in development key is refused.
func (c *Config) Validate() error {
	if c.JWTSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("one of JWT_SIGNING_KEY or AUTH_JWKS_URL must be set")
	}
	if !c.IsDev() && c.JWTSigningKey == devSigningKey {
		return fmt.Errorf("the development signing key cannot be used with ENV=%q", c.Env)
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be positive, got %s", c.TypingTimeout)
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WSSendBuffer)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
