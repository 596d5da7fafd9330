package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	BusinessHoursStart int           `mapstructure:"BUSINESS_HOURS_START"`
	BusinessHoursEnd   int           `mapstructure:"BUSINESS_HOURS_END"`
	UrgentKeywords     []string      `mapstructure:"URGENT_KEYWORDS"`
	SlotLockTTL        time.Duration `mapstructure:"SLOT_LOCK_TTL"`
	CatalogCacheTTL    time.Duration `mapstructure:"CATALOG_CACHE_TTL"`
	WSSendBuffer       int           `mapstructure:"WS_SEND_BUFFER"`
	MigrationsDir      string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BUSINESS_HOURS_START", "BUSINESS_HOURS_END", "URGENT_KEYWORDS",
	"SLOT_LOCK_TTL", "CATALOG_CACHE_TTL", "WS_SEND_BUFFER", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BUSINESS_HOURS_START", 9)
	v.SetDefault("BUSINESS_HOURS_END", 17)
	v.SetDefault("URGENT_KEYWORDS", "urgent,emergency")
	v.SetDefault("SLOT_LOCK_TTL", "5s")
	v.SetDefault("CATALOG_CACHE_TTL", "5m")
	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.UrgentKeywords = splitList(cfg.UrgentKeywords, v.GetString("URGENT_KEYWORDS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode; identity is taken from X-User-ID/X-User-Role headers")
	}

	return cfg, nil
}

// splitList normalizes a comma separated env value, trimming blanks.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 0 {
		raw = strings.Join(decoded, ",")
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.BusinessHoursStart < 0 || c.BusinessHoursEnd > 24 || c.BusinessHoursStart >= c.BusinessHoursEnd {
		return fmt.Errorf("business hours must satisfy 0 <= start < end <= 24, got %d-%d",
			c.BusinessHoursStart, c.BusinessHoursEnd)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	return nil
}
