package config

import (
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the control plane.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	KillSwitch  KillSwitchConfig  `mapstructure:"killswitch"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type IdempotencyConfig struct {
	TTLHours               int `mapstructure:"ttl_hours"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
	CleanupRetentionHours  int `mapstructure:"cleanup_retention_hours"`
}

type KillSwitchConfig struct {
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// Load reads configuration from config.yaml (if present) and the environment.
// Environment variables use the TRADEGUARD_ prefix, e.g. TRADEGUARD_SERVER_PORT.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	viper.SetEnvPrefix("tradeguard")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("auth.jwt_secret", "tradeguard-secret-key")
	viper.SetDefault("database.dsn", "tradeguard.db")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("idempotency.ttl_hours", 24)
	viper.SetDefault("idempotency.cleanup_interval_minutes", 60)
	viper.SetDefault("idempotency.cleanup_retention_hours", 72)
	viper.SetDefault("killswitch.cache_ttl_seconds", 30)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msg("no config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
