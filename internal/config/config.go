package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Query    QueryConfig    `mapstructure:"query"`
	Auth     AuthConfig     `mapstructure:"auth"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// SessionsConfig tunes the websocket channels.
// A zero DeviceIdleTimeout disables the idle check.
type SessionsConfig struct {
	DeviceIdleTimeout time.Duration `mapstructure:"device_idle_timeout"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	DashboardBuffer   int           `mapstructure:"dashboard_buffer"`
	DeviceBuffer      int           `mapstructure:"device_buffer"`
}

type QueryConfig struct {
	LatestReadingsLimit int `mapstructure:"latest_readings_limit"`
	MaxReadingsLimit    int `mapstructure:"max_readings_limit"`
}

type AuthConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	JWTSecretEnv   string        `mapstructure:"jwt_secret_env"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	devSecret = "dev-secret-change-in-production-min-32-chars"
)

// Load reads the YAML file at path (optional when empty or missing) and
// applies FIELDSENSE_* environment overrides, e.g. FIELDSENSE_SERVER_HTTP_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FIELDSENSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "fieldsense")
	v.SetDefault("database.user", "fieldsense")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("sessions.device_idle_timeout", "120s")
	v.SetDefault("sessions.write_wait", "10s")
	v.SetDefault("sessions.ping_period", "54s")
	v.SetDefault("sessions.max_message_size", 8192)
	v.SetDefault("sessions.dashboard_buffer", 256)
	v.SetDefault("sessions.device_buffer", 32)

	v.SetDefault("query.latest_readings_limit", 10)
	v.SetDefault("query.max_readings_limit", 100)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("log.development", false)
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Sessions.DeviceIdleTimeout < 0 {
		return fmt.Errorf("sessions.device_idle_timeout must not be negative")
	}
	if c.Sessions.DashboardBuffer < 1 || c.Sessions.DeviceBuffer < 1 {
		return fmt.Errorf("session buffers must be at least 1")
	}
	if c.Sessions.PingPeriod <= 0 || c.Sessions.WriteWait <= 0 {
		return fmt.Errorf("sessions.ping_period and sessions.write_wait must be positive")
	}
	if c.Query.LatestReadingsLimit < 1 {
		return fmt.Errorf("query.latest_readings_limit must be at least 1")
	}
	if c.Query.MaxReadingsLimit < c.Query.LatestReadingsLimit {
		return fmt.Errorf("query.max_readings_limit must be >= query.latest_readings_limit")
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment variable.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return devSecret
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != devSecret && len(secret) >= 32
}
