package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"inquirychat/internal/auth"
	"inquirychat/internal/router"
	"inquirychat/internal/websocket"
	dbconfig "inquirychat/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. INQUIRYCHAT_HTTP_PORT
const EnvPrefix = "INQUIRYCHAT"

// Config is the full runtime configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Router    RouterConfig    `mapstructure:"router"`
	Log       LogConfig       `mapstructure:"log"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RouterConfig struct {
	MessagesPerMinute int           `mapstructure:"messages_per_minute"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Env "development" switches to human readable console output
	Env string `mapstructure:"env"`
}

// setDefaults registers every key so that environment overrides are seen
// by Unmarshal even when no config file mentions them
func setDefaults(v *viper.Viper) {
	db := dbconfig.DefaultConfig()
	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.path", db.DatabasePath)
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_connections", db.MaxConnections)
	v.SetDefault("database.min_connections", db.MinConnections)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", db.ConnMaxIdleTime)
	v.SetDefault("database.write_timeout", db.WriteTimeout)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("http.cors_origins", []string{})

	ws := websocket.DefaultHandlerConfig()
	v.SetDefault("websocket.ping_interval", ws.PingInterval)
	v.SetDefault("websocket.pong_wait", ws.PongWait)
	v.SetDefault("websocket.write_timeout", ws.WriteTimeout)
	v.SetDefault("websocket.max_message_size", ws.MaxMessageSize)
	v.SetDefault("websocket.read_buffer_size", ws.ReadBufferSize)
	v.SetDefault("websocket.write_buffer_size", ws.WriteBufferSize)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "inquirychat")
	v.SetDefault("auth.token_ttl", auth.DefaultTokenTTL)

	rt := router.DefaultConfig()
	v.SetDefault("router.messages_per_minute", rt.MessagesPerMinute)
	v.SetDefault("router.persist_timeout", rt.PersistTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.env", "production")
}

// Load builds the configuration from defaults, then the config file, then
// the environment. configFile may be empty, in which case INQUIRYCHAT_CONFIG
// is consulted; with neither set only defaults and environment apply.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A comma separated env value arrives as a single element
	if len(cfg.HTTP.CORSOrigins) == 1 && strings.Contains(cfg.HTTP.CORSOrigins[0], ",") {
		cfg.HTTP.CORSOrigins = strings.Split(cfg.HTTP.CORSOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if err := c.DatabaseConfig().Validate(); err != nil {
		return err
	}

	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return errors.New("WebSocket pong wait must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}
	if c.WebSocket.ReadBufferSize <= 0 || c.WebSocket.WriteBufferSize <= 0 {
		return errors.New("WebSocket buffer sizes must be positive")
	}

	if len(c.Auth.Secret) < 32 {
		return errors.New("auth secret must be at least 32 bytes")
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth token ttl must be positive")
	}

	if c.Router.MessagesPerMinute < 0 {
		return errors.New("router messages per minute cannot be negative")
	}
	if c.Router.PersistTimeout <= 0 {
		return errors.New("router persist timeout must be positive")
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}

// Address returns the HTTP listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// DatabaseConfig converts the database section for the store layer
func (c *Config) DatabaseConfig() *dbconfig.Config {
	return &dbconfig.Config{
		Driver:          c.Database.Driver,
		DatabasePath:    c.Database.Path,
		DatabaseURL:     c.Database.URL,
		MaxConnections:  c.Database.MaxConnections,
		MinConnections:  c.Database.MinConnections,
		ConnMaxLifetime: c.Database.ConnMaxLifetime,
		ConnMaxIdleTime: c.Database.ConnMaxIdleTime,
		WriteTimeout:    c.Database.WriteTimeout,
	}
}

func (c *Config) HandlerConfig() websocket.HandlerConfig {
	return websocket.HandlerConfig{
		PingInterval:    c.WebSocket.PingInterval,
		PongWait:        c.WebSocket.PongWait,
		WriteTimeout:    c.WebSocket.WriteTimeout,
		MaxMessageSize:  c.WebSocket.MaxMessageSize,
		ReadBufferSize:  c.WebSocket.ReadBufferSize,
		WriteBufferSize: c.WebSocket.WriteBufferSize,
		AllowedOrigins:  c.HTTP.CORSOrigins,
	}
}

func (c *Config) JWTConfig() auth.JWTConfig {
	return auth.JWTConfig{
		Secret: []byte(c.Auth.Secret),
		Issuer: c.Auth.Issuer,
		TTL:    c.Auth.TokenTTL,
	}
}

func (c *Config) RouterConfig() router.Config {
	return router.Config{
		MessagesPerMinute: c.Router.MessagesPerMinute,
		PersistTimeout:    c.Router.PersistTimeout,
	}
}

// NewLogger builds the process logger. Development mode writes console
// output; otherwise JSON lines go to out.
func (c *Config) NewLogger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Log.Env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
