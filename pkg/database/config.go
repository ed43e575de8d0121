package database

import (
	"errors"
	"net/url"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Supported storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds store configuration for every backend. DatabasePath is used
// by sqlite, DatabaseURL by postgres.
type Config struct {
	Driver          string        `json:"driver"`
	DatabasePath    string        `json:"database_path"`
	DatabaseURL     string        `json:"database_url"`
	MaxConnections  int           `json:"max_connections"`
	MinConnections  int           `json:"min_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	WriteTimeout    time.Duration `json:"write_timeout"`
}

// DefaultConfig returns a sqlite configuration suitable for a single node
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DatabasePath:    "./data/inquirychat.db",
		MaxConnections:  10, // SQLite recommended limit for concurrent access
		MinConnections:  2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteTimeout:    30 * time.Second,
	}
}

// Validate ensures the configuration is usable for its driver
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database url cannot be empty for postgres")
		}
	case DriverMemory:
		return nil
	default:
		return errors.New("database driver must be sqlite, postgres or memory")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		return errors.New("min connections must be between 0 and max connections")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}

// SQLiteDSN builds a go-sqlite3 data source name. Foreign keys, WAL and the
// busy timeout are set through the DSN so every pooled connection gets them.
func SQLiteDSN(path string) string {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_synchronous", "NORMAL")
	return "file:" + path + "?" + params.Encode()
}

// SQLitePragmas are applied once after opening
var SQLitePragmas = []string{
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
}
