package database

import (
	"fmt"
	"time"
)

// StoreConfig holds configuration for the SQLite stats store
type StoreConfig struct {
	DatabasePath      string        `json:"database_path" yaml:"database_path"`
	MaxConnections    int           `json:"max_connections" yaml:"max_connections"`
	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`

	// How long exported events and export runs are kept
	Retention time.Duration `json:"retention" yaml:"retention"`

	WALMode         bool   `json:"wal_mode" yaml:"wal_mode"`
	SynchronousMode string `json:"synchronous_mode" yaml:"synchronous_mode"`
	BusyTimeout     time.Duration
}

// DefaultStoreConfig returns a configuration with sensible defaults
func DefaultStoreConfig(path string) *StoreConfig {
	return &StoreConfig{
		DatabasePath:      path,
		MaxConnections:    1,
		ConnectionTimeout: 10 * time.Second,
		Retention:         7 * 24 * time.Hour,
		WALMode:           true,
		SynchronousMode:   "NORMAL",
		BusyTimeout:       5 * time.Second,
	}
}

// Validate validates the store configuration
func (c *StoreConfig) Validate() error {
	if c.DatabasePath == "" {
		return ErrInvalidDatabasePath
	}
	if c.MaxConnections <= 0 {
		return ErrInvalidMaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		return ErrInvalidConnectionTimeout
	}
	if c.Retention <= 0 {
		return ErrInvalidRetention
	}
	if c.SynchronousMode != "OFF" && c.SynchronousMode != "NORMAL" && c.SynchronousMode != "FULL" {
		return ErrInvalidSynchronousMode
	}
	return nil
}

// dsn builds the go-sqlite3 connection string
func (c *StoreConfig) dsn() string {
	dsn := "file:" + c.DatabasePath + "?"
	if c.WALMode {
		dsn += "_journal_mode=WAL&"
	}
	dsn += fmt.Sprintf("_synchronous=%s&", c.SynchronousMode)
	if c.BusyTimeout > 0 {
		dsn += fmt.Sprintf("_busy_timeout=%d&", c.BusyTimeout.Milliseconds())
	}
	dsn += "_foreign_keys=1"
	return dsn
}
