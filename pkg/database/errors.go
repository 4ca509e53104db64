package database

import "errors"

// Store configuration errors
var (
	ErrInvalidDatabasePath      = errors.New("invalid database path")
	ErrInvalidMaxConnections    = errors.New("invalid max connections")
	ErrInvalidConnectionTimeout = errors.New("invalid connection timeout")
	ErrInvalidRetention         = errors.New("invalid retention period")
	ErrInvalidSynchronousMode   = errors.New("invalid synchronous mode")
)

// Store operation errors
var (
	ErrStoreClosed = errors.New("stats store closed")
	ErrNilExport   = errors.New("stats export is nil")
)

// Migration errors
var (
	ErrMigrationNotFound = errors.New("migration not found")
	ErrChecksumMismatch  = errors.New("migration checksum mismatch")
)
