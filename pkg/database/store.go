package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/latoulicious/voiceguard/pkg/voice"
	_ "github.com/mattn/go-sqlite3"
)

// GuildSnapshot is the last exported view of one guild
type GuildSnapshot struct {
	GuildID               string         `json:"guild_id"`
	State                 string         `json:"state"`
	ChannelID             string         `json:"channel_id,omitempty"`
	Region                string         `json:"region,omitempty"`
	FailureCount          int            `json:"failure_count"`
	RetryAttempt          int            `json:"retry_attempt"`
	CircuitOpenUntil      *time.Time     `json:"circuit_open_until,omitempty"`
	LatencyMillis         *int64         `json:"latency_ms,omitempty"`
	TotalConnections      int            `json:"total_connections"`
	SuccessfulConnections int            `json:"successful_connections"`
	FailedConnections     int            `json:"failed_connections"`
	Disconnections        int            `json:"disconnections"`
	Reconnections         int            `json:"reconnections"`
	SuccessRate           float64        `json:"success_rate"`
	ErrorsByClass         map[string]int `json:"errors_by_class"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// EventRecord is a persisted connection event
type EventRecord struct {
	ID            int64     `json:"id"`
	GuildID       string    `json:"guild_id"`
	ChannelID     string    `json:"channel_id,omitempty"`
	EventType     string    `json:"event_type"`
	OldState      string    `json:"old_state"`
	NewState      string    `json:"new_state"`
	Error         string    `json:"error,omitempty"`
	LatencyMillis *int64    `json:"latency_ms,omitempty"`
	Region        string    `json:"region,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// WriteResult describes what one export added to the store
type WriteResult struct {
	Guilds         int
	EventsInserted int64
}

// StatsStore persists voice stats exports to SQLite. It implements voice.StatsSink.
type StatsStore struct {
	config   *StoreConfig
	db       *sql.DB
	migrator *migrator
	logger   voice.Logger

	mu         sync.RWMutex
	closed     bool
	lastResult WriteResult
}

// NewStatsStore opens the database at path with default settings and migrates it
func NewStatsStore(ctx context.Context, path string, logger voice.Logger) (*StatsStore, error) {
	return NewStatsStoreWithConfig(ctx, DefaultStoreConfig(path), logger)
}

// NewStatsStoreWithConfig opens and migrates the database described by config
func NewStatsStoreWithConfig(ctx context.Context, config *StoreConfig, logger voice.Logger) (*StatsStore, error) {
	if config == nil {
		return nil, ErrInvalidDatabasePath
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}
	if logger == nil {
		logger = voice.NullLogger()
	}

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &StatsStore{
		config:   config,
		db:       db,
		migrator: newMigrator(db),
		logger:   logger.With(voice.String("component", "stats_store")),
	}

	applied, err := store.migrator.migrate(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store.logger.Info("Stats store ready",
		voice.String("path", config.DatabasePath),
		voice.Int("migrations_applied", applied),
		voice.Int("schema_version", store.migrator.latestVersion()))
	return store, nil
}

// WriteStats upserts every guild snapshot and appends events not already stored
func (s *StatsStore) WriteStats(ctx context.Context, export *voice.StatsExport) error {
	if export == nil {
		return ErrNilExport
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	generatedAt := export.GeneratedAt.UTC()
	if export.GeneratedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	var inserted int64
	for _, guild := range export.Guilds {
		if err := upsertSnapshot(ctx, tx, guild, generatedAt); err != nil {
			return err
		}
		for _, event := range guild.RecentEvents {
			n, err := insertEvent(ctx, tx, event)
			if err != nil {
				return err
			}
			inserted += n
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO export_runs (generated_at, environment, guild_count, event_count)
		VALUES (?, ?, ?, ?)
	`, generatedAt, export.Environment.String(), len(export.Guilds), inserted)
	if err != nil {
		return fmt.Errorf("failed to record export run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats export: %w", err)
	}

	s.lastResult = WriteResult{Guilds: len(export.Guilds), EventsInserted: inserted}
	s.logger.Debug("Stats export persisted",
		voice.Int("guilds", len(export.Guilds)),
		voice.Int64("events_inserted", inserted))
	return nil
}

func upsertSnapshot(ctx context.Context, tx *sql.Tx, guild voice.GuildStats, at time.Time) error {
	conn := guild.Connection
	summary := guild.Summary

	errorsByClass, err := json.Marshal(summary.ErrorsByClass)
	if err != nil {
		return fmt.Errorf("failed to encode error classes for guild %s: %w", conn.GuildID, err)
	}

	var openUntil sql.NullTime
	if conn.CircuitOpenUntil != nil {
		openUntil = sql.NullTime{Time: conn.CircuitOpenUntil.UTC(), Valid: true}
	}
	var latency sql.NullInt64
	if conn.LatencyMillis != nil {
		latency = sql.NullInt64{Int64: *conn.LatencyMillis, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO guild_snapshots (
			guild_id, state, channel_id, region, failure_count, retry_attempt,
			circuit_open_until, latency_ms, total_connections, successful_connections,
			failed_connections, disconnections, reconnections, success_rate,
			errors_by_class, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			state = excluded.state,
			channel_id = excluded.channel_id,
			region = excluded.region,
			failure_count = excluded.failure_count,
			retry_attempt = excluded.retry_attempt,
			circuit_open_until = excluded.circuit_open_until,
			latency_ms = excluded.latency_ms,
			total_connections = excluded.total_connections,
			successful_connections = excluded.successful_connections,
			failed_connections = excluded.failed_connections,
			disconnections = excluded.disconnections,
			reconnections = excluded.reconnections,
			success_rate = excluded.success_rate,
			errors_by_class = excluded.errors_by_class,
			updated_at = excluded.updated_at
	`,
		conn.GuildID, conn.State.String(), conn.ChannelID, conn.Region, conn.FailureCount, conn.RetryAttempt,
		openUntil, latency, summary.TotalConnections, summary.SuccessfulConnections,
		summary.FailedConnections, summary.Disconnections, summary.Reconnections, summary.SuccessRate,
		string(errorsByClass), at,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot for guild %s: %w", conn.GuildID, err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, event voice.ConnectionEvent) (int64, error) {
	var latency sql.NullInt64
	if event.LatencyMillis != nil {
		latency = sql.NullInt64{Int64: *event.LatencyMillis, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO connection_events (
			guild_id, channel_id, event_type, old_state, new_state, error, latency_ms, region, occurred_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.GuildID, event.ChannelID, event.Type.String(), event.OldState.String(), event.NewState.String(),
		event.Error, latency, event.Region, event.Timestamp.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event for guild %s: %w", event.GuildID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Snapshot returns the stored snapshot of one guild, or nil if none exists
func (s *StatsStore) Snapshot(ctx context.Context, guildID string) (*GuildSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, snapshotSelect+" WHERE guild_id = ?", guildID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Snapshots returns every stored guild snapshot ordered by guild ID
func (s *StatsStore) Snapshots(ctx context.Context) ([]*GuildSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, snapshotSelect+" ORDER BY guild_id")
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*GuildSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

const snapshotSelect = `
	SELECT guild_id, state, COALESCE(channel_id, ''), COALESCE(region, ''), failure_count, retry_attempt,
		circuit_open_until, latency_ms, total_connections, successful_connections,
		failed_connections, disconnections, reconnections, success_rate,
		COALESCE(errors_by_class, '{}'), updated_at
	FROM guild_snapshots`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*GuildSnapshot, error) {
	var (
		snap      GuildSnapshot
		openUntil sql.NullTime
		latency   sql.NullInt64
		errs      string
	)
	err := row.Scan(
		&snap.GuildID, &snap.State, &snap.ChannelID, &snap.Region, &snap.FailureCount, &snap.RetryAttempt,
		&openUntil, &latency, &snap.TotalConnections, &snap.SuccessfulConnections,
		&snap.FailedConnections, &snap.Disconnections, &snap.Reconnections, &snap.SuccessRate,
		&errs, &snap.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	if openUntil.Valid {
		t := openUntil.Time
		snap.CircuitOpenUntil = &t
	}
	if latency.Valid {
		v := latency.Int64
		snap.LatencyMillis = &v
	}
	snap.ErrorsByClass = map[string]int{}
	if err := json.Unmarshal([]byte(errs), &snap.ErrorsByClass); err != nil {
		return nil, fmt.Errorf("failed to decode error classes for guild %s: %w", snap.GuildID, err)
	}
	return &snap, nil
}

// RecentEvents returns up to limit of the guild's newest stored events, newest first
func (s *StatsStore) RecentEvents(ctx context.Context, guildID string, limit int) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, COALESCE(channel_id, ''), event_type, old_state, new_state,
			COALESCE(error, ''), latency_ms, COALESCE(region, ''), occurred_at
		FROM connection_events
		WHERE guild_id = ?
		ORDER BY occurred_at DESC, id DESC
		LIMIT ?
	`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec     EventRecord
			latency sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.GuildID, &rec.ChannelID, &rec.EventType, &rec.OldState, &rec.NewState,
			&rec.Error, &latency, &rec.Region, &rec.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if latency.Valid {
			v := latency.Int64
			rec.LatencyMillis = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// LastWrite returns what the most recent successful WriteStats added
func (s *StatsStore) LastWrite() WriteResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResult
}

// SchemaVersion returns the highest applied migration
func (s *StatsStore) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.migrator.currentVersion(ctx)
}

// MigrationHistory lists the applied migrations in order
func (s *StatsStore) MigrationHistory(ctx context.Context) ([]AppliedMigration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.migrator.history(ctx)
}

// Close closes the database. It is safe to call more than once.
func (s *StatsStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Stats store closed")
	return nil
}

var _ voice.StatsSink = (*StatsStore)(nil)
