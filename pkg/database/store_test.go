package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/latoulicious/voiceguard/pkg/voice"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*StatsStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voice_stats.db")
	store, err := NewStatsStore(context.Background(), path, voice.NullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func int64Ptr(v int64) *int64 { return &v }

func testExport(now time.Time) *voice.StatsExport {
	openUntil := now.Add(time.Minute)
	return &voice.StatsExport{
		GeneratedAt: now,
		Environment: voice.EnvironmentDocker,
		Guilds: []voice.GuildStats{
			{
				Connection: voice.GuildConnection{
					GuildID:       "g1",
					State:         voice.StateConnected,
					ChannelID:     "c1",
					Region:        "rotterdam",
					LatencyMillis: int64Ptr(42),
				},
				Summary: voice.StatsSummary{
					GuildID:               "g1",
					TotalConnections:      4,
					SuccessfulConnections: 3,
					FailedConnections:     1,
					Reconnections:         1,
					ErrorsByClass:         map[string]int{"transient_transport": 1},
					SuccessRate:           0.75,
				},
				RecentEvents: []voice.ConnectionEvent{
					{Timestamp: now.Add(-2 * time.Second), GuildID: "g1", ChannelID: "c1", Type: voice.EventConnection, OldState: voice.StateDisconnected, NewState: voice.StateConnected},
					{Timestamp: now.Add(-time.Second), GuildID: "g1", ChannelID: "c1", Type: voice.EventHealthCheck, OldState: voice.StateConnected, NewState: voice.StateConnected, LatencyMillis: int64Ptr(900)},
				},
			},
			{
				Connection: voice.GuildConnection{
					GuildID:          "g2",
					State:            voice.StateFailed,
					FailureCount:     5,
					CircuitOpenUntil: &openUntil,
				},
				Summary: voice.StatsSummary{GuildID: "g2", ErrorsByClass: map[string]int{}},
			},
		},
	}
}

func TestStoreConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultStoreConfig("stats.db").Validate())

	tests := []struct {
		name   string
		modify func(*StoreConfig)
		want   error
	}{
		{"empty path", func(c *StoreConfig) { c.DatabasePath = "" }, ErrInvalidDatabasePath},
		{"no connections", func(c *StoreConfig) { c.MaxConnections = 0 }, ErrInvalidMaxConnections},
		{"no timeout", func(c *StoreConfig) { c.ConnectionTimeout = 0 }, ErrInvalidConnectionTimeout},
		{"no retention", func(c *StoreConfig) { c.Retention = -time.Hour }, ErrInvalidRetention},
		{"bad synchronous", func(c *StoreConfig) { c.SynchronousMode = "SOMETIMES" }, ErrInvalidSynchronousMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultStoreConfig("stats.db")
			tt.modify(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}

func TestStatsStore_MigratesOnOpen(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	history, err := store.MigrationHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "initial_voice_stats", history[0].Name)
	assert.Len(t, history[0].Checksum, 32)
}

func TestStatsStore_ReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice_stats.db")
	ctx := context.Background()

	first, err := NewStatsStore(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, first.WriteStats(ctx, testExport(time.Now())))
	require.NoError(t, first.Close())

	second, err := NewStatsStore(ctx, path, nil)
	require.NoError(t, err)
	defer second.Close()

	snaps, err := second.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestStatsStore_ChecksumMismatchRefusesToOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice_stats.db")
	ctx := context.Background()

	store, err := NewStatsStore(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	raw, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = raw.Exec("UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1")
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	_, err = NewStatsStore(ctx, path, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestStatsStore_WriteStats(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.WriteStats(ctx, testExport(now)))
	assert.Equal(t, WriteResult{Guilds: 2, EventsInserted: 2}, store.LastWrite())

	snap, err := store.Snapshot(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "connected", snap.State)
	assert.Equal(t, "c1", snap.ChannelID)
	assert.Equal(t, "rotterdam", snap.Region)
	require.NotNil(t, snap.LatencyMillis)
	assert.Equal(t, int64(42), *snap.LatencyMillis)
	assert.Nil(t, snap.CircuitOpenUntil)
	assert.Equal(t, 3, snap.SuccessfulConnections)
	assert.InDelta(t, 0.75, snap.SuccessRate, 0.0001)
	assert.Equal(t, map[string]int{"transient_transport": 1}, snap.ErrorsByClass)
	assert.WithinDuration(t, now, snap.UpdatedAt, time.Second)

	failed, err := store.Snapshot(ctx, "g2")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, "failed", failed.State)
	assert.Equal(t, 5, failed.FailureCount)
	require.NotNil(t, failed.CircuitOpenUntil)
	assert.WithinDuration(t, now.Add(time.Minute), *failed.CircuitOpenUntil, time.Second)
	assert.Nil(t, failed.LatencyMillis)

	missing, err := store.Snapshot(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStatsStore_WriteStatsDeduplicatesEvents(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	export := testExport(time.Now())

	require.NoError(t, store.WriteStats(ctx, export))
	require.NoError(t, store.WriteStats(ctx, export))
	assert.Equal(t, int64(0), store.LastWrite().EventsInserted)

	events, err := store.RecentEvents(ctx, "g1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "health_check", events[0].EventType, "newest first")
	require.NotNil(t, events[0].LatencyMillis)
	assert.Equal(t, int64(900), *events[0].LatencyMillis)
	assert.Equal(t, "connection", events[1].EventType)
	assert.Equal(t, "disconnected", events[1].OldState)
	assert.Equal(t, "connected", events[1].NewState)
}

func TestStatsStore_SnapshotIsUpserted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	export := testExport(time.Now())
	require.NoError(t, store.WriteStats(ctx, export))

	export.GeneratedAt = time.Now()
	export.Guilds[0].Connection.State = voice.StateReconnecting
	export.Guilds[0].Connection.RetryAttempt = 2
	require.NoError(t, store.WriteStats(ctx, export))

	snaps, err := store.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "g1", snaps[0].GuildID)
	assert.Equal(t, "reconnecting", snaps[0].State)
	assert.Equal(t, 2, snaps[0].RetryAttempt)
}

func TestStatsStore_RecentEventsLimit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.WriteStats(ctx, testExport(time.Now())))

	events, err := store.RecentEvents(ctx, "g1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	events, err = store.RecentEvents(ctx, "g2", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStatsStore_Closed(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.WriteStats(ctx, testExport(time.Now())), ErrStoreClosed)
	_, err := store.Snapshots(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.RecentEvents(ctx, "g1", 5)
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.CleanupOlderThan(ctx, time.Hour)
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestStatsStore_WriteNilExport(t *testing.T) {
	store, _ := newTestStore(t)
	assert.ErrorIs(t, store.WriteStats(context.Background(), nil), ErrNilExport)
}

func TestStatsStore_AsManagerSink(t *testing.T) {
	store, _ := newTestStore(t)
	var sink voice.StatsSink = store
	assert.NoError(t, sink.WriteStats(context.Background(), &voice.StatsExport{GeneratedAt: time.Now()}))
	assert.Equal(t, 0, store.LastWrite().Guilds)
}
