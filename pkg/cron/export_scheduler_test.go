package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExporter struct {
	err   error
	calls atomic.Int32
}

func (f *fakeExporter) ExportStats(ctx context.Context, sink voice.StatsSink) error {
	f.calls.Add(1)
	if f.err != nil {
		return f.err
	}
	return sink.WriteStats(ctx, &voice.StatsExport{GeneratedAt: time.Now()})
}

type countingSink struct {
	writes atomic.Int32
}

func (c *countingSink) WriteStats(ctx context.Context, export *voice.StatsExport) error {
	c.writes.Add(1)
	return nil
}

func TestNewExportScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewExportSchedulerWithSchedule(func(context.Context) error { return nil }, "every tuesday", nil)
	assert.ErrorContains(t, err, "invalid export schedule")

	_, err = NewExportScheduler(nil, nil)
	assert.Error(t, err)
}

func TestExportScheduler_RunNow(t *testing.T) {
	var runs atomic.Int32
	s, err := NewExportScheduler(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, voice.NullLogger())
	require.NoError(t, err)
	defer s.Stop(context.Background())

	require.NoError(t, s.RunNow())
	assert.Equal(t, int32(1), runs.Load())

	stats := s.Stats()
	assert.Equal(t, 1, stats.Runs)
	assert.Equal(t, 0, stats.Failures)
	assert.False(t, stats.LastRun.IsZero())
	assert.Equal(t, DefaultExportSchedule, s.Schedule())
	assert.True(t, s.NextRun().IsZero(), "not started yet")
}

func TestExportScheduler_RecordsFailures(t *testing.T) {
	s, err := NewExportScheduler(func(ctx context.Context) error {
		return errors.New("disk full")
	}, nil)
	require.NoError(t, err)
	defer s.Stop(context.Background())

	assert.ErrorContains(t, s.RunNow(), "disk full")
	stats := s.Stats()
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, "disk full", stats.LastError)
}

func TestExportScheduler_SkipsOverlappingRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s, err := NewExportScheduler(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, nil)
	require.NoError(t, err)
	defer s.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.RunNow() }()
	<-started

	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.RunNow(), ErrExportInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.IsRunning())
	assert.Equal(t, 1, s.Stats().Skipped)
}

func TestExportScheduler_FiresOnSchedule(t *testing.T) {
	var runs atomic.Int32
	s, err := NewExportSchedulerWithSchedule(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, "* * * * * *", nil)
	require.NoError(t, err)

	s.Start()
	s.Start()
	assert.False(t, s.NextRun().IsZero())

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestExportScheduler_StopCancelsRun(t *testing.T) {
	s, err := NewExportSchedulerWithSchedule(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, "* * * * * *", nil)
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, s.IsRunning, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Eventually(t, func() bool { return !s.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestNewStatsExportJob(t *testing.T) {
	exporter := &fakeExporter{}
	sink := &countingSink{}
	var pruned atomic.Int32
	job := NewStatsExportJob(exporter, sink, PrunerFunc(func(context.Context) error {
		pruned.Add(1)
		return nil
	}))

	require.NoError(t, job(context.Background()))
	assert.Equal(t, int32(1), sink.writes.Load())
	assert.Equal(t, int32(1), pruned.Load())

	exporter.err = errors.New("export broke")
	assert.ErrorContains(t, job(context.Background()), "export broke")
	assert.Equal(t, int32(1), pruned.Load(), "no pruning after a failed export")
}

func TestNewStatsExportJob_PruneError(t *testing.T) {
	job := NewStatsExportJob(&fakeExporter{}, &countingSink{}, PrunerFunc(func(context.Context) error {
		return errors.New("locked")
	}))
	assert.ErrorContains(t, job(context.Background()), "failed to apply stats retention")

	assert.NoError(t, NewStatsExportJob(&fakeExporter{}, &countingSink{}, nil)(context.Background()))
}
