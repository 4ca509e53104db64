package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/latoulicious/voiceguard/pkg/voice"
	"github.com/robfig/cron/v3"
)

// DefaultExportSchedule exports stats every five minutes
const DefaultExportSchedule = "0 */5 * * * *"

// ErrExportInProgress is returned by RunNow when a run is already active
var ErrExportInProgress = errors.New("stats export already in progress")

// ExportFunc performs one export run
type ExportFunc func(ctx context.Context) error

// StatsExporter is satisfied by *voice.Manager
type StatsExporter interface {
	ExportStats(ctx context.Context, sink voice.StatsSink) error
}

// Pruner removes persisted stats past their retention
type Pruner interface {
	Cleanup(ctx context.Context) error
}

// PrunerFunc adapts a function to Pruner
type PrunerFunc func(ctx context.Context) error

func (f PrunerFunc) Cleanup(ctx context.Context) error { return f(ctx) }

// NewStatsExportJob exports the manager's stats to sink and then prunes old
// rows. A nil pruner skips retention.
func NewStatsExportJob(exporter StatsExporter, sink voice.StatsSink, pruner Pruner) ExportFunc {
	return func(ctx context.Context) error {
		if err := exporter.ExportStats(ctx, sink); err != nil {
			return err
		}
		if pruner == nil {
			return nil
		}
		if err := pruner.Cleanup(ctx); err != nil {
			return fmt.Errorf("failed to apply stats retention: %w", err)
		}
		return nil
	}
}

// RunStats counts scheduler outcomes
type RunStats struct {
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	Skipped   int       `json:"skipped"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// ExportScheduler runs stats exports on a cron schedule, never overlapping
type ExportScheduler struct {
	cron       *cron.Cron
	cronEntry  cron.EntryID
	exportFunc ExportFunc
	schedule   string
	timeout    time.Duration
	logger     voice.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mutex     sync.RWMutex
	isRunning bool
	started   bool
	stats     RunStats
}

// NewExportScheduler creates a scheduler with the default schedule
func NewExportScheduler(exportFunc ExportFunc, logger voice.Logger) (*ExportScheduler, error) {
	return NewExportSchedulerWithSchedule(exportFunc, DefaultExportSchedule, logger)
}

// NewExportSchedulerWithSchedule creates a scheduler for a six-field cron
// expression. The schedule does not fire until Start is called.
func NewExportSchedulerWithSchedule(exportFunc ExportFunc, schedule string, logger voice.Logger) (*ExportScheduler, error) {
	if exportFunc == nil {
		return nil, errors.New("export function is nil")
	}
	if logger == nil {
		logger = voice.NullLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ExportScheduler{
		cron:       cron.New(cron.WithSeconds()),
		exportFunc: exportFunc,
		schedule:   schedule,
		timeout:    time.Minute,
		logger:     logger.With(voice.String("component", "export_scheduler")),
		ctx:        ctx,
		cancel:     cancel,
	}

	entryID, err := s.cron.AddFunc(schedule, s.scheduledRun)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid export schedule %q: %w", schedule, err)
	}
	s.cronEntry = entryID
	return s, nil
}

// SetTimeout bounds each export run
func (s *ExportScheduler) SetTimeout(d time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if d > 0 {
		s.timeout = d
	}
}

// Start begins firing the schedule
func (s *ExportScheduler) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("Scheduled stats export", voice.String("schedule", s.schedule))
}

func (s *ExportScheduler) scheduledRun() {
	if err := s.RunNow(); err != nil && !errors.Is(err, ErrExportInProgress) {
		s.logger.Warn("Scheduled stats export failed", voice.Err(err))
	}
}

// RunNow performs one export immediately. It returns ErrExportInProgress if a
// run is already active.
func (s *ExportScheduler) RunNow() error {
	s.mutex.Lock()
	if s.isRunning {
		s.stats.Skipped++
		s.mutex.Unlock()
		s.logger.Debug("Stats export already in progress, skipping")
		return ErrExportInProgress
	}
	s.isRunning = true
	timeout := s.timeout
	s.mutex.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := s.exportFunc(ctx)

	s.mutex.Lock()
	s.isRunning = false
	s.stats.Runs++
	s.stats.LastRun = start
	if err != nil {
		s.stats.Failures++
		s.stats.LastError = err.Error()
	} else {
		s.stats.LastError = ""
	}
	s.mutex.Unlock()

	if err != nil {
		return err
	}
	s.logger.Debug("Stats export completed", voice.Duration("took", time.Since(start)))
	return nil
}

// Stop cancels an in-flight export and waits for it to return or ctx to end
func (s *ExportScheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("Export scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextRun returns the next scheduled run time, or zero before Start
func (s *ExportScheduler) NextRun() time.Time {
	return s.cron.Entry(s.cronEntry).Next
}

// IsRunning reports whether an export is in progress
func (s *ExportScheduler) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.isRunning
}

// Schedule returns the cron expression
func (s *ExportScheduler) Schedule() string {
	return s.schedule
}

// Stats returns a copy of the run counters
func (s *ExportScheduler) Stats() RunStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.stats
}
