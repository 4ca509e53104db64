package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Manager is the central coordinator for guild voice connections
type Manager struct {
	config   *Config
	profile  PolicyProfile
	detector *EnvironmentDetector
	client   VoiceClient
	logger   Logger
	metrics  *Metrics

	breaker      *CircuitBreaker
	sessions     *SessionManager
	stats        *StatsAggregator
	tracker      *workTracker
	machine      *ConnectionStateMachine
	orchestrator *RecoveryOrchestrator
	health       *HealthMonitor

	mu        sync.Mutex
	started   bool
	closed    bool
	startTime time.Time
}

type managerOptions struct {
	profile    *PolicyProfile
	registerer prometheus.Registerer
	probe      HostProbe
	seed       int64
	seedSet    bool
}

// Option customises a Manager
type Option func(*managerOptions)

// WithProfile uses the given policy profile instead of detecting one
func WithProfile(profile PolicyProfile) Option {
	return func(o *managerOptions) { o.profile = &profile }
}

// WithRegisterer registers the manager's metrics on reg instead of the default registry
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *managerOptions) { o.registerer = reg }
}

// WithHostProbe replaces the host signals used for environment detection
func WithHostProbe(probe HostProbe) Option {
	return func(o *managerOptions) { o.probe = probe }
}

// WithJitterSeed makes backoff jitter reproducible
func WithJitterSeed(seed int64) Option {
	return func(o *managerOptions) {
		o.seed = seed
		o.seedSet = true
	}
}

// NewManager creates a voice connection manager around a voice client
func NewManager(config *Config, client VoiceClient, logger Logger, opts ...Option) (*Manager, error) {
	if client == nil {
		return nil, ErrNilVoiceClient
	}

	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		logger = NewZerologLogger(config.Logging)
	}

	options := managerOptions{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.seedSet {
		options.seed = time.Now().UnixNano()
	}

	detector := NewEnvironmentDetector(options.probe, config.Environment)
	profile := detector.Detect()
	if options.profile != nil {
		if err := validateProfile(*options.profile); err != nil {
			return nil, err
		}
		profile = *options.profile
	} else {
		profile.HighLatencyThreshold = config.HighLatencyThreshold
	}
	if profile.HighLatencyThreshold <= 0 {
		profile.HighLatencyThreshold = config.HighLatencyThreshold
	}

	logger = logger.With(String("component", "voice_manager"))
	metrics := NewMetrics(options.registerer)
	tracker := newWorkTracker()

	breaker := NewCircuitBreaker(profile, logger, metrics)
	sessions := NewSessionManager(logger)
	stats := NewStatsAggregator(config.EventBufferSize)
	machine := newConnectionStateMachine(profile, breaker, sessions, NewErrorClassifier(), stats, metrics, logger)
	orchestrator := newRecoveryOrchestrator(machine, client, NewBackoffCalculatorWithJitter(options.seed, config.Jitter), profile, tracker, metrics, logger)
	machine.recovery = orchestrator

	m := &Manager{
		config:       config,
		profile:      profile,
		detector:     detector,
		client:       client,
		logger:       logger,
		metrics:      metrics,
		breaker:      breaker,
		sessions:     sessions,
		stats:        stats,
		tracker:      tracker,
		machine:      machine,
		orchestrator: orchestrator,
		health:       newHealthMonitor(machine, client, tracker, profile, metrics, logger),
		startTime:    time.Now(),
	}

	fields := []Field{
		Any("environment", profile.Environment),
		Int("max_retry_attempts", profile.MaxRetryAttempts),
		Duration("base_retry_delay", profile.BaseRetryDelay),
		Duration("connection_timeout", profile.ConnectionTimeout),
		Int("circuit_breaker_threshold", profile.CircuitBreakerThreshold),
		Duration("health_check_interval", profile.HealthCheckInterval),
	}
	if options.profile == nil {
		fields = append(fields, String("detected_by", detector.Reason()))
	}
	m.logger.Info("Created voice connection manager", fields...)

	return m, nil
}

// Start runs the health monitor on the manager's own goroutine. Callers that
// supervise HealthMonitor themselves should not call Start.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.started {
		return nil
	}

	if !m.tracker.Go(func(ctx context.Context) {
		if err := m.health.Serve(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("Health monitor stopped unexpectedly", Err(err))
		}
	}) {
		return ErrManagerClosed
	}

	m.started = true
	return nil
}

// Shutdown cancels recovery and health checks and waits for them to finish
// within the configured grace period.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.logger.Info("Shutting down voice connection manager", Duration("grace_period", m.config.ShutdownGracePeriod))

	err := m.tracker.Shutdown(ctx, m.config.ShutdownGracePeriod)
	if err != nil {
		m.logger.Warn("Voice manager shutdown left work running", Err(err))
		return err
	}

	m.logger.Info("Voice connection manager stopped")
	return nil
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// RequestConnect asks for the bot to join a voice channel. The connect runs in
// the background; a CircuitOpenError is returned immediately if the guild's
// circuit is open.
func (m *Manager) RequestConnect(guildID, channelID string) error {
	if m.isClosed() {
		return ErrManagerClosed
	}
	return m.machine.OnConnectRequested(guildID, channelID)
}

// Leave disconnects the guild on purpose. No recovery follows.
func (m *Manager) Leave(guildID string) error {
	if guildID == "" {
		return ErrEmptyGuildID
	}
	m.machine.OnLeave(guildID)
	if err := m.client.Disconnect(guildID, false); err != nil {
		return fmt.Errorf("failed to leave voice channel in guild %s: %w", guildID, err)
	}
	return nil
}

// NotifyJoined reports that the bot now occupies a voice channel
func (m *Manager) NotifyJoined(guildID, channelID string) {
	if guildID == "" {
		return
	}
	m.machine.OnConnected(guildID, channelID, "")
}

// NotifyLeft reports that the bot left a voice channel
func (m *Manager) NotifyLeft(guildID, channelID string) {
	if guildID == "" {
		return
	}
	m.logger.Debug("Voice leave notification", String("guild_id", guildID), String("channel_id", channelID))
	m.machine.OnDisconnected(guildID)
}

// NotifyChannelChanged reports that the bot was moved to another channel
func (m *Manager) NotifyChannelChanged(guildID, channelID string) {
	if guildID == "" {
		return
	}
	m.machine.OnChannelChanged(guildID, channelID)
}

// ReportTransportError feeds an error from the voice transport into recovery
func (m *Manager) ReportTransportError(guildID string, err error) {
	if guildID == "" || err == nil {
		return
	}
	m.machine.OnTransportError(guildID, err)
}

// RegisterRecoveryCallback adds an observer invoked after each successful reconnect
func (m *Manager) RegisterRecoveryCallback(cb RecoveryCallback) {
	m.orchestrator.RegisterCallback(cb)
}

// ResetCircuit clears a guild's failure history so it may connect again
func (m *Manager) ResetCircuit(guildID string) {
	m.machine.resetCircuit(guildID)
	m.logger.Info("Circuit breaker reset", String("guild_id", guildID))
}

// GetConnectionInfo returns the state of one guild
func (m *Manager) GetConnectionInfo(guildID string) (ConnectionInfo, bool) {
	conn, ok := m.machine.connection(guildID)
	if !ok {
		return ConnectionInfo{GuildID: guildID, State: StateDisconnected}, false
	}

	info := ConnectionInfo{
		GuildID:            conn.GuildID,
		State:              conn.State,
		ChannelID:          conn.ChannelID,
		RetryAttempt:       conn.RetryAttempt,
		FailureCount:       conn.FailureCount,
		CircuitOpen:        m.breaker.IsOpen(guildID),
		CircuitOpenUntil:   m.breaker.OpenUntil(guildID),
		LastConnectedAt:    conn.LastConnectedAt,
		LastDisconnectedAt: conn.LastDisconnectedAt,
		LatencyMillis:      conn.LatencyMillis,
	}
	if session, ok := m.sessions.GetInfo(guildID); ok {
		created := session.CreatedAt
		info.SessionID = session.SessionID
		info.SessionCreatedAt = &created
		info.SessionValid = session.Valid
	}
	return info, true
}

// GetHealthStatus returns counts of guilds by state
func (m *Manager) GetHealthStatus() HealthStatus {
	status := HealthStatus{
		Environment: m.profile.Environment,
		Timestamp:   time.Now(),
	}

	for _, conn := range m.machine.registry.snapshots() {
		status.TotalGuilds++
		switch conn.State {
		case StateConnected:
			status.Connected++
		case StateConnecting:
			status.Connecting++
		case StateReconnecting:
			status.Reconnecting++
		case StateDisconnected:
			status.Disconnected++
		case StateFailed:
			status.Failed++
		}
	}

	status.OpenCircuits = m.breaker.OpenCount()
	total := status.TotalGuilds
	if total < 1 {
		total = 1
	}
	status.ConnectionRate = float64(status.Connected) / float64(total)
	return status
}

// ExportStats writes every guild's counters, state and recent events to sink
func (m *Manager) ExportStats(ctx context.Context, sink StatsSink) error {
	export := m.stats.Build(m.profile.Environment, m.machine.registry.snapshots(), m.config.ExportEventCount)
	if err := sink.WriteStats(ctx, export); err != nil {
		return fmt.Errorf("failed to export voice stats: %w", err)
	}
	m.logger.Debug("Exported voice stats", Int("guilds", len(export.Guilds)))
	return nil
}

// Stats returns the statistics aggregator
func (m *Manager) Stats() *StatsAggregator {
	return m.stats
}

// HealthMonitor returns the health monitor so it can be supervised externally
func (m *Manager) HealthMonitor() *HealthMonitor {
	return m.health
}

// Profile returns the active policy profile
func (m *Manager) Profile() PolicyProfile {
	return m.profile
}

// Metrics returns the manager's Prometheus collectors
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// GetUptime returns how long ago the manager was created
func (m *Manager) GetUptime() time.Duration {
	return time.Since(m.startTime)
}
