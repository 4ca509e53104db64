package voice

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// guildEntry is the owned state of one guild. generation increases whenever
// in-flight recovery work for the guild becomes obsolete; results carrying an
// older generation are discarded.
type guildEntry struct {
	mu         sync.Mutex
	conn       GuildConnection
	generation uint64
	lastClass  ErrorClass
}

// registry maps guild IDs to entries. Its lock only guards the map itself and
// is never held while an entry is locked.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*guildEntry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*guildEntry)}
}

func (r *registry) get(guildID string) *guildEntry {
	r.mu.RLock()
	e, ok := r.entries[guildID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[guildID]; ok {
		return e
	}
	e = &guildEntry{conn: GuildConnection{GuildID: guildID, State: StateDisconnected}}
	r.entries[guildID] = e
	return e
}

func (r *registry) lookup(guildID string) (*guildEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[guildID]
	return e, ok
}

func (r *registry) all() []*guildEntry {
	r.mu.RLock()
	out := make([]*guildEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].conn.GuildID < out[j].conn.GuildID })
	return out
}

// snapshots returns a copy of every guild's connection record
func (r *registry) snapshots() []GuildConnection {
	entries := r.all()
	out := make([]GuildConnection, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.conn.clone())
		e.mu.Unlock()
	}
	return out
}

// recoveryDispatcher starts a connect attempt for a guild in the background
type recoveryDispatcher interface {
	dispatch(guildID, channelID string, attempt int, generation uint64) bool
	cancel(guildID string)
}

// ConnectionStateMachine applies connection events to per-guild state. Every
// transition for a guild happens under that guild's lock, so reactive errors
// and health-check failures for the same guild are totally ordered.
type ConnectionStateMachine struct {
	registry   *registry
	profile    PolicyProfile
	breaker    *CircuitBreaker
	sessions   *SessionManager
	classifier *ErrorClassifier
	stats      *StatsAggregator
	metrics    *Metrics
	logger     Logger
	recovery   recoveryDispatcher
}

func newConnectionStateMachine(
	profile PolicyProfile,
	breaker *CircuitBreaker,
	sessions *SessionManager,
	classifier *ErrorClassifier,
	stats *StatsAggregator,
	metrics *Metrics,
	logger Logger,
) *ConnectionStateMachine {
	return &ConnectionStateMachine{
		registry:   newRegistry(),
		profile:    profile,
		breaker:    breaker,
		sessions:   sessions,
		classifier: classifier,
		stats:      stats,
		metrics:    metrics,
		logger:     logger.With(String("component", "state_machine")),
	}
}

// transition moves the entry to a new state. Callers hold e.mu.
func (sm *ConnectionStateMachine) transition(e *guildEntry, to ConnectionState, reason string, cause error) bool {
	from := e.conn.State
	if from == to && to != StateReconnecting {
		return true
	}
	if !canTransition(from, to) {
		sm.logger.Warn("Rejected voice state transition",
			String("guild_id", e.conn.GuildID),
			Any("from", from),
			Any("to", to),
			String("reason", reason))
		return false
	}

	now := time.Now()
	e.conn.State = to
	switch to {
	case StateConnected:
		e.conn.LastConnectedAt = now
	case StateDisconnected, StateReconnecting, StateFailed:
		if from == StateConnected {
			e.conn.LastDisconnectedAt = now
		}
	case StateConnecting:
	}

	sm.metrics.observeState(e.conn.GuildID, to)

	fields := []Field{
		String("guild_id", e.conn.GuildID),
		Any("old_state", from),
		Any("new_state", to),
		String("reason", reason),
		Int("retry_attempt", e.conn.RetryAttempt),
	}
	if cause != nil {
		fields = append(fields, Err(cause))
	}
	if e.conn.LatencyMillis != nil {
		fields = append(fields, Int64("latency_ms", *e.conn.LatencyMillis))
	}
	if to == StateFailed {
		sm.logger.Warn("Voice connection state changed", fields...)
	} else {
		sm.logger.Info("Voice connection state changed", fields...)
	}
	return true
}

// record appends an event to the guild's log. Callers hold e.mu so events stay in order.
func (sm *ConnectionStateMachine) record(e *guildEntry, eventType EventType, from ConnectionState, cause error) {
	event := ConnectionEvent{
		Timestamp: time.Now(),
		GuildID:   e.conn.GuildID,
		ChannelID: e.conn.ChannelID,
		Type:      eventType,
		OldState:  from,
		NewState:  e.conn.State,
		Region:    e.conn.Region,
	}
	if cause != nil {
		event.Error = cause.Error()
	}
	if e.conn.LatencyMillis != nil {
		l := *e.conn.LatencyMillis
		event.LatencyMillis = &l
	}
	sm.stats.RecordEvent(event)
}

// OnConnectRequested starts an initial connect for a guild that is
// disconnected or failed. It fails fast while the guild's circuit is open.
func (sm *ConnectionStateMachine) OnConnectRequested(guildID, channelID string) error {
	if guildID == "" {
		return ErrEmptyGuildID
	}
	if channelID == "" {
		return ErrEmptyChannelID
	}

	e := sm.registry.get(guildID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if sm.breaker.IsOpen(guildID) {
		until := sm.breaker.OpenUntil(guildID)
		e.conn.CircuitOpenUntil = until
		e.conn.FailureCount = sm.breaker.Failures(guildID)
		err := NewCircuitOpenError(guildID, until)
		if e.conn.State != StateFailed && canTransition(e.conn.State, StateFailed) {
			from := e.conn.State
			sm.transition(e, StateFailed, "circuit open", err)
			sm.record(e, EventReconnectionFailed, from, err)
		}
		sm.metrics.observeConnectAttempt("rejected")
		sm.logger.Warn("Connect refused while circuit is open",
			String("guild_id", guildID),
			String("channel_id", channelID),
			Err(err))
		return err
	}

	switch e.conn.State {
	case StateConnected:
		if e.conn.ChannelID == channelID {
			return nil
		}
		return ErrAlreadyConnected
	case StateConnecting, StateReconnecting:
		return ErrConnectInProgress
	case StateDisconnected, StateFailed:
	}

	e.conn.ChannelID = channelID
	e.conn.RetryAttempt = 0
	e.conn.CircuitOpenUntil = nil
	if !sm.transition(e, StateConnecting, "connect requested", nil) {
		return fmt.Errorf("cannot connect guild %s from state %s", guildID, e.conn.State)
	}

	e.generation++
	if !sm.recovery.dispatch(guildID, channelID, 0, e.generation) {
		sm.transition(e, StateDisconnected, "manager shut down", ErrManagerClosed)
		return ErrManagerClosed
	}
	return nil
}

// OnConnected applies an externally observed join. It counts as a successful
// connection in the guild's statistics. Joins observed while a connect is in
// flight are left to that connect to report.
func (sm *ConnectionStateMachine) OnConnected(guildID, channelID, region string) {
	e := sm.registry.get(guildID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.conn.State {
	case StateDisconnected:
		session, created := sm.sessions.EnsureSession(guildID)
		if created {
			sm.logger.Debug("Created session for external join",
				String("guild_id", guildID),
				String("session_id", session.SessionID))
		}
		sm.stats.RecordAttempt(guildID, true)
		sm.applyConnected(e, channelID, region, EventConnection, "joined voice channel")
	case StateConnected:
		if channelID != "" && channelID != e.conn.ChannelID {
			sm.changeChannel(e, channelID)
		}
	case StateConnecting, StateReconnecting, StateFailed:
		sm.logger.Debug("Ignoring voice join notification",
			String("guild_id", guildID),
			String("channel_id", channelID),
			Any("state", e.conn.State))
	}
}

// applyConnected marks the guild connected and clears its failure bookkeeping. Callers hold e.mu.
func (sm *ConnectionStateMachine) applyConnected(e *guildEntry, channelID, region string, eventType EventType, reason string) {
	from := e.conn.State
	if channelID != "" {
		e.conn.ChannelID = channelID
	}
	if region != "" {
		e.conn.Region = region
	}
	e.conn.RetryAttempt = 0
	sm.transition(e, StateConnected, reason, nil)

	sm.breaker.RecordSuccess(e.conn.GuildID)
	e.conn.FailureCount = 0
	e.conn.CircuitOpenUntil = nil

	sm.record(e, eventType, from, nil)
}

// OnDisconnected applies an externally observed leave. Leaving is never retried.
func (sm *ConnectionStateMachine) OnDisconnected(guildID string) {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn.State != StateConnected {
		return
	}
	from := e.conn.State
	sm.transition(e, StateDisconnected, "left voice channel", nil)
	sm.record(e, EventDisconnection, from, nil)
}

// OnChannelChanged records that the bot was moved to another channel
func (sm *ConnectionStateMachine) OnChannelChanged(guildID, channelID string) {
	e, ok := sm.registry.lookup(guildID)
	if !ok || channelID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.conn.State {
	case StateConnected, StateConnecting, StateReconnecting:
		if channelID != e.conn.ChannelID {
			sm.changeChannel(e, channelID)
		}
	case StateDisconnected, StateFailed:
	}
}

func (sm *ConnectionStateMachine) changeChannel(e *guildEntry, channelID string) {
	previous := e.conn.ChannelID
	e.conn.ChannelID = channelID
	sm.record(e, EventChannelChange, e.conn.State, nil)
	sm.logger.Info("Voice channel changed",
		String("guild_id", e.conn.GuildID),
		String("from_channel", previous),
		String("to_channel", channelID))
}

// OnLeave moves the guild to DISCONNECTED and abandons any recovery for it
func (sm *ConnectionStateMachine) OnLeave(guildID string) {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation++
	sm.recovery.cancel(guildID)

	if e.conn.State == StateDisconnected {
		return
	}
	from := e.conn.State
	sm.transition(e, StateDisconnected, "leave requested", nil)
	e.conn.RetryAttempt = 0
	e.conn.ChannelID = ""
	sm.record(e, EventDisconnection, from, nil)
}

// OnTransportError handles an error reported for a guild's transport. Each
// retryable error counts as one circuit breaker failure, whatever the state.
// Only a connecting or connected guild moves into recovery.
func (sm *ConnectionStateMachine) OnTransportError(guildID string, err error) {
	e := sm.registry.get(guildID)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.conn.State {
	case StateConnected, StateConnecting, StateReconnecting:
		sm.handleFailure(e, err)
	case StateDisconnected, StateFailed:
		sm.countFailure(e, err)
	}
}

// countFailure records err against the guild's breaker and statistics without
// changing its state. Callers hold e.mu.
func (sm *ConnectionStateMachine) countFailure(e *guildEntry, err error) {
	guildID := e.conn.GuildID
	class := sm.classifier.Classify(err)

	sm.stats.RecordError(guildID, class.Class)
	sm.metrics.observeTransportError(class.Class)
	e.lastClass = class.Class

	if class.ShouldRetry {
		sm.breaker.RecordFailure(guildID)
	}
	e.conn.FailureCount = sm.breaker.Failures(guildID)
	e.conn.CircuitOpenUntil = sm.breaker.OpenUntil(guildID)

	sm.logger.Debug("Counted transport error for idle guild",
		String("guild_id", guildID),
		Any("state", e.conn.State),
		Int("failure_count", e.conn.FailureCount),
		Err(err))
}

// resetCircuit resets the guild's breaker and clears its failure bookkeeping together
func (sm *ConnectionStateMachine) resetCircuit(guildID string) {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		sm.breaker.Reset(guildID)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	sm.breaker.Reset(guildID)
	e.conn.FailureCount = 0
	e.conn.CircuitOpenUntil = nil
}

// handleFailure classifies err and either schedules the next attempt or
// fails the guild. Callers hold e.mu.
func (sm *ConnectionStateMachine) handleFailure(e *guildEntry, err error) {
	guildID := e.conn.GuildID
	class := sm.classifier.Classify(err)
	verr := sm.classifier.Wrap(guildID, err)

	sm.stats.RecordError(guildID, class.Class)
	sm.metrics.observeTransportError(class.Class)
	e.lastClass = class.Class

	if !class.ShouldRetry {
		e.conn.FailureCount = sm.breaker.Failures(guildID)
		e.conn.CircuitOpenUntil = sm.breaker.OpenUntil(guildID)
		sm.fail(e, verr)
		return
	}

	open := sm.breaker.RecordFailure(guildID)
	e.conn.FailureCount = sm.breaker.Failures(guildID)

	if open {
		e.conn.CircuitOpenUntil = sm.breaker.OpenUntil(guildID)
		sm.fail(e, NewCircuitOpenError(guildID, e.conn.CircuitOpenUntil))
		return
	}

	e.conn.RetryAttempt++
	if e.conn.RetryAttempt > sm.profile.MaxRetryAttempts {
		sm.fail(e, NewMaxRetriesExceededError(guildID, e.conn.RetryAttempt-1, verr))
		return
	}

	if class.NeedsNewSession {
		sm.sessions.Invalidate(guildID)
	}

	from := e.conn.State
	sm.transition(e, StateReconnecting, class.Class.String(), verr)
	if from == StateConnected {
		sm.record(e, EventDisconnection, from, verr)
	}

	e.generation++
	if !sm.recovery.dispatch(guildID, e.conn.ChannelID, e.conn.RetryAttempt, e.generation) {
		sm.logger.Debug("Recovery not scheduled, manager is shut down", String("guild_id", guildID))
	}
}

// fail moves the guild to FAILED. Callers hold e.mu.
func (sm *ConnectionStateMachine) fail(e *guildEntry, err error) {
	e.generation++
	sm.recovery.cancel(e.conn.GuildID)

	from := e.conn.State
	if !sm.transition(e, StateFailed, "recovery abandoned", err) {
		return
	}
	sm.record(e, EventReconnectionFailed, from, err)
	sm.metrics.observeReconnect("failed")
}

// isCurrent reports whether generation still identifies the guild's active recovery
func (sm *ConnectionStateMachine) isCurrent(guildID string, generation uint64) bool {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == generation
}

// attemptSucceeded applies a successful connect. It returns whether the result
// was applied and whether the caller should drop a connection nobody wants anymore.
func (sm *ConnectionStateMachine) attemptSucceeded(guildID string, generation uint64, handle *SessionHandle, attempt int) (applied bool, drop bool, reason string) {
	e := sm.registry.get(guildID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.generation != generation {
		state := e.conn.State
		return false, state == StateDisconnected || state == StateFailed, ""
	}

	var channelID, region string
	if handle != nil {
		channelID = handle.ChannelID
		region = handle.Region
	}

	sm.stats.RecordAttempt(guildID, true)
	sm.metrics.observeConnectAttempt("success")

	eventType := EventConnection
	reason = "connected"
	if e.conn.State == StateReconnecting {
		eventType = EventReconnection
		reason = fmt.Sprintf("recovered from %s after %d attempts", e.lastClass, attempt)
		sm.metrics.observeReconnect("success")
	}
	sm.applyConnected(e, channelID, region, eventType, reason)
	return true, false, reason
}

// attemptFailed routes a failed connect back through the failure path if it
// still belongs to the guild's active recovery.
func (sm *ConnectionStateMachine) attemptFailed(guildID string, generation uint64, err error, attempted bool) {
	e := sm.registry.get(guildID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.generation != generation {
		return
	}
	if attempted {
		sm.stats.RecordAttempt(guildID, false)
		sm.metrics.observeConnectAttempt("failure")
	}
	sm.handleFailure(e, err)
}

// connectedGuilds returns the guilds currently believed to be connected
func (sm *ConnectionStateMachine) connectedGuilds() []string {
	var out []string
	for _, e := range sm.registry.all() {
		e.mu.Lock()
		if e.conn.State == StateConnected {
			out = append(out, e.conn.GuildID)
		}
		e.mu.Unlock()
	}
	return out
}

// recordHealthFailure logs a dead connection and routes it into recovery
func (sm *ConnectionStateMachine) recordHealthFailure(guildID string, err error) {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn.State != StateConnected {
		return
	}
	sm.record(e, EventHealthCheckFailed, e.conn.State, err)
	sm.handleFailure(e, err)
}

// recordLatency stores a latency sample and logs an event when it is high
func (sm *ConnectionStateMachine) recordLatency(guildID string, latency time.Duration, high bool) {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ms := latency.Milliseconds()
	e.conn.LatencyMillis = &ms
	if high && e.conn.State == StateConnected {
		sm.record(e, EventHealthCheck, e.conn.State, nil)
	}
}

// connection returns a copy of the guild's record
func (sm *ConnectionStateMachine) connection(guildID string) (GuildConnection, bool) {
	e, ok := sm.registry.lookup(guildID)
	if !ok {
		return GuildConnection{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.clone(), true
}
